// Package postgres implements every JQM Store interface using pgx/v5
// with raw SQL. ReserveNext uses SELECT ... FOR UPDATE SKIP LOCKED for
// atomic multi-node dequeue and a partial unique index
// (ux_instance_highlander) as a second line of defense on invariant 3;
// Transition uses a row lock plus a read-modify-write inside one
// transaction for its CAS semantics.
package postgres
