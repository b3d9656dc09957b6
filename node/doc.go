// Package node defines the Node entity (§3) and its Store: registration,
// heartbeat, and dead-node reaping. This supplements §3's Node with the
// liveness tracking the original enioka JQM source keeps independent of
// any particular deployment (SPEC_FULL.md §1.3). It intentionally does
// not include leader election: §1's Non-goals exclude distributed
// consensus, so node autonomy plus database locks are the only
// cross-node coordination primitive (§5).
package node
