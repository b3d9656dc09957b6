package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/history"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

const instanceSelect = `
	SELECT
		id, job_definition_id, queue_id, state, priority, enqueue_time,
		attribution_time, start_time, end_time, attributed_node, progress,
		user_tags, parameters, parent_instance, chain_length, highlander_mode,
		kill_requested, reason
	FROM instances`

// Enqueue inserts a new instance in state SUBMITTED, rejecting the
// insert inside the same transaction as the queue's size check so a
// concurrent Enqueue can never race past invariant 5's bound.
func (s *Store) Enqueue(ctx context.Context, req instance.EnqueueRequest) (*instance.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: enqueue begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if req.QueueID.IsNil() {
		return nil, fmt.Errorf("jqm/postgres: enqueue: queue id is required")
	}

	var maxSize int
	err = tx.QueryRow(ctx, `SELECT max_size FROM queues WHERE id = $1 FOR UPDATE`, req.QueueID.String()).Scan(&maxSize)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("jqm/postgres: enqueue lock queue: %w", err)
	}

	if maxSize > 0 {
		var submitted int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM instances WHERE queue_id = $1 AND state = 'SUBMITTED'`,
			req.QueueID.String(),
		).Scan(&submitted); err != nil {
			return nil, fmt.Errorf("jqm/postgres: enqueue count submitted: %w", err)
		}
		if submitted >= maxSize {
			return nil, jqm.ErrQueueFull
		}
	}

	userTags, err := json.Marshal(req.UserTags)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: marshal user tags: %w", err)
	}
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: marshal parameters: %w", err)
	}

	inst := &instance.Instance{
		ID:              id.NewInstanceID(),
		JobDefinitionID: req.JobDefinitionID,
		QueueID:         req.QueueID,
		State:           instance.StateSubmitted,
		Priority:        req.Priority,
		UserTags:        req.UserTags,
		Parameters:      req.Parameters,
		ParentInstance:  req.ParentInstance,
		ChainLength:     req.ChainLength,
		HighlanderMode:  req.HighlanderMode,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO instances (
			id, job_definition_id, queue_id, state, priority, user_tags, parameters,
			parent_instance, chain_length, highlander_mode
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING enqueue_time`,
		inst.ID.String(), inst.JobDefinitionID.String(), inst.QueueID.String(), string(inst.State),
		inst.Priority, userTags, params, nilableID(inst.ParentInstance), inst.ChainLength, inst.HighlanderMode,
	).Scan(&inst.EnqueueTime)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: insert instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("jqm/postgres: enqueue commit: %w", err)
	}

	return inst, nil
}

// ReserveNext claims up to limit SUBMITTED instances for queueID,
// skipping any whose JobDefinition is Highlander-mode and already has
// an ATTRIBUTED/RUNNING instance (invariant 3), via SKIP LOCKED so
// concurrent nodes never block on each other's candidates.
func (s *Store) ReserveNext(ctx context.Context, nodeID id.NodeID, queueID id.QueueID, limit int) ([]*instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT i.id FROM instances i
			WHERE i.state = 'SUBMITTED' AND i.queue_id = $2
			  AND NOT (
			      i.highlander_mode AND EXISTS (
			          SELECT 1 FROM instances i2
			          WHERE i2.job_definition_id = i.job_definition_id
			            AND i2.state IN ('ATTRIBUTED', 'RUNNING')
			      )
			  )
			ORDER BY i.priority DESC, i.enqueue_time ASC, i.id ASC
			FOR UPDATE OF i SKIP LOCKED
			LIMIT $3
		)
		UPDATE instances
		SET state = 'ATTRIBUTED', attributed_node = $1, attribution_time = NOW()
		WHERE id IN (SELECT id FROM candidates)
		RETURNING
			id, job_definition_id, queue_id, state, priority, enqueue_time,
			attribution_time, start_time, end_time, attributed_node, progress,
			user_tags, parameters, parent_instance, chain_length, highlander_mode,
			kill_requested, reason`,
		nodeID.String(), queueID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: reserve next: %w", err)
	}
	defer rows.Close()

	var reserved []*instance.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan reserved instance: %w", scanErr)
		}
		reserved = append(reserved, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate reserved instances: %w", err)
	}

	sortByPriorityThenEnqueue(reserved)
	return reserved, nil
}

// Transition performs a CAS on (instanceID, from). The row is locked
// for the duration of the transaction so a concurrent Transition on the
// same instance always observes a consistent from-state.
func (s *Store) Transition(ctx context.Context, instanceID id.InstanceID, from, to instance.State, mutate func(*instance.Instance)) error {
	return s.withInstanceTx(ctx, instanceID, func(tx pgx.Tx, inst *instance.Instance) error {
		if inst.State != from {
			return jqm.ErrStateConflict
		}
		inst.State = to
		if mutate != nil {
			mutate(inst)
		}
		return updateInstance(ctx, tx, inst)
	})
}

// RequestKill sets the pending-kill marker. It never transitions the
// instance itself; the Runner observes the marker at the next yield().
func (s *Store) RequestKill(ctx context.Context, instanceID id.InstanceID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET kill_requested = TRUE WHERE id = $1`, instanceID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: request kill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrInstanceNotFound
	}
	return nil
}

// Hold transitions SUBMITTED -> HOLD.
func (s *Store) Hold(ctx context.Context, instanceID id.InstanceID) error {
	return s.casState(ctx, instanceID, instance.StateSubmitted, instance.StateHold)
}

// Resume transitions HOLD -> SUBMITTED.
func (s *Store) Resume(ctx context.Context, instanceID id.InstanceID) error {
	return s.casState(ctx, instanceID, instance.StateHold, instance.StateSubmitted)
}

// Cancel transitions SUBMITTED or HOLD -> CANCELLED.
func (s *Store) Cancel(ctx context.Context, instanceID id.InstanceID) error {
	return s.withInstanceTx(ctx, instanceID, func(tx pgx.Tx, inst *instance.Instance) error {
		if inst.State != instance.StateSubmitted && inst.State != instance.StateHold {
			return jqm.ErrStateConflict
		}
		inst.State = instance.StateCancelled
		return updateInstance(ctx, tx, inst)
	})
}

// SetPriority updates Priority on a non-terminal instance.
func (s *Store) SetPriority(ctx context.Context, instanceID id.InstanceID, priority int) error {
	return s.withInstanceTx(ctx, instanceID, func(tx pgx.Tx, inst *instance.Instance) error {
		if inst.State.Terminal() {
			return jqm.ErrStateConflict
		}
		inst.Priority = priority
		return updateInstance(ctx, tx, inst)
	})
}

// UpdateProgress clamps n to [0,100] and overwrites Progress.
func (s *Store) UpdateProgress(ctx context.Context, instanceID id.InstanceID, n int) error {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET progress = $2 WHERE id = $1`, instanceID.String(), n)
	if err != nil {
		return fmt.Errorf("jqm/postgres: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrInstanceNotFound
	}
	return nil
}

// ArchiveTerminal moves the instance row into history atomically.
func (s *Store) ArchiveTerminal(ctx context.Context, instanceID id.InstanceID) error {
	return s.withInstanceTx(ctx, instanceID, func(tx pgx.Tx, inst *instance.Instance) error {
		if !inst.State.Terminal() {
			return fmt.Errorf("jqm/postgres: archive terminal: instance %s not terminal (%s)", inst.ID, inst.State)
		}

		record := history.FromInstance(inst)
		userTags, err := json.Marshal(record.UserTags)
		if err != nil {
			return fmt.Errorf("jqm/postgres: marshal history user tags: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO history (
				instance_id, job_definition_id, queue_id, final_state, priority,
				enqueue_time, attribution_time, start_time, end_time, attributed_node,
				user_tags, parent_instance, chain_length, reason
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			record.InstanceID.String(), record.JobDefinitionID.String(), record.QueueID.String(),
			string(record.FinalState), record.Priority, record.EnqueueTime, record.AttributionTime,
			record.StartTime, record.EndTime, nilableID(record.AttributedNode), userTags,
			nilableID(record.ParentInstance), record.ChainLength, record.Reason,
		)
		if err != nil {
			return fmt.Errorf("jqm/postgres: insert history: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM instances WHERE id = $1`, inst.ID.String()); err != nil {
			return fmt.Errorf("jqm/postgres: delete archived instance: %w", err)
		}

		return nil
	})
}

// RecoverCrashed transitions every instance attributed to nodeID in
// {ATTRIBUTED, RUNNING} to CRASHED.
func (s *Store) RecoverCrashed(ctx context.Context, nodeID id.NodeID) ([]*instance.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE instances
		SET state = 'CRASHED', end_time = NOW(), reason = 'node crash'
		WHERE attributed_node = $1 AND state IN ('ATTRIBUTED', 'RUNNING')
		RETURNING
			id, job_definition_id, queue_id, state, priority, enqueue_time,
			attribution_time, start_time, end_time, attributed_node, progress,
			user_tags, parameters, parent_instance, chain_length, highlander_mode,
			kill_requested, reason`,
		nodeID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: recover crashed: %w", err)
	}
	defer rows.Close()

	var recovered []*instance.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan recovered instance: %w", scanErr)
		}
		recovered = append(recovered, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate recovered instances: %w", err)
	}
	return recovered, nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	row := s.pool.QueryRow(ctx, instanceSelect+` WHERE id = $1`, instanceID.String())
	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching filter.
func (s *Store) ListInstances(ctx context.Context, filter instance.ListFilter) ([]*instance.Instance, error) {
	query := instanceSelect + ` WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if !filter.JobDefinitionID.IsNil() {
		query += fmt.Sprintf(" AND job_definition_id = $%d", argIdx)
		args = append(args, filter.JobDefinitionID.String())
		argIdx++
	}
	if !filter.QueueID.IsNil() {
		query += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, filter.QueueID.String())
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if filter.Application != "" {
		query += fmt.Sprintf(" AND user_tags->>'application' = $%d", argIdx)
		args = append(args, filter.Application)
		argIdx++
	}
	if filter.Keyword1 != "" {
		query += fmt.Sprintf(" AND user_tags->>'keyword1' = $%d", argIdx)
		args = append(args, filter.Keyword1)
		argIdx++
	}
	if filter.Keyword2 != "" {
		query += fmt.Sprintf(" AND user_tags->>'keyword2' = $%d", argIdx)
		args = append(args, filter.Keyword2)
		argIdx++
	}
	if filter.Keyword3 != "" {
		query += fmt.Sprintf(" AND user_tags->>'keyword3' = $%d", argIdx)
		args = append(args, filter.Keyword3)
		argIdx++
	}
	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND user_tags->>'session_id' = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.User != "" {
		query += fmt.Sprintf(" AND user_tags->>'user' = $%d", argIdx)
		args = append(args, filter.User)
		argIdx++
	}

	query += " ORDER BY enqueue_time ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var instances []*instance.Instance
	for rows.Next() {
		inst, scanErr := scanInstance(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan instance row: %w", scanErr)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate instance rows: %w", err)
	}
	return instances, nil
}

// casState is the shared CAS helper for the simple two-state
// transitions (Hold, Resume) that don't need a mutate callback.
func (s *Store) casState(ctx context.Context, instanceID id.InstanceID, from, to instance.State) error {
	return s.withInstanceTx(ctx, instanceID, func(tx pgx.Tx, inst *instance.Instance) error {
		if inst.State != from {
			return jqm.ErrStateConflict
		}
		inst.State = to
		return updateInstance(ctx, tx, inst)
	})
}

// withInstanceTx locks instanceID's row for update inside a fresh
// transaction, hands the loaded instance to fn, and commits on
// success.
func (s *Store) withInstanceTx(ctx context.Context, instanceID id.InstanceID, fn func(tx pgx.Tx, inst *instance.Instance) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("jqm/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, instanceSelect+` WHERE id = $1 FOR UPDATE`, instanceID.String())
	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return jqm.ErrInstanceNotFound
		}
		return fmt.Errorf("jqm/postgres: lock instance: %w", err)
	}

	if err := fn(tx, inst); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("jqm/postgres: commit: %w", err)
	}
	return nil
}

func updateInstance(ctx context.Context, tx pgx.Tx, inst *instance.Instance) error {
	userTags, err := json.Marshal(inst.UserTags)
	if err != nil {
		return fmt.Errorf("jqm/postgres: marshal user tags: %w", err)
	}
	params, err := json.Marshal(inst.Parameters)
	if err != nil {
		return fmt.Errorf("jqm/postgres: marshal parameters: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE instances SET
			state = $2, priority = $3, attribution_time = $4, start_time = $5, end_time = $6,
			attributed_node = $7, progress = $8, user_tags = $9, parameters = $10,
			kill_requested = $11, reason = $12
		WHERE id = $1`,
		inst.ID.String(), string(inst.State), inst.Priority, inst.AttributionTime, inst.StartTime, inst.EndTime,
		nilableID(inst.AttributedNode), inst.Progress, userTags, params, inst.KillRequested, inst.Reason,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: update instance: %w", err)
	}
	return nil
}

func scanInstance(row pgx.Row) (*instance.Instance, error) {
	var (
		inst                                       instance.Instance
		idStr, defIDStr, queueIDStr                string
		stateStr                                   string
		attributedNodeStr, parentInstanceStr       string
		userTags, params                           []byte
	)
	err := row.Scan(
		&idStr, &defIDStr, &queueIDStr, &stateStr, &inst.Priority, &inst.EnqueueTime,
		&inst.AttributionTime, &inst.StartTime, &inst.EndTime, &attributedNodeStr, &inst.Progress,
		&userTags, &params, &parentInstanceStr, &inst.ChainLength, &inst.HighlanderMode,
		&inst.KillRequested, &inst.Reason,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseInstanceID(idStr)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: parse instance id %q: %w", idStr, err)
	}
	inst.ID = parsedID

	parsedDefID, err := id.ParseJobDefinitionID(defIDStr)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: parse instance job definition id %q: %w", defIDStr, err)
	}
	inst.JobDefinitionID = parsedDefID

	parsedQueueID, err := id.ParseQueueID(queueIDStr)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: parse instance queue id %q: %w", queueIDStr, err)
	}
	inst.QueueID = parsedQueueID

	inst.State = instance.State(stateStr)

	if attributedNodeStr != "" {
		parsedNode, parseErr := id.ParseNodeID(attributedNodeStr)
		if parseErr == nil {
			inst.AttributedNode = parsedNode
		}
	}
	if parentInstanceStr != "" {
		parsedParent, parseErr := id.ParseInstanceID(parentInstanceStr)
		if parseErr == nil {
			inst.ParentInstance = parsedParent
		}
	}

	if len(userTags) > 0 {
		if err := json.Unmarshal(userTags, &inst.UserTags); err != nil {
			return nil, fmt.Errorf("jqm/postgres: unmarshal user tags: %w", err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &inst.Parameters); err != nil {
			return nil, fmt.Errorf("jqm/postgres: unmarshal parameters: %w", err)
		}
	}

	return &inst, nil
}

// nilableID renders an ID column value, storing '' for id.Nil rather
// than a NULL so equality checks in WHERE clauses stay simple.
func nilableID(v id.ID) string {
	if v.IsNil() {
		return ""
	}
	return v.String()
}

// sortByPriorityThenEnqueue re-establishes the (priority DESC,
// enqueueTime ASC, id ASC) order the CTE's ORDER BY does not guarantee
// survives the UPDATE ... RETURNING re-projection.
func sortByPriorityThenEnqueue(instances []*instance.Instance) {
	for i := 1; i < len(instances); i++ {
		for j := i; j > 0 && lessInstance(instances[j], instances[j-1]); j-- {
			instances[j], instances[j-1] = instances[j-1], instances[j]
		}
	}
}

func lessInstance(a, b *instance.Instance) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueueTime.Equal(b.EnqueueTime) {
		return a.EnqueueTime.Before(b.EnqueueTime)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}
