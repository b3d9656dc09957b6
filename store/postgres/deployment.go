package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deployment"
	"github.com/ErikWegner/jqm/id"
)

const bindingSelect = `
	SELECT id, node_id, queue_id, max_concurrent, poll_interval_ns, enabled, created_at, updated_at
	FROM deployment_bindings`

// CreateBinding persists a new deployment binding.
func (s *Store) CreateBinding(ctx context.Context, b *deployment.Binding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployment_bindings (
			id, node_id, queue_id, max_concurrent, poll_interval_ns, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID.String(), b.NodeID.String(), b.QueueID.String(), b.MaxConcurrent,
		b.PollInterval.Nanoseconds(), b.Enabled, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: create binding: %w", err)
	}
	return nil
}

// UpdateBinding persists changes to an existing binding.
func (s *Store) UpdateBinding(ctx context.Context, b *deployment.Binding) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deployment_bindings SET
			node_id = $2, queue_id = $3, max_concurrent = $4,
			poll_interval_ns = $5, enabled = $6, updated_at = NOW()
		WHERE id = $1`,
		b.ID.String(), b.NodeID.String(), b.QueueID.String(), b.MaxConcurrent,
		b.PollInterval.Nanoseconds(), b.Enabled,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: update binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrBindingNotFound
	}
	return nil
}

// GetBinding retrieves a binding by ID.
func (s *Store) GetBinding(ctx context.Context, bindingID id.BindingID) (*deployment.Binding, error) {
	row := s.pool.QueryRow(ctx, bindingSelect+` WHERE id = $1`, bindingID.String())
	b, err := scanBinding(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrBindingNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get binding: %w", err)
	}
	return b, nil
}

// DeleteBinding removes a binding by ID.
func (s *Store) DeleteBinding(ctx context.Context, bindingID id.BindingID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deployment_bindings WHERE id = $1`, bindingID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: delete binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrBindingNotFound
	}
	return nil
}

// ListByNode returns every binding for nodeID, enabled or not.
func (s *Store) ListByNode(ctx context.Context, nodeID id.NodeID) ([]*deployment.Binding, error) {
	rows, err := s.pool.Query(ctx, bindingSelect+` WHERE node_id = $1 ORDER BY created_at ASC`, nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list bindings by node: %w", err)
	}
	defer rows.Close()

	var bindings []*deployment.Binding
	for rows.Next() {
		b, scanErr := scanBinding(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan binding row: %w", scanErr)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate binding rows: %w", err)
	}
	return bindings, nil
}

func scanBinding(row pgx.Row) (*deployment.Binding, error) {
	var (
		b            deployment.Binding
		idStr        string
		nodeIDStr    string
		queueIDStr   string
		pollIntNs    int64
	)
	err := row.Scan(&idStr, &nodeIDStr, &queueIDStr, &b.MaxConcurrent, &pollIntNs, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseBindingID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse binding id %q: %w", idStr, parseErr)
	}
	b.ID = parsedID

	parsedNodeID, parseErr := id.ParseNodeID(nodeIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse binding node id %q: %w", nodeIDStr, parseErr)
	}
	b.NodeID = parsedNodeID

	parsedQueueID, parseErr := id.ParseQueueID(queueIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse binding queue id %q: %w", queueIDStr, parseErr)
	}
	b.QueueID = parsedQueueID

	b.PollInterval = time.Duration(pollIntNs)

	return &b, nil
}
