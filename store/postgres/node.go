package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/node"
)

const nodeSelect = `
	SELECT id, name, host, port, repo_path, tmp_path, enabled, last_seen, created_at
	FROM nodes`

// Register adds a new node, or refreshes it on conflict.
func (s *Store) Register(ctx context.Context, n *node.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (id, name, host, port, repo_path, tmp_path, enabled, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, host = EXCLUDED.host, port = EXCLUDED.port,
			repo_path = EXCLUDED.repo_path, tmp_path = EXCLUDED.tmp_path,
			enabled = EXCLUDED.enabled, last_seen = EXCLUDED.last_seen`,
		n.ID.String(), n.Name, n.Host, n.Port, n.RepoPath, n.TmpPath, n.Enabled, n.LastSeen, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: register node: %w", err)
	}
	return nil
}

// Deregister removes a node from the registry.
func (s *Store) Deregister(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: deregister node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrNodeNotFound
	}
	return nil
}

// Heartbeat refreshes a node's LastSeen timestamp.
func (s *Store) Heartbeat(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE nodes SET last_seen = NOW() WHERE id = $1`, nodeID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: heartbeat node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrNodeNotFound
	}
	return nil
}

// Get retrieves a node by ID.
func (s *Store) Get(ctx context.Context, nodeID id.NodeID) (*node.Node, error) {
	row := s.pool.QueryRow(ctx, nodeSelect+` WHERE id = $1`, nodeID.String())
	n, err := scanNode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrNodeNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get node: %w", err)
	}
	return n, nil
}

// List returns every registered node.
func (s *Store) List(ctx context.Context) ([]*node.Node, error) {
	rows, err := s.pool.Query(ctx, nodeSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*node.Node
	for rows.Next() {
		n, scanErr := scanNode(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan node row: %w", scanErr)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate node rows: %w", err)
	}
	return nodes, nil
}

// ReapDead returns nodes whose LastSeen predates threshold.
func (s *Store) ReapDead(ctx context.Context, threshold time.Duration) ([]*node.Node, error) {
	rows, err := s.pool.Query(ctx,
		nodeSelect+` WHERE last_seen < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: reap dead nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*node.Node
	for rows.Next() {
		n, scanErr := scanNode(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan dead node row: %w", scanErr)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate dead node rows: %w", err)
	}
	return nodes, nil
}

func scanNode(row pgx.Row) (*node.Node, error) {
	var (
		n     node.Node
		idStr string
	)
	err := row.Scan(&idStr, &n.Name, &n.Host, &n.Port, &n.RepoPath, &n.TmpPath, &n.Enabled, &n.LastSeen, &n.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseNodeID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse node id %q: %w", idStr, parseErr)
	}
	n.ID = parsedID

	return &n, nil
}
