package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/message"
)

// Append inserts a message, assigning it the next per-instance
// sequence number inside the same statement so concurrent Append calls
// on the same instance never collide.
func (s *Store) Append(ctx context.Context, m *message.Message) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, instance_id, text, sequence, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, NOW()
		FROM messages WHERE instance_id = $2
		RETURNING sequence, created_at`,
		m.ID.String(), m.InstanceID.String(), m.Text,
	).Scan(&m.Sequence, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("jqm/postgres: append message: %w", err)
	}
	return nil
}

// ListByInstance returns every message for instanceID, in sequence
// order.
func (s *Store) ListByInstance(ctx context.Context, instanceID id.InstanceID) ([]*message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, text, sequence, created_at
		FROM messages
		WHERE instance_id = $1
		ORDER BY sequence ASC`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list messages: %w", err)
	}
	defer rows.Close()

	var messages []*message.Message
	for rows.Next() {
		m, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan message row: %w", scanErr)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		m                        message.Message
		idStr, instanceIDStr     string
	)
	err := row.Scan(&idStr, &instanceIDStr, &m.Text, &m.Sequence, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse message id %q: %w", idStr, parseErr)
	}
	m.ID = parsedID

	parsedInstanceID, parseErr := id.ParseInstanceID(instanceIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse message instance id %q: %w", instanceIDStr, parseErr)
	}
	m.InstanceID = parsedInstanceID

	return &m, nil
}
