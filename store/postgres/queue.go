package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/queue"
)

const queueSelect = `
	SELECT id, name, description, default_priority, max_size, created_at
	FROM queues`

// CreateQueue persists a new queue.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (id, name, description, default_priority, max_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID.String(), q.Name, q.Description, q.DefaultPriority, q.MaxSize, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by ID.
func (s *Store) GetQueue(ctx context.Context, queueID id.QueueID) (*queue.Queue, error) {
	row := s.pool.QueryRow(ctx, queueSelect+` WHERE id = $1`, queueID.String())
	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrQueueNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get queue: %w", err)
	}
	return q, nil
}

// GetQueueByName retrieves a queue by its unique name.
func (s *Store) GetQueueByName(ctx context.Context, name string) (*queue.Queue, error) {
	row := s.pool.QueryRow(ctx, queueSelect+` WHERE name = $1`, name)
	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrQueueNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get queue by name: %w", err)
	}
	return q, nil
}

// ListQueues returns every queue.
func (s *Store) ListQueues(ctx context.Context) ([]*queue.Queue, error) {
	rows, err := s.pool.Query(ctx, queueSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list queues: %w", err)
	}
	defer rows.Close()

	var queues []*queue.Queue
	for rows.Next() {
		q, scanErr := scanQueue(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan queue row: %w", scanErr)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate queue rows: %w", err)
	}
	return queues, nil
}

// CountSubmitted returns the number of SUBMITTED instances on queueID.
func (s *Store) CountSubmitted(ctx context.Context, queueID id.QueueID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM instances WHERE queue_id = $1 AND state = 'SUBMITTED'`,
		queueID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("jqm/postgres: count submitted: %w", err)
	}
	return count, nil
}

func scanQueue(row pgx.Row) (*queue.Queue, error) {
	var (
		q     queue.Queue
		idStr string
	)
	err := row.Scan(&idStr, &q.Name, &q.Description, &q.DefaultPriority, &q.MaxSize, &q.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseQueueID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse queue id %q: %w", idStr, parseErr)
	}
	q.ID = parsedID

	return &q, nil
}
