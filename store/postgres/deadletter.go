package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/id"
)

const deadLetterSelect = `
	SELECT id, original_instance, last_instance, job_definition_id, chain_length,
	       last_reason, created_at, replayed_at
	FROM dead_letters`

// Push records a dead-lettered restart chain.
func (s *Store) Push(ctx context.Context, e *deadletter.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			id, original_instance, last_instance, job_definition_id, chain_length,
			last_reason, created_at, replayed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID.String(), e.OriginalInstance.String(), e.LastInstance.String(), e.JobDefinitionID.String(),
		e.ChainLength, e.LastReason, e.CreatedAt, e.ReplayedAt,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: push dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead-lettered entries, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit, offset int) ([]*deadletter.Entry, error) {
	query := deadLetterSelect + ` ORDER BY created_at ASC`
	args := []interface{}{}
	argIdx := 1

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		e, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan dead letter row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}

// GetDeadLetter retrieves a dead-lettered entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	row := s.pool.QueryRow(ctx, deadLetterSelect+` WHERE id = $1`, entryID.String())
	e, err := scanDeadLetter(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// MarkReplayed stamps ReplayedAt on a dead-lettered entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dead_letters SET replayed_at = NOW() WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrDeadLetterNotFound
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var (
		e                                            deadletter.Entry
		idStr, originalStr, lastStr, jobDefIDStr     string
	)
	err := row.Scan(&idStr, &originalStr, &lastStr, &jobDefIDStr, &e.ChainLength, &e.LastReason, &e.CreatedAt, &e.ReplayedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse dead letter id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedOriginal, parseErr := id.ParseInstanceID(originalStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse dead letter original instance %q: %w", originalStr, parseErr)
	}
	e.OriginalInstance = parsedOriginal

	parsedLast, parseErr := id.ParseInstanceID(lastStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse dead letter last instance %q: %w", lastStr, parseErr)
	}
	e.LastInstance = parsedLast

	parsedJobDefID, parseErr := id.ParseJobDefinitionID(jobDefIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse dead letter job definition id %q: %w", jobDefIDStr, parseErr)
	}
	e.JobDefinitionID = parsedJobDefID

	return &e, nil
}
