package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/id"
)

const deliverableSelect = `
	SELECT id, instance_id, label, path, hash, size_bytes, implicit, created_at
	FROM deliverables`

// Insert persists a Deliverable row. Callers only ever call this after
// the underlying file move into the node's deliverable repository has
// already succeeded.
func (s *Store) Insert(ctx context.Context, d *deliverable.Deliverable) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deliverables (id, instance_id, label, path, hash, size_bytes, implicit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID.String(), d.InstanceID.String(), d.Label, d.Path, d.Hash, d.SizeBytes, d.Implicit, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jqm/postgres: insert deliverable: %w", err)
	}
	return nil
}

// ListDeliverables returns every deliverable recorded for instanceID.
func (s *Store) ListDeliverables(ctx context.Context, instanceID id.InstanceID) ([]*deliverable.Deliverable, error) {
	rows, err := s.pool.Query(ctx, deliverableSelect+` WHERE instance_id = $1 ORDER BY created_at ASC`, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list deliverables: %w", err)
	}
	defer rows.Close()

	var deliverables []*deliverable.Deliverable
	for rows.Next() {
		d, scanErr := scanDeliverable(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan deliverable row: %w", scanErr)
		}
		deliverables = append(deliverables, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate deliverable rows: %w", err)
	}
	return deliverables, nil
}

// GetDeliverable retrieves a deliverable by ID.
func (s *Store) GetDeliverable(ctx context.Context, deliverableID id.DeliverableID) (*deliverable.Deliverable, error) {
	row := s.pool.QueryRow(ctx, deliverableSelect+` WHERE id = $1`, deliverableID.String())
	d, err := scanDeliverable(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrDeliverableNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get deliverable: %w", err)
	}
	return d, nil
}

func scanDeliverable(row pgx.Row) (*deliverable.Deliverable, error) {
	var (
		d                        deliverable.Deliverable
		idStr, instanceIDStr     string
	)
	err := row.Scan(&idStr, &instanceIDStr, &d.Label, &d.Path, &d.Hash, &d.SizeBytes, &d.Implicit, &d.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.Parse(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse deliverable id %q: %w", idStr, parseErr)
	}
	d.ID = parsedID

	parsedInstanceID, parseErr := id.ParseInstanceID(instanceIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse deliverable instance id %q: %w", instanceIDStr, parseErr)
	}
	d.InstanceID = parsedInstanceID

	return &d, nil
}
