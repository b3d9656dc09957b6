package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/jobdef"
)

// CreateJobDefinition persists a new definition.
func (s *Store) CreateJobDefinition(ctx context.Context, def *jobdef.JobDefinition) error {
	params, err := json.Marshal(def.DefaultParameters)
	if err != nil {
		return fmt.Errorf("jqm/postgres: marshal default parameters: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_definitions (
			id, application_name, entry_point_class, artifact_path, default_queue,
			can_restart, highlander_mode, default_parameters, timeout_ns,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		def.ID.String(), def.ApplicationName, def.EntryPointClass, def.ArtifactPath, def.DefaultQueue,
		def.CanRestart, def.HighlanderMode, params, def.Timeout.Nanoseconds(),
		def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jqm.ErrJobDefinitionExists
		}
		return fmt.Errorf("jqm/postgres: create job definition: %w", err)
	}
	return nil
}

// GetJobDefinition retrieves a definition by ID.
func (s *Store) GetJobDefinition(ctx context.Context, defID id.JobDefinitionID) (*jobdef.JobDefinition, error) {
	row := s.pool.QueryRow(ctx, jobDefinitionSelect+` WHERE id = $1`, defID.String())
	def, err := scanJobDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrJobDefinitionNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get job definition: %w", err)
	}
	return def, nil
}

// GetJobDefinitionByName retrieves a definition by ApplicationName.
func (s *Store) GetJobDefinitionByName(ctx context.Context, applicationName string) (*jobdef.JobDefinition, error) {
	row := s.pool.QueryRow(ctx, jobDefinitionSelect+` WHERE application_name = $1`, applicationName)
	def, err := scanJobDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrJobDefinitionNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get job definition by name: %w", err)
	}
	return def, nil
}

// ListJobDefinitions returns every registered definition.
func (s *Store) ListJobDefinitions(ctx context.Context) ([]*jobdef.JobDefinition, error) {
	rows, err := s.pool.Query(ctx, jobDefinitionSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("jqm/postgres: list job definitions: %w", err)
	}
	defer rows.Close()

	var defs []*jobdef.JobDefinition
	for rows.Next() {
		def, scanErr := scanJobDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan job definition row: %w", scanErr)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate job definition rows: %w", err)
	}
	return defs, nil
}

// DeleteJobDefinition removes a definition.
func (s *Store) DeleteJobDefinition(ctx context.Context, defID id.JobDefinitionID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_definitions WHERE id = $1`, defID.String())
	if err != nil {
		return fmt.Errorf("jqm/postgres: delete job definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jqm.ErrJobDefinitionNotFound
	}
	return nil
}

const jobDefinitionSelect = `
	SELECT
		id, application_name, entry_point_class, artifact_path, default_queue,
		can_restart, highlander_mode, default_parameters, timeout_ns,
		created_at, updated_at
	FROM job_definitions`

func scanJobDefinition(row pgx.Row) (*jobdef.JobDefinition, error) {
	var (
		def       jobdef.JobDefinition
		idStr     string
		params    []byte
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &def.ApplicationName, &def.EntryPointClass, &def.ArtifactPath, &def.DefaultQueue,
		&def.CanRestart, &def.HighlanderMode, &params, &timeoutNs,
		&def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobDefinitionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse job definition id %q: %w", idStr, parseErr)
	}
	def.ID = parsedID
	def.Timeout = time.Duration(timeoutNs)

	if len(params) > 0 {
		if unmarshalErr := json.Unmarshal(params, &def.DefaultParameters); unmarshalErr != nil {
			return nil, fmt.Errorf("jqm/postgres: unmarshal default parameters: %w", unmarshalErr)
		}
	}

	return &def, nil
}
