package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	jqm "github.com/ErikWegner/jqm"
	"github.com/ErikWegner/jqm/history"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/instance"
)

const historySelect = `
	SELECT instance_id, job_definition_id, queue_id, final_state, priority,
	       enqueue_time, attribution_time, start_time, end_time, attributed_node,
	       user_tags, parent_instance, chain_length, reason
	FROM history`

// GetHistory retrieves the archived record for instanceID.
func (s *Store) GetHistory(ctx context.Context, instanceID id.InstanceID) (*history.Record, error) {
	row := s.pool.QueryRow(ctx, historySelect+` WHERE instance_id = $1`, instanceID.String())
	record, err := scanHistory(row)
	if err != nil {
		if isNoRows(err) {
			return nil, jqm.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("jqm/postgres: get history: %w", err)
	}
	return record, nil
}

// ListHistory returns archived records matching filter.
func (s *Store) ListHistory(ctx context.Context, filter history.Filter) ([]*history.Record, error) {
	query := historySelect + ` WHERE 1=1`
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
	if filter.FinalState != "" {
		query += fmt.Sprintf(" AND final_state = $%d", argIdx)
		args = append(args, string(filter.FinalState))
		argIdx++
	}

	query += " ORDER BY end_time DESC"

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
		return nil, fmt.Errorf("jqm/postgres: list history: %w", err)
	}
	defer rows.Close()

	var records []*history.Record
	for rows.Next() {
		record, scanErr := scanHistory(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("jqm/postgres: scan history row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jqm/postgres: iterate history rows: %w", err)
	}
	return records, nil
}

func scanHistory(row pgx.Row) (*history.Record, error) {
	var (
		record                                              history.Record
		instanceIDStr, jobDefIDStr, queueIDStr              string
		finalStateStr, attributedNodeStr, parentInstanceStr string
		userTags                                            []byte
	)
	err := row.Scan(
		&instanceIDStr, &jobDefIDStr, &queueIDStr, &finalStateStr, &record.Priority,
		&record.EnqueueTime, &record.AttributionTime, &record.StartTime, &record.EndTime, &attributedNodeStr,
		&userTags, &parentInstanceStr, &record.ChainLength, &record.Reason,
	)
	if err != nil {
		return nil, err
	}

	parsedInstanceID, parseErr := id.ParseInstanceID(instanceIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse history instance id %q: %w", instanceIDStr, parseErr)
	}
	record.InstanceID = parsedInstanceID

	parsedJobDefID, parseErr := id.ParseJobDefinitionID(jobDefIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse history job definition id %q: %w", jobDefIDStr, parseErr)
	}
	record.JobDefinitionID = parsedJobDefID

	parsedQueueID, parseErr := id.ParseQueueID(queueIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("jqm/postgres: parse history queue id %q: %w", queueIDStr, parseErr)
	}
	record.QueueID = parsedQueueID

	record.FinalState = instance.State(finalStateStr)

	if attributedNodeStr != "" {
		parsedNode, parseErr := id.ParseNodeID(attributedNodeStr)
		if parseErr == nil {
			record.AttributedNode = parsedNode
		}
	}
	if parentInstanceStr != "" {
		parsedParent, parseErr := id.ParseInstanceID(parentInstanceStr)
		if parseErr == nil {
			record.ParentInstance = parsedParent
		}
	}

	if len(userTags) > 0 {
		if err := json.Unmarshal(userTags, &record.UserTags); err != nil {
			return nil, fmt.Errorf("jqm/postgres: unmarshal history user tags: %w", err)
		}
	}

	return &record, nil
}
