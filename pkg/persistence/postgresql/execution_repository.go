package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// ExecutionRepository handles the durable execution and step rows written by
// the analytics bridge.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts an execution row and returns its numeric id.
func (r *ExecutionRepository) Create(ctx context.Context, record *models.FlowExecutionRecord) (int64, error) {
	query := `
		INSERT INTO flow_executions (
			execution_id, flow_id, conversation_id, contact_id, company_id,
			trigger_node_id, current_node_id, status, execution_path,
			context_data, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	path, err := json.Marshal(record.ExecutionPath)
	if err != nil {
		return 0, fmt.Errorf("failed to encode execution path: %w", err)
	}

	contextData, err := json.Marshal(record.ContextData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode context data: %w", err)
	}

	var id int64

	err = r.db.QueryRowContext(ctx, query,
		record.ExecutionID,
		record.FlowID,
		record.ConversationID,
		record.ContactID,
		record.CompanyID,
		record.TriggerNodeID,
		record.CurrentNodeID,
		record.Status,
		path,
		contextData,
		record.StartedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution %s: %w", record.ExecutionID, err)
	}

	return id, nil
}

// Update applies a partial update to an execution row. Only non-nil patch
// fields are written.
func (r *ExecutionRepository) Update(ctx context.Context, id int64, patch *persistence.ExecutionPatch) error {
	assignments := make([]string, 0, 8)
	args := make([]any, 0, 9)

	addAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addAssignment("status", *patch.Status)
	}

	if patch.CurrentNodeID != nil {
		addAssignment("current_node_id", *patch.CurrentNodeID)
	}

	if patch.ExecutionPath != nil {
		path, err := json.Marshal(patch.ExecutionPath)
		if err != nil {
			return fmt.Errorf("failed to encode execution path: %w", err)
		}

		addAssignment("execution_path", path)
	}

	if patch.ContextData != nil {
		contextData, err := json.Marshal(patch.ContextData)
		if err != nil {
			return fmt.Errorf("failed to encode context data: %w", err)
		}

		addAssignment("context_data", contextData)
	}

	if patch.CompletedAt != nil {
		addAssignment("completed_at", *patch.CompletedAt)
	}

	if patch.TotalDurationMs != nil {
		addAssignment("total_duration_ms", *patch.TotalDurationMs)
	}

	if patch.CompletionRate != nil {
		addAssignment("completion_rate", *patch.CompletionRate)
	}

	if patch.ErrorMessage != nil {
		addAssignment("error_message", *patch.ErrorMessage)
	}

	if len(assignments) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE flow_executions SET %s WHERE id = $%d",
		strings.Join(assignments, ", "), len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check execution update result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

// CreateStep inserts a step row and returns its id. The unique key on
// (execution, node, step order) rejects duplicates; the bridge is expected
// to update rather than re-create a step it has already written.
func (r *ExecutionRepository) CreateStep(ctx context.Context, step *models.FlowStepExecutionRecord) (int64, error) {
	query := `
		INSERT INTO flow_step_executions (
			flow_execution_id, node_id, node_type, step_order, status,
			input_data, output_data, error_message, duration_ms,
			started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	inputData, err := json.Marshal(step.InputData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode step input data: %w", err)
	}

	outputData, err := json.Marshal(step.OutputData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode step output data: %w", err)
	}

	var id int64

	err = r.db.QueryRowContext(ctx, query,
		step.FlowExecutionID,
		step.NodeID,
		step.NodeType,
		step.StepOrder,
		step.Status,
		inputData,
		outputData,
		nullableString(step.ErrorMessage),
		step.DurationMs,
		step.StartedAt,
		step.CompletedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert step for execution %d node %s: %w",
			step.FlowExecutionID, step.NodeID, err)
	}

	return id, nil
}

// UpdateStep applies a partial update to a step row.
func (r *ExecutionRepository) UpdateStep(ctx context.Context, stepID int64, patch *persistence.StepPatch) error {
	assignments := make([]string, 0, 5)
	args := make([]any, 0, 6)

	addAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addAssignment("status", *patch.Status)
	}

	if patch.CompletedAt != nil {
		addAssignment("completed_at", *patch.CompletedAt)
	}

	if patch.DurationMs != nil {
		addAssignment("duration_ms", *patch.DurationMs)
	}

	if patch.OutputData != nil {
		outputData, err := json.Marshal(patch.OutputData)
		if err != nil {
			return fmt.Errorf("failed to encode step output data: %w", err)
		}

		addAssignment("output_data", outputData)
	}

	if patch.ErrorMessage != nil {
		addAssignment("error_message", nullableString(*patch.ErrorMessage))
	}

	if len(assignments) == 0 {
		return nil
	}

	args = append(args, stepID)
	query := fmt.Sprintf("UPDATE flow_step_executions SET %s WHERE id = $%d",
		strings.Join(assignments, ", "), len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update step %d: %w", stepID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check step update result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrStepExecutionNotFound
	}

	return nil
}

// GetByExecutionID returns the durable row for an opaque run id, used by
// operational tooling rather than the bridge itself.
func (r *ExecutionRepository) GetByExecutionID(ctx context.Context, executionID string) (*models.FlowExecutionRecord, error) {
	query := `
		SELECT
			id
		  , execution_id
		  , flow_id
		  , conversation_id
		  , contact_id
		  , company_id
		  , trigger_node_id
		  , COALESCE(current_node_id, '')
		  , status
		  , execution_path
		  , context_data
		  , started_at
		  , completed_at
		  , total_duration_ms
		  , completion_rate
		  , COALESCE(error_message, '')
		FROM flow_executions
		WHERE execution_id = $1
	`

	record := &models.FlowExecutionRecord{}

	var (
		path        []byte
		contextData []byte
	)

	err := r.db.QueryRowContext(ctx, query, executionID).Scan(
		&record.ID,
		&record.ExecutionID,
		&record.FlowID,
		&record.ConversationID,
		&record.ContactID,
		&record.CompanyID,
		&record.TriggerNodeID,
		&record.CurrentNodeID,
		&record.Status,
		&path,
		&contextData,
		&record.StartedAt,
		&record.CompletedAt,
		&record.TotalDurationMs,
		&record.CompletionRate,
		&record.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrExecutionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query execution %s: %w", executionID, err)
	}

	if err := json.Unmarshal(path, &record.ExecutionPath); err != nil {
		return nil, fmt.Errorf("failed to decode execution path: %w", err)
	}

	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &record.ContextData); err != nil {
			return nil, fmt.Errorf("failed to decode context data: %w", err)
		}
	}

	return record, nil
}
