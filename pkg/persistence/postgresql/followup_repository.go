package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

const followUpColumns = `
			id
		  , schedule_id
		  , COALESCE(session_id, '')
		  , flow_id
		  , conversation_id
		  , contact_id
		  , company_id
		  , COALESCE(node_id, '')
		  , message_type
		  , COALESCE(message_content, '')
		  , COALESCE(media_url, '')
		  , COALESCE(caption, '')
		  , template_id
		  , COALESCE(trigger_event, '')
		  , COALESCE(trigger_node_id, '')
		  , delay_amount
		  , COALESCE(delay_unit, '')
		  , scheduled_for
		  , specific_datetime
		  , COALESCE(timezone, '')
		  , status
		  , sent_at
		  , COALESCE(failed_reason, '')
		  , retry_count
		  , max_retries
		  , channel_type
		  , channel_connection_id
		  , variables
		  , execution_context
		  , created_at
		  , updated_at
		  , expires_at
`

// FollowUpRepository handles scheduled follow-up rows and their attempt log.
type FollowUpRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFollowUpRepository creates a new follow-up repository.
func NewFollowUpRepository(db *sql.DB, logger *slog.Logger) *FollowUpRepository {
	return &FollowUpRepository{db: db, logger: logger}
}

// GetDue returns up to limit follow-ups that are due now, oldest first.
func (r *FollowUpRepository) GetDue(ctx context.Context, limit int) ([]*models.ScheduledFollowUp, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_followups
		WHERE status = 'scheduled'
		  AND scheduled_for <= NOW()
		ORDER BY scheduled_for ASC
		LIMIT $1
	`, followUpColumns)

	return r.queryFollowUps(ctx, query, limit)
}

// GetByScheduleID returns a single follow-up by its external identifier.
func (r *FollowUpRepository) GetByScheduleID(ctx context.Context, scheduleID string) (*models.ScheduledFollowUp, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_followups
		WHERE schedule_id = $1
	`, followUpColumns)

	row := r.db.QueryRowContext(ctx, query, scheduleID)

	followUp, err := scanFollowUp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrFollowUpNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query follow-up %s: %w", scheduleID, err)
	}

	return followUp, nil
}

// Expired returns follow-ups still scheduled whose hard expiry has passed.
func (r *FollowUpRepository) Expired(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_followups
		WHERE status = 'scheduled'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
	`, followUpColumns)

	return r.queryFollowUps(ctx, query, now)
}

// Exhausted returns follow-ups still scheduled whose retry budget ran out.
// These exist only when a crash interrupted the delivery path between the
// last attempt and its terminal status write.
func (r *FollowUpRepository) Exhausted(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM scheduled_followups
		WHERE status = 'scheduled'
		  AND retry_count >= max_retries
		  AND scheduled_for <= $1
	`, followUpColumns)

	return r.queryFollowUps(ctx, query, now)
}

// Update applies a partial update to a follow-up row.
func (r *FollowUpRepository) Update(ctx context.Context, scheduleID string, patch *persistence.FollowUpPatch) error {
	assignments := []string{"updated_at = NOW()"}
	args := make([]any, 0, 6)

	addAssignment := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		addAssignment("status", *patch.Status)
	}

	if patch.ScheduledFor != nil {
		addAssignment("scheduled_for", *patch.ScheduledFor)
	}

	if patch.RetryCount != nil {
		addAssignment("retry_count", *patch.RetryCount)
	}

	if patch.FailedReason != nil {
		addAssignment("failed_reason", nullableString(*patch.FailedReason))
	}

	if patch.SentAt != nil {
		addAssignment("sent_at", *patch.SentAt)
	}

	args = append(args, scheduleID)
	query := fmt.Sprintf("UPDATE scheduled_followups SET %s WHERE schedule_id = $%d",
		strings.Join(assignments, ", "), len(args))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update follow-up %s: %w", scheduleID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check follow-up update result: %w", err)
	}

	if affected == 0 {
		return persistence.ErrFollowUpNotFound
	}

	return nil
}

// Cancel marks a follow-up cancelled. Only rows still scheduled can be
// cancelled; an existing row in a terminal state reports not-cancellable.
func (r *FollowUpRepository) Cancel(ctx context.Context, scheduleID string) error {
	query := `
		UPDATE scheduled_followups
		SET status = 'cancelled', updated_at = NOW()
		WHERE schedule_id = $1
		  AND status = 'scheduled'
	`

	result, err := r.db.ExecContext(ctx, query, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to cancel follow-up %s: %w", scheduleID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check follow-up cancel result: %w", err)
	}

	if affected == 0 {
		_, err := r.GetByScheduleID(ctx, scheduleID)
		if err != nil {
			return err
		}

		return persistence.ErrFollowUpNotCancellable
	}

	return nil
}

// CreateLog appends one delivery attempt row.
func (r *FollowUpRepository) CreateLog(ctx context.Context, entry *models.FollowUpExecutionLog) error {
	query := `
		INSERT INTO followup_execution_logs (
			schedule_id, execution_attempt, status, message_id,
			error_message, execution_duration_ms, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		entry.ScheduleID,
		entry.ExecutionAttempt,
		entry.Status,
		nullableString(entry.MessageID),
		nullableString(entry.ErrorMessage),
		entry.ExecutionDurationMs,
		entry.ExecutedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert follow-up log for %s: %w", entry.ScheduleID, err)
	}

	return nil
}

// DeleteLogsBefore prunes attempt rows older than the cutoff and reports how
// many were removed.
func (r *FollowUpRepository) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM followup_execution_logs WHERE executed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete follow-up logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check follow-up log deletion result: %w", err)
	}

	return deleted, nil
}

// Counts returns follow-up totals grouped by status.
func (r *FollowUpRepository) Counts(ctx context.Context) (map[models.FollowUpStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM scheduled_followups GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count follow-ups: %w", err)
	}

	defer func(ctx context.Context, r *FollowUpRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	counts := make(map[models.FollowUpStatus]int)

	for rows.Next() {
		var (
			status models.FollowUpStatus
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan follow-up count: %w", err)
		}

		counts[status] = count
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating follow-up counts: %w", err)
	}

	return counts, nil
}

func (r *FollowUpRepository) queryFollowUps(ctx context.Context, query string, args ...any) ([]*models.ScheduledFollowUp, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query follow-ups: %w", err)
	}

	defer func(ctx context.Context, r *FollowUpRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	followUps := make([]*models.ScheduledFollowUp, 0)

	for rows.Next() {
		followUp, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan follow-up: %w", err)
		}

		followUps = append(followUps, followUp)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating follow-ups: %w", err)
	}

	return followUps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFollowUp(row rowScanner) (*models.ScheduledFollowUp, error) {
	followUp := &models.ScheduledFollowUp{}

	var (
		variables        []byte
		executionContext []byte
	)

	err := row.Scan(
		&followUp.ID,
		&followUp.ScheduleID,
		&followUp.SessionID,
		&followUp.FlowID,
		&followUp.ConversationID,
		&followUp.ContactID,
		&followUp.CompanyID,
		&followUp.NodeID,
		&followUp.MessageType,
		&followUp.MessageContent,
		&followUp.MediaURL,
		&followUp.Caption,
		&followUp.TemplateID,
		&followUp.TriggerEvent,
		&followUp.TriggerNodeID,
		&followUp.DelayAmount,
		&followUp.DelayUnit,
		&followUp.ScheduledFor,
		&followUp.SpecificDatetime,
		&followUp.Timezone,
		&followUp.Status,
		&followUp.SentAt,
		&followUp.FailedReason,
		&followUp.RetryCount,
		&followUp.MaxRetries,
		&followUp.ChannelType,
		&followUp.ChannelConnectionID,
		&variables,
		&executionContext,
		&followUp.CreatedAt,
		&followUp.UpdatedAt,
		&followUp.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &followUp.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode follow-up variables: %w", err)
		}
	}

	if len(executionContext) > 0 {
		if err := json.Unmarshal(executionContext, &followUp.ExecutionContext); err != nil {
			return nil, fmt.Errorf("failed to decode follow-up execution context: %w", err)
		}
	}

	return followUp, nil
}
