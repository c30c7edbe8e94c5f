// Package persistence provides the data storage abstraction for the flow
// execution engine.
package persistence

import (
	"context"
	"time"

	"github.com/zapdesk/flowengine/pkg/models"
)

// ExecutionPatch is a partial update to a durable execution record. Nil
// fields are left untouched.
type ExecutionPatch struct {
	Status          *models.ExecutionStatus
	CurrentNodeID   *string
	ExecutionPath   []string
	ContextData     map[string]any
	CompletedAt     *time.Time
	TotalDurationMs *int64
	CompletionRate  *int
	ErrorMessage    *string
}

// StepPatch is a partial update to a durable step record.
type StepPatch struct {
	Status       *models.NodeStatus
	CompletedAt  *time.Time
	DurationMs   *int64
	OutputData   any
	ErrorMessage *string
}

// FollowUpPatch is a partial update to a follow-up schedule.
type FollowUpPatch struct {
	Status       *models.FollowUpStatus
	ScheduledFor *time.Time
	RetryCount   *int
	FailedReason *string
	SentAt       *time.Time
}

// Storage is the durable collaborator contract the engine consumes. The
// engine never owns these rows' schemas beyond what this interface exposes.
type Storage interface {
	// Lookups the engine needs to resolve foreign references.
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetContact(ctx context.Context, id int64) (*models.Contact, error)
	GetChannelConnection(ctx context.Context, id int64) (*models.ChannelConnection, error)
	GetFlow(ctx context.Context, flowID int64) (*models.Flow, error)

	// Execution analytics rows, written by the analytics bridge.
	CreateFlowExecution(ctx context.Context, record *models.FlowExecutionRecord) (int64, error)
	UpdateFlowExecution(ctx context.Context, id int64, patch *ExecutionPatch) error
	CreateFlowStepExecution(ctx context.Context, step *models.FlowStepExecutionRecord) (int64, error)
	UpdateFlowStepExecution(ctx context.Context, stepID int64, patch *StepPatch) error

	// Captured flow variables, hydrated best-effort into execution contexts.
	GetFlowVariables(ctx context.Context, sessionID, scope string) (map[string]any, error)

	// Follow-up schedules and their attempt log.
	GetScheduledFollowUps(ctx context.Context, limit int) ([]*models.ScheduledFollowUp, error)
	GetFollowUpSchedule(ctx context.Context, scheduleID string) (*models.ScheduledFollowUp, error)
	UpdateFollowUpSchedule(ctx context.Context, scheduleID string, patch *FollowUpPatch) error
	CancelFollowUpSchedule(ctx context.Context, scheduleID string) error
	CreateFollowUpExecutionLog(ctx context.Context, entry *models.FollowUpExecutionLog) error

	// Follow-up maintenance, used by the cleanup service.
	ExpiredFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error)
	ExhaustedFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error)
	DeleteFollowUpLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FollowUpCounts(ctx context.Context) (map[models.FollowUpStatus]int, error)

	// Outbound message record fallback for channel types without a
	// dedicated send adapter.
	CreateMessage(ctx context.Context, message *models.Message) (*models.Message, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
