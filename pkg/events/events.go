// Package events defines the closed set of typed events emitted by the flow
// execution engine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/zapdesk/flowengine/pkg/models"
)

type EventType string

// Topic is the message-bus topic all engine events are published on.
const Topic = "flowengine.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events, emitted by the execution manager.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionUpdatedEvent   EventType = "execution.updated"
	ExecutionWaitingEvent   EventType = "execution.waiting"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	NodeExecutedEvent       EventType = "node.executed"

	// Follow-up events, emitted by the follow-up scheduler.
	FollowUpExecutedEvent  EventType = "followup.executed"
	FollowUpFailedEvent    EventType = "followup.failed"
	FollowUpCancelledEvent EventType = "followup.cancelled"

	// Scheduler lifecycle events.
	SchedulerStartedEvent EventType = "scheduler.started"
	SchedulerStoppedEvent EventType = "scheduler.stopped"
	SchedulerErrorEvent   EventType = "scheduler.error"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// Run lifecycle events

type ExecutionStarted struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	FlowID         int64  `json:"flow_id"`
	ConversationID int64  `json:"conversation_id"`
	ContactID      int64  `json:"contact_id"`
	CurrentNodeID  string `json:"current_node_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionUpdated struct {
	BaseEvent

	ExecutionID    string                 `json:"execution_id"`
	FlowID         int64                  `json:"flow_id"`
	ConversationID int64                  `json:"conversation_id"`
	ContactID      int64                  `json:"contact_id"`
	CurrentNodeID  string                 `json:"current_node_id"`
	Status         models.ExecutionStatus `json:"status"`
	ExecutionPath  []string               `json:"execution_path"`
}

func (e ExecutionUpdated) GetType() EventType {
	return ExecutionUpdatedEvent
}

type ExecutionWaiting struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	FlowID         int64  `json:"flow_id"`
	ConversationID int64  `json:"conversation_id"`
	ContactID      int64  `json:"contact_id"`
	WaitingNodeID  string `json:"waiting_node_id"`
}

func (e ExecutionWaiting) GetType() EventType {
	return ExecutionWaitingEvent
}

type ExecutionResumed struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	FlowID         int64  `json:"flow_id"`
	ConversationID int64  `json:"conversation_id"`
	ContactID      int64  `json:"contact_id"`
	UserInput      any    `json:"user_input,omitempty"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID    string   `json:"execution_id"`
	FlowID         int64    `json:"flow_id"`
	ConversationID int64    `json:"conversation_id"`
	ContactID      int64    `json:"contact_id"`
	Result         any      `json:"result,omitempty"`
	ExecutionPath  []string `json:"execution_path"`
	DurationMs     int64    `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed is the only surviving record of a failed run: the manager
// purges failed state immediately, so post-mortems rely on this payload.
type ExecutionFailed struct {
	BaseEvent

	ExecutionID    string   `json:"execution_id"`
	FlowID         int64    `json:"flow_id"`
	ConversationID int64    `json:"conversation_id"`
	ContactID      int64    `json:"contact_id"`
	Error          string   `json:"error"`
	ExecutionPath  []string `json:"execution_path"`
	DurationMs     int64    `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type NodeExecuted struct {
	BaseEvent

	ExecutionID  string            `json:"execution_id"`
	NodeID       string            `json:"node_id"`
	NodeType     string            `json:"node_type"`
	StepOrder    int               `json:"step_order"`
	DurationMs   int64             `json:"duration_ms"`
	Status       models.NodeStatus `json:"status"`
	InputData    any               `json:"input_data,omitempty"`
	OutputData   any               `json:"output_data,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

func (e NodeExecuted) GetType() EventType {
	return NodeExecutedEvent
}

// Follow-up events

type FollowUpExecuted struct {
	BaseEvent

	ScheduleID string `json:"schedule_id"`
	MessageID  string `json:"message_id,omitempty"`
}

func (e FollowUpExecuted) GetType() EventType {
	return FollowUpExecutedEvent
}

type FollowUpFailed struct {
	BaseEvent

	ScheduleID string `json:"schedule_id"`
	Error      string `json:"error"`
	WillRetry  bool   `json:"will_retry"`
}

func (e FollowUpFailed) GetType() EventType {
	return FollowUpFailedEvent
}

type FollowUpCancelled struct {
	BaseEvent

	ScheduleID string `json:"schedule_id"`
}

func (e FollowUpCancelled) GetType() EventType {
	return FollowUpCancelledEvent
}

// Scheduler lifecycle events

type SchedulerStarted struct {
	BaseEvent

	PollInterval time.Duration `json:"poll_interval"`
}

func (e SchedulerStarted) GetType() EventType {
	return SchedulerStartedEvent
}

type SchedulerStopped struct {
	BaseEvent
}

func (e SchedulerStopped) GetType() EventType {
	return SchedulerStoppedEvent
}

type SchedulerError struct {
	BaseEvent

	Error string `json:"error"`
}

func (e SchedulerError) GetType() EventType {
	return SchedulerErrorEvent
}
