// Package models defines the core domain models for the flow execution engine.
package models

import "time"

// ExecutionStatus represents the lifecycle state of a flow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"

	// ExecutionStatusAbandoned is only ever written to durable storage by
	// external cleanup jobs; the in-memory manager never enters this state.
	ExecutionStatusAbandoned ExecutionStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusAbandoned
}

// NodeStatus represents the outcome of a single node evaluation.
type NodeStatus string

const (
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// FlowExecutionRecord is the durable mirror of an in-memory run, written by
// the analytics bridge. The numeric row id is distinct from ExecutionID, the
// opaque in-memory run identifier.
type FlowExecutionRecord struct {
	ID              int64           `json:"id"`
	ExecutionID     string          `json:"execution_id"    validate:"required"`
	FlowID          int64           `json:"flow_id"         validate:"required"`
	ConversationID  int64           `json:"conversation_id" validate:"required"`
	ContactID       int64           `json:"contact_id"      validate:"required"`
	CompanyID       int64           `json:"company_id,omitempty"`
	TriggerNodeID   string          `json:"trigger_node_id"`
	CurrentNodeID   string          `json:"current_node_id"`
	Status          ExecutionStatus `json:"status"`
	ExecutionPath   []string        `json:"execution_path"`
	ContextData     map[string]any  `json:"context_data,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	TotalDurationMs int64           `json:"total_duration_ms"`
	CompletionRate  int             `json:"completion_rate"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// FlowStepExecutionRecord is one durable row per visited node within a run,
// keyed by (execution row, node, step order).
type FlowStepExecutionRecord struct {
	ID              int64      `json:"id"`
	FlowExecutionID int64      `json:"flow_execution_id" validate:"required"`
	NodeID          string     `json:"node_id"           validate:"required"`
	NodeType        string     `json:"node_type"`
	StepOrder       int        `json:"step_order"`
	Status          NodeStatus `json:"status"`
	InputData       any        `json:"input_data,omitempty"`
	OutputData      any        `json:"output_data,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
}

// ExecutionStats summarizes the in-memory run registry by status.
type ExecutionStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
