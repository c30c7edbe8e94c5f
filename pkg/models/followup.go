package models

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType is the payload kind of an outbound message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
)

// IsMedia reports whether the type carries a media URL instead of plain text.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		return true
	case MessageTypeText:
		return false
	}

	return false
}

// FollowUpStatus is the lifecycle state of a scheduled follow-up.
type FollowUpStatus string

const (
	FollowUpStatusScheduled FollowUpStatus = "scheduled"
	FollowUpStatusSent      FollowUpStatus = "sent"
	FollowUpStatusFailed    FollowUpStatus = "failed"
	FollowUpStatusCancelled FollowUpStatus = "cancelled"
	FollowUpStatusExpired   FollowUpStatus = "expired"
)

// Terminal reports whether the status admits no further transitions. Only
// "scheduled" rows may still change.
func (s FollowUpStatus) Terminal() bool {
	return s != FollowUpStatusScheduled
}

const (
	// retryBaseDelay is the backoff unit for the first retry.
	retryBaseDelay = time.Minute

	// retryMaxDelay caps the exponential backoff.
	retryMaxDelay = 30 * time.Minute
)

// ScheduledFollowUp is a deferred outbound message stored durably and
// executed by the follow-up scheduler, decoupled from the lifetime of the
// flow run that created it.
type ScheduledFollowUp struct {
	ID int64 `json:"id"`

	// ScheduleID is the stable external identifier of this follow-up.
	ScheduleID string `json:"schedule_id" validate:"required"`

	SessionID      string `json:"session_id,omitempty"`
	FlowID         int64  `json:"flow_id"`
	ConversationID int64  `json:"conversation_id" validate:"required"`
	ContactID      int64  `json:"contact_id"      validate:"required"`
	CompanyID      int64  `json:"company_id,omitempty"`
	NodeID         string `json:"node_id,omitempty"`

	MessageType    MessageType `json:"message_type" validate:"required,oneof=text image video audio document"`
	MessageContent string      `json:"message_content,omitempty"`
	MediaURL       string      `json:"media_url,omitempty"`
	Caption        string      `json:"caption,omitempty"`
	TemplateID     int64       `json:"template_id,omitempty"`

	TriggerEvent  string `json:"trigger_event,omitempty"`
	TriggerNodeID string `json:"trigger_node_id,omitempty"`
	DelayAmount   int    `json:"delay_amount,omitempty"`
	DelayUnit     string `json:"delay_unit,omitempty"`

	// ScheduledFor is the resolved due time; the storage layer's "due"
	// filter compares it against now.
	ScheduledFor     time.Time  `json:"scheduled_for"`
	SpecificDatetime *time.Time `json:"specific_datetime,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`

	Status       FollowUpStatus `json:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	FailedReason string         `json:"failed_reason,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`

	ChannelType         string         `json:"channel_type"`
	ChannelConnectionID int64          `json:"channel_connection_id,omitempty"`
	Variables           map[string]any `json:"variables,omitempty"`
	ExecutionContext    map[string]any `json:"execution_context,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

var followUpValidator = validator.New()

// ErrInvalidFollowUp is returned when follow-up validation fails.
var ErrInvalidFollowUp = errors.New("invalid follow-up schedule")

// Validate checks structural validity plus the retry invariant.
func (f *ScheduledFollowUp) Validate() error {
	if err := followUpValidator.Struct(f); err != nil {
		return err
	}

	if f.RetryCount > f.MaxRetries {
		return ErrInvalidFollowUp
	}

	if f.MessageType.IsMedia() && f.MediaURL == "" {
		return ErrInvalidFollowUp
	}

	return nil
}

// CanRetry reports whether another delivery attempt is allowed.
func (f *ScheduledFollowUp) CanRetry() bool {
	return f.RetryCount < f.MaxRetries
}

// NextRetryDelay computes the exponential backoff for the next attempt:
// 2^retryCount minutes, capped at 30 minutes.
func (f *ScheduledFollowUp) NextRetryDelay() time.Duration {
	delay := retryBaseDelay
	for range f.RetryCount {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}

	return delay
}

// Expired reports whether the follow-up passed its hard expiry at the given
// time. Follow-ups without an ExpiresAt never expire.
func (f *ScheduledFollowUp) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// FollowUpLogStatus is the outcome recorded for one delivery attempt.
type FollowUpLogStatus string

const (
	FollowUpLogSuccess FollowUpLogStatus = "success"
	FollowUpLogFailed  FollowUpLogStatus = "failed"
	FollowUpLogExpired FollowUpLogStatus = "expired"
)

// FollowUpExecutionLog is one append-only row per delivery attempt.
type FollowUpExecutionLog struct {
	ID                  int64             `json:"id"`
	ScheduleID          string            `json:"schedule_id" validate:"required"`
	ExecutionAttempt    int               `json:"execution_attempt"`
	Status              FollowUpLogStatus `json:"status"`
	MessageID           string            `json:"message_id,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	ExecutionDurationMs int64             `json:"execution_duration_ms"`
	ExecutedAt          time.Time         `json:"executed_at"`
}
