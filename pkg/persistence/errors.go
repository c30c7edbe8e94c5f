package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrConversationNotFound indicates a conversation was not found by id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrContactNotFound indicates a contact was not found by id.
	ErrContactNotFound = errors.New("contact not found")

	// ErrChannelConnectionNotFound indicates a channel connection was not
	// found by id.
	ErrChannelConnectionNotFound = errors.New("channel connection not found")

	// ErrFlowNotFound indicates a flow definition was not found by id.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExecutionNotFound indicates no durable execution record exists for
	// the given execution id.
	ErrExecutionNotFound = errors.New("flow execution not found")

	// ErrStepExecutionNotFound indicates no durable step record exists for
	// the given id.
	ErrStepExecutionNotFound = errors.New("flow step execution not found")

	// ErrFollowUpNotFound indicates no follow-up schedule exists for the
	// given schedule id.
	ErrFollowUpNotFound = errors.New("follow-up schedule not found")

	// ErrFollowUpNotCancellable indicates the follow-up is no longer in a
	// state that allows cancellation.
	ErrFollowUpNotCancellable = errors.New("follow-up schedule not cancellable")

	// ErrInvalidFlowDefinition indicates the stored flow definition failed
	// shape validation.
	ErrInvalidFlowDefinition = errors.New("invalid flow definition")
)
