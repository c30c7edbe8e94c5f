// Package analytics mirrors execution manager events into durable storage.
// The flow is strictly one way: events in, rows out.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/execution"
	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// Bridge subscribes to the manager's run lifecycle events and persists them
// as execution and step rows. It remembers the mapping from each opaque run
// id to its durable row id, since step rows reference the durable id.
type Bridge struct {
	store   persistence.Storage
	manager *execution.Manager
	logger  *slog.Logger

	mu             sync.Mutex
	executionDBIDs map[string]int64
	stepIDs        map[string]int64
}

// NewBridge constructs the bridge and registers its handlers on the bus.
func NewBridge(bus eventbus.EventBus, manager *execution.Manager, store persistence.Storage) (*Bridge, error) {
	b := &Bridge{
		store:          store,
		manager:        manager,
		logger:         log.WithModule("analytics_bridge"),
		executionDBIDs: make(map[string]int64),
		stepIDs:        make(map[string]int64),
	}

	handlers := map[events.EventType]eventbus.EventHandler{
		events.ExecutionStartedEvent:   b.handleExecutionStarted,
		events.ExecutionUpdatedEvent:   b.handleExecutionProgress,
		events.ExecutionWaitingEvent:   b.handleExecutionProgress,
		events.ExecutionCompletedEvent: b.handleExecutionCompleted,
		events.ExecutionFailedEvent:    b.handleExecutionFailed,
		events.NodeExecutedEvent:       b.handleNodeExecuted,
	}

	for eventType, handler := range handlers {
		if err := bus.Handle(eventType, handler); err != nil {
			return nil, fmt.Errorf("failed to register %s handler: %w", eventType, err)
		}
	}

	return b, nil
}

// handleExecutionStarted creates the durable execution record. The company id
// lookup is best-effort; a failed conversation fetch leaves it zero rather
// than aborting the record.
func (b *Bridge) handleExecutionStarted(ctx context.Context, event any) error {
	started, ok := event.(*events.ExecutionStarted)
	if !ok {
		return nil
	}

	var companyID int64

	conversation, err := b.store.GetConversation(ctx, started.ConversationID)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to resolve company for execution",
			"execution_id", started.ExecutionID,
			"conversation_id", started.ConversationID,
			"error", err)
	} else {
		companyID = conversation.CompanyID
	}

	record := &models.FlowExecutionRecord{
		ExecutionID:    started.ExecutionID,
		FlowID:         started.FlowID,
		ConversationID: started.ConversationID,
		ContactID:      started.ContactID,
		CompanyID:      companyID,
		TriggerNodeID:  started.CurrentNodeID,
		CurrentNodeID:  started.CurrentNodeID,
		Status:         models.ExecutionStatusRunning,
		ExecutionPath:  []string{started.CurrentNodeID},
		StartedAt:      started.Timestamp,
	}

	dbID, err := b.store.CreateFlowExecution(ctx, record)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to create execution record",
			"execution_id", started.ExecutionID,
			"error", err)

		return nil
	}

	b.mu.Lock()
	b.executionDBIDs[started.ExecutionID] = dbID
	b.mu.Unlock()

	return nil
}

// handleExecutionProgress refreshes the durable record from the live
// in-memory state on update and waiting events. A purged run is skipped
// silently; the event lost the race with the manager's own cleanup.
func (b *Bridge) handleExecutionProgress(ctx context.Context, event any) error {
	var executionID string

	switch e := event.(type) {
	case *events.ExecutionUpdated:
		executionID = e.ExecutionID
	case *events.ExecutionWaiting:
		executionID = e.ExecutionID
	default:
		return nil
	}

	state := b.manager.GetExecution(executionID)
	if state == nil {
		return nil
	}

	b.mu.Lock()
	dbID, ok := b.executionDBIDs[executionID]
	b.mu.Unlock()

	if !ok {
		return nil
	}

	status := state.Status
	currentNodeID := state.CurrentNodeID
	patch := &persistence.ExecutionPatch{
		Status:        &status,
		CurrentNodeID: &currentNodeID,
		ExecutionPath: state.ExecutionPath,
		ContextData:   state.Context.GetAllVariables(),
	}

	if err := b.store.UpdateFlowExecution(ctx, dbID, patch); err != nil {
		b.logger.ErrorContext(ctx, "Failed to update execution record",
			"execution_id", executionID,
			"error", err)
	}

	return nil
}

func (b *Bridge) handleExecutionCompleted(ctx context.Context, event any) error {
	completed, ok := event.(*events.ExecutionCompleted)
	if !ok {
		return nil
	}

	b.finishExecution(ctx, completed.ExecutionID, completed.FlowID,
		models.ExecutionStatusCompleted, completed.ExecutionPath, completed.DurationMs, "")

	return nil
}

func (b *Bridge) handleExecutionFailed(ctx context.Context, event any) error {
	failed, ok := event.(*events.ExecutionFailed)
	if !ok {
		return nil
	}

	b.finishExecution(ctx, failed.ExecutionID, failed.FlowID,
		models.ExecutionStatusFailed, failed.ExecutionPath, failed.DurationMs, failed.Error)

	return nil
}

// finishExecution persists the terminal status and forgets the id mappings,
// matching the manager's own purge policy.
func (b *Bridge) finishExecution(ctx context.Context, executionID string, flowID int64, status models.ExecutionStatus, path []string, durationMs int64, errorMessage string) {
	b.mu.Lock()
	dbID, ok := b.executionDBIDs[executionID]
	b.mu.Unlock()

	if !ok {
		return
	}

	rate := b.completionRate(ctx, flowID, len(path))
	completedAt := time.Now()

	patch := &persistence.ExecutionPatch{
		Status:          &status,
		ExecutionPath:   path,
		CompletedAt:     &completedAt,
		TotalDurationMs: &durationMs,
		CompletionRate:  &rate,
	}
	if errorMessage != "" {
		patch.ErrorMessage = &errorMessage
	}

	if err := b.store.UpdateFlowExecution(ctx, dbID, patch); err != nil {
		b.logger.ErrorContext(ctx, "Failed to finalize execution record",
			"execution_id", executionID,
			"status", status,
			"error", err)
	}

	b.forgetExecution(executionID)
}

// handleNodeExecuted finds or creates the step row keyed by the run id,
// node id, and step order. The first event for a step creates the row;
// later events for the same key update it in place.
func (b *Bridge) handleNodeExecuted(ctx context.Context, event any) error {
	node, ok := event.(*events.NodeExecuted)
	if !ok {
		return nil
	}

	b.mu.Lock()
	dbID, tracked := b.executionDBIDs[node.ExecutionID]
	stepKey := fmt.Sprintf("%s_%s_%d", node.ExecutionID, node.NodeID, node.StepOrder)
	stepID, seen := b.stepIDs[stepKey]
	b.mu.Unlock()

	if !tracked {
		return nil
	}

	completedAt := time.Now()

	if seen {
		status := node.Status
		patch := &persistence.StepPatch{
			Status:       &status,
			CompletedAt:  &completedAt,
			DurationMs:   &node.DurationMs,
			OutputData:   node.OutputData,
			ErrorMessage: &node.ErrorMessage,
		}

		if err := b.store.UpdateFlowStepExecution(ctx, stepID, patch); err != nil {
			b.logger.ErrorContext(ctx, "Failed to update step record",
				"execution_id", node.ExecutionID,
				"node_id", node.NodeID,
				"error", err)
		}

		return nil
	}

	record := &models.FlowStepExecutionRecord{
		FlowExecutionID: dbID,
		NodeID:          node.NodeID,
		NodeType:        node.NodeType,
		StepOrder:       node.StepOrder,
		Status:          node.Status,
		InputData:       node.InputData,
		OutputData:      node.OutputData,
		ErrorMessage:    node.ErrorMessage,
		DurationMs:      node.DurationMs,
		StartedAt:       completedAt.Add(-time.Duration(node.DurationMs) * time.Millisecond),
		CompletedAt:     &completedAt,
	}

	newStepID, err := b.store.CreateFlowStepExecution(ctx, record)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to create step record",
			"execution_id", node.ExecutionID,
			"node_id", node.NodeID,
			"error", err)

		return nil
	}

	b.mu.Lock()
	b.stepIDs[stepKey] = newStepID
	b.mu.Unlock()

	return nil
}

// MarkExecutionAbandoned persists a still-tracked run as abandoned. Escape
// hatch for external cleanup jobs; not driven by any bus event.
func (b *Bridge) MarkExecutionAbandoned(ctx context.Context, executionID, reason string) error {
	state := b.manager.GetExecution(executionID)
	if state == nil {
		return fmt.Errorf("execution %s is not tracked", executionID)
	}

	b.mu.Lock()
	dbID, ok := b.executionDBIDs[executionID]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("execution %s has no durable record", executionID)
	}

	status := models.ExecutionStatusAbandoned
	rate := b.completionRate(ctx, state.FlowID, len(state.ExecutionPath))
	completedAt := time.Now()
	durationMs := completedAt.Sub(state.StartedAt).Milliseconds()

	patch := &persistence.ExecutionPatch{
		Status:          &status,
		ExecutionPath:   state.ExecutionPath,
		CompletedAt:     &completedAt,
		TotalDurationMs: &durationMs,
		CompletionRate:  &rate,
		ErrorMessage:    &reason,
	}

	if err := b.store.UpdateFlowExecution(ctx, dbID, patch); err != nil {
		return fmt.Errorf("failed to mark execution abandoned: %w", err)
	}

	b.forgetExecution(executionID)

	return nil
}

// completionRate derives the visited percentage from the stored flow
// definition. A flow that cannot be loaded counts as 0% complete; a flow
// with zero nodes is trivially 100%.
func (b *Bridge) completionRate(ctx context.Context, flowID int64, executedCount int) int {
	flow, err := b.store.GetFlow(ctx, flowID)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to load flow for completion rate",
			"flow_id", flowID,
			"error", err)

		return 0
	}

	total := flow.NodeCount()
	if total == 0 {
		return 100
	}

	rate := int(math.Round(float64(executedCount) / float64(total) * 100))

	return min(rate, 100)
}

func (b *Bridge) forgetExecution(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.executionDBIDs, executionID)

	prefix := executionID + "_"

	for key := range b.stepIDs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(b.stepIDs, key)
		}
	}
}
