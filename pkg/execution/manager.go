package execution

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/models"
)

const (
	defaultExecutionTimeout  = 30 * time.Minute
	defaultCleanupInterval   = 5 * time.Minute
	defaultGraceWindow       = 5 * time.Minute
	defaultExecutionTTL      = 24 * time.Hour
	defaultTerminalRetention = time.Hour
	defaultStaleThreshold    = 2 * time.Hour
)

// State is the in-memory record of one active run. Manager queries return
// snapshot copies; the Context pointer is shared and safe for concurrent use.
type State struct {
	ExecutionID     string
	FlowID          int64
	ConversationID  int64
	ContactID       int64
	TriggerNodeID   string
	CurrentNodeID   string
	Status          models.ExecutionStatus
	ExecutionPath   []string
	Context         *Context
	WaitingForInput bool
	WaitingNodeID   string
	StartedAt       time.Time
	LastActivityAt  time.Time
	ErrorMessage    string
}

type runState struct {
	state      *State
	timeout    *time.Timer
	graceTimer *time.Timer
}

// Manager is the single authoritative in-memory registry of active runs.
// One instance is constructed at application start and shared by reference;
// run state must be reachable from wherever an inbound message arrives.
type Manager struct {
	mu         sync.RWMutex
	executions map[string]*runState

	bus    eventbus.EventBus
	logger *slog.Logger

	executionTimeout  time.Duration
	cleanupInterval   time.Duration
	graceWindow       time.Duration
	executionTTL      time.Duration
	terminalRetention time.Duration
	staleThreshold    time.Duration

	ticker  *time.Ticker
	done    chan struct{}
	started bool
}

type ManagerOption func(*Manager)

// WithExecutionTimeout overrides the per-run inactivity timeout.
func WithExecutionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.executionTimeout = d }
}

// WithCleanupInterval overrides the reaper cadence.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cleanupInterval = d }
}

// WithGraceWindow overrides how long completed runs stay readable.
func WithGraceWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.graceWindow = d }
}

// WithExecutionTTL overrides the absolute run lifetime cap.
func WithExecutionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.executionTTL = d }
}

// WithTerminalRetention overrides how long terminal runs survive reaper scans.
func WithTerminalRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.terminalRetention = d }
}

// WithStaleThreshold overrides the inactivity bound for failing running runs.
func WithStaleThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) { m.staleThreshold = d }
}

func NewManager(bus eventbus.EventBus, opts ...ManagerOption) *Manager {
	m := &Manager{
		executions:        make(map[string]*runState),
		bus:               bus,
		logger:            log.WithModule("execution_manager"),
		executionTimeout:  defaultExecutionTimeout,
		cleanupInterval:   defaultCleanupInterval,
		graceWindow:       defaultGraceWindow,
		executionTTL:      defaultExecutionTTL,
		terminalRetention: defaultTerminalRetention,
		staleThreshold:    defaultStaleThreshold,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the periodic reaper. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Execution manager already started")

		return
	}

	m.started = true
	m.ticker = time.NewTicker(m.cleanupInterval)
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Execution manager started",
		"execution_timeout", m.executionTimeout,
		"cleanup_interval", m.cleanupInterval)

	go func() {
		for {
			select {
			case <-m.done:
				return
			case <-m.ticker.C:
				m.cleanupStaleExecutions()
			}
		}
	}()
}

// StartExecution registers a new run and arms its inactivity timeout.
// Returns the opaque execution id immediately; nothing blocks on the run.
func (m *Manager) StartExecution(ctx context.Context, flowID, conversationID, contactID int64, triggerNodeID string, initialData map[string]any) string {
	executionID := m.bus.GenerateID()
	now := time.Now()

	state := &State{
		ExecutionID:    executionID,
		FlowID:         flowID,
		ConversationID: conversationID,
		ContactID:      contactID,
		TriggerNodeID:  triggerNodeID,
		CurrentNodeID:  triggerNodeID,
		Status:         models.ExecutionStatusRunning,
		ExecutionPath:  []string{triggerNodeID},
		Context:        NewContext(initialData),
		StartedAt:      now,
		LastActivityAt: now,
	}

	run := &runState{state: state}
	run.timeout = time.AfterFunc(m.executionTimeout, func() {
		m.FailExecution(context.Background(), executionID, "Execution timeout")
	})

	m.mu.Lock()
	m.executions[executionID] = run
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Execution started",
		"execution_id", executionID,
		"flow_id", flowID,
		"conversation_id", conversationID,
		"trigger_node_id", triggerNodeID)

	event := events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    executionID,
		FlowID:         flowID,
		ConversationID: conversationID,
		ContactID:      contactID,
		CurrentNodeID:  triggerNodeID,
	}
	m.publish(ctx, executionID, event)

	return executionID
}

// UpdateExecution records progress on a run: moves the cursor, appends to the
// path if the node is new, optionally changes status, and re-arms the
// inactivity timeout. Unknown ids are logged and ignored; a late update can
// race with the run's own purge.
func (m *Manager) UpdateExecution(ctx context.Context, executionID, currentNodeID string, status models.ExecutionStatus, nodeResult any) {
	m.mu.Lock()
	run, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Update for unknown execution", "execution_id", executionID)

		return
	}

	state := run.state
	state.CurrentNodeID = currentNodeID
	state.LastActivityAt = time.Now()

	if !slices.Contains(state.ExecutionPath, currentNodeID) {
		state.ExecutionPath = append(state.ExecutionPath, currentNodeID)
	}

	if status != "" {
		state.Status = status
	}

	if nodeResult != nil {
		state.Context.SetNodeData(currentNodeID, nodeResult)
	}

	run.timeout.Reset(m.executionTimeout)

	event := events.ExecutionUpdated{
		BaseEvent:      events.NewBaseEvent(events.ExecutionUpdatedEvent),
		ExecutionID:    executionID,
		FlowID:         state.FlowID,
		ConversationID: state.ConversationID,
		ContactID:      state.ContactID,
		CurrentNodeID:  currentNodeID,
		Status:         state.Status,
		ExecutionPath:  slices.Clone(state.ExecutionPath),
	}
	m.mu.Unlock()

	m.publish(ctx, executionID, event)
}

// SetWaitingForInput parks a run until user input arrives. The inactivity
// timeout armed at start or by the last update keeps ticking; parking does
// not extend it, so a run left waiting still times out on schedule.
func (m *Manager) SetWaitingForInput(ctx context.Context, executionID, waitingNodeID string) {
	m.mu.Lock()
	run, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Wait request for unknown execution", "execution_id", executionID)

		return
	}

	state := run.state
	state.Status = models.ExecutionStatusWaiting
	state.WaitingForInput = true
	state.WaitingNodeID = waitingNodeID
	state.LastActivityAt = time.Now()

	event := events.ExecutionWaiting{
		BaseEvent:      events.NewBaseEvent(events.ExecutionWaitingEvent),
		ExecutionID:    executionID,
		FlowID:         state.FlowID,
		ConversationID: state.ConversationID,
		ContactID:      state.ContactID,
		WaitingNodeID:  waitingNodeID,
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Execution waiting for input",
		"execution_id", executionID,
		"waiting_node_id", waitingNodeID)

	m.publish(ctx, executionID, event)
}

// ResumeExecution hands user input to a waiting run. Returns false when the
// run is unknown or not waiting, which makes duplicate resume triggers safe.
func (m *Manager) ResumeExecution(ctx context.Context, executionID string, userInput any) bool {
	m.mu.Lock()
	run, ok := m.executions[executionID]
	if !ok || run.state.Status != models.ExecutionStatusWaiting {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Resume for execution not waiting", "execution_id", executionID)

		return false
	}

	state := run.state
	state.Status = models.ExecutionStatusRunning
	state.WaitingForInput = false
	state.WaitingNodeID = ""
	state.LastActivityAt = time.Now()
	state.Context.SetVariable("userInput", userInput)

	event := events.ExecutionResumed{
		BaseEvent:      events.NewBaseEvent(events.ExecutionResumedEvent),
		ExecutionID:    executionID,
		FlowID:         state.FlowID,
		ConversationID: state.ConversationID,
		ContactID:      state.ContactID,
		UserInput:      userInput,
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Execution resumed", "execution_id", executionID)
	m.publish(ctx, executionID, event)

	return true
}

// CompleteExecution finishes a run. The state stays readable for a grace
// window so late readers can still query it before the purge.
func (m *Manager) CompleteExecution(ctx context.Context, executionID string, result any) {
	m.mu.Lock()
	run, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Complete for unknown execution", "execution_id", executionID)

		return
	}

	state := run.state
	state.Status = models.ExecutionStatusCompleted
	state.LastActivityAt = time.Now()
	run.timeout.Stop()

	durationMs := time.Since(state.StartedAt).Milliseconds()
	event := events.ExecutionCompleted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionCompletedEvent),
		ExecutionID:    executionID,
		FlowID:         state.FlowID,
		ConversationID: state.ConversationID,
		ContactID:      state.ContactID,
		Result:         result,
		ExecutionPath:  slices.Clone(state.ExecutionPath),
		DurationMs:     durationMs,
	}

	run.graceTimer = time.AfterFunc(m.graceWindow, func() {
		m.purgeExecution(executionID)
	})
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Execution completed",
		"execution_id", executionID,
		"duration_ms", durationMs)

	m.publish(ctx, executionID, event)
}

// FailExecution terminates a run with an error and purges its state
// immediately. Failed runs get no grace window; the emitted event is the
// only record, which bounds memory during error storms.
func (m *Manager) FailExecution(ctx context.Context, executionID, errorMessage string) {
	m.mu.Lock()
	run, ok := m.executions[executionID]
	if !ok {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "Fail for unknown execution", "execution_id", executionID)

		return
	}

	state := run.state
	state.Status = models.ExecutionStatusFailed
	state.ErrorMessage = errorMessage
	run.timeout.Stop()

	if run.graceTimer != nil {
		run.graceTimer.Stop()
	}

	durationMs := time.Since(state.StartedAt).Milliseconds()
	event := events.ExecutionFailed{
		BaseEvent:      events.NewBaseEvent(events.ExecutionFailedEvent),
		ExecutionID:    executionID,
		FlowID:         state.FlowID,
		ConversationID: state.ConversationID,
		ContactID:      state.ContactID,
		Error:          errorMessage,
		ExecutionPath:  slices.Clone(state.ExecutionPath),
		DurationMs:     durationMs,
	}

	delete(m.executions, executionID)
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "Execution failed",
		"execution_id", executionID,
		"error", errorMessage,
		"duration_ms", durationMs)

	m.publish(ctx, executionID, event)
}

// TrackNodeExecution emits a node.executed event for a single node
// evaluation. The step order is the 1-based index of the node within the
// run's path. No state is mutated here.
func (m *Manager) TrackNodeExecution(ctx context.Context, executionID, nodeID, nodeType string, duration time.Duration, status models.NodeStatus, inputData, outputData any, errorMessage string) {
	m.mu.RLock()
	run, ok := m.executions[executionID]

	stepOrder := 0
	if ok {
		if idx := slices.Index(run.state.ExecutionPath, nodeID); idx >= 0 {
			stepOrder = idx + 1
		}
	}
	m.mu.RUnlock()

	if !ok {
		m.logger.WarnContext(ctx, "Node tracked for unknown execution",
			"execution_id", executionID,
			"node_id", nodeID)

		return
	}

	event := events.NodeExecuted{
		BaseEvent:    events.NewBaseEvent(events.NodeExecutedEvent),
		ExecutionID:  executionID,
		NodeID:       nodeID,
		NodeType:     nodeType,
		StepOrder:    stepOrder,
		DurationMs:   duration.Milliseconds(),
		Status:       status,
		InputData:    inputData,
		OutputData:   outputData,
		ErrorMessage: errorMessage,
	}
	m.publish(ctx, executionID, event)
}

// GetExecution returns a snapshot of a run's state, or nil if unknown or
// already purged.
func (m *Manager) GetExecution(executionID string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.executions[executionID]
	if !ok {
		return nil
	}

	return snapshotState(run.state)
}

func (m *Manager) GetExecutionsForConversation(conversationID int64) []*State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*State

	for _, run := range m.executions {
		if run.state.ConversationID == conversationID {
			result = append(result, snapshotState(run.state))
		}
	}

	return result
}

func (m *Manager) GetWaitingExecutionsForConversation(conversationID int64) []*State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*State

	for _, run := range m.executions {
		if run.state.ConversationID == conversationID &&
			run.state.Status == models.ExecutionStatusWaiting {
			result = append(result, snapshotState(run.state))
		}
	}

	return result
}

func (m *Manager) Stats() models.ExecutionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.ExecutionStats{Total: len(m.executions)}

	for _, run := range m.executions {
		switch run.state.Status {
		case models.ExecutionStatusRunning:
			stats.Running++
		case models.ExecutionStatusWaiting:
			stats.Waiting++
		case models.ExecutionStatusCompleted:
			stats.Completed++
		case models.ExecutionStatusFailed:
			stats.Failed++
		}
	}

	return stats
}

// Shutdown stops the reaper, clears all timers, and drops all state. Used on
// graceful process exit only.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		m.ticker.Stop()
		close(m.done)
		m.started = false
	}

	for id, run := range m.executions {
		run.timeout.Stop()

		if run.graceTimer != nil {
			run.graceTimer.Stop()
		}

		delete(m.executions, id)
	}

	m.logger.InfoContext(ctx, "Execution manager stopped")
}

// cleanupStaleExecutions is the reaper pass. Three rules, evaluated in
// priority order so a run claimed by one rule is not re-evaluated by the
// next: terminal runs past retention are deleted, runs past their absolute
// lifetime are deleted, and running runs with no recent activity are failed
// through the normal path so listeners observe the failure.
func (m *Manager) cleanupStaleExecutions() {
	now := time.Now()

	var purge, fail []string

	m.mu.Lock()
	for id, run := range m.executions {
		state := run.state

		switch {
		case state.Status.Terminal() && now.Sub(state.LastActivityAt) > m.terminalRetention:
			purge = append(purge, id)
		case now.Sub(state.StartedAt) > m.executionTTL:
			purge = append(purge, id)
		case state.Status == models.ExecutionStatusRunning && now.Sub(state.LastActivityAt) > m.staleThreshold:
			fail = append(fail, id)
		}
	}

	for _, id := range purge {
		run := m.executions[id]
		run.timeout.Stop()

		if run.graceTimer != nil {
			run.graceTimer.Stop()
		}

		delete(m.executions, id)
	}
	m.mu.Unlock()

	if len(purge) > 0 {
		m.logger.Info("Reaped stale executions", "count", len(purge))
	}

	for _, id := range fail {
		m.FailExecution(context.Background(), id, "Execution stale: no activity")
	}
}

func (m *Manager) purgeExecution(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.executions[executionID]
	if !ok {
		return
	}

	run.timeout.Stop()
	delete(m.executions, executionID)
}

// publish sends an event on the bus, logging rather than propagating
// failures. Callers never hold the manager lock here; handlers are free to
// query the manager back.
func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := m.bus.Publish(ctx, key, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"error", err)
	}
}

func snapshotState(s *State) *State {
	copied := *s
	copied.ExecutionPath = slices.Clone(s.ExecutionPath)

	return &copied
}
