package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/execution"
	"github.com/zapdesk/flowengine/pkg/mocks"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

type bridgeFixture struct {
	bridge   *Bridge
	store    *mocks.MockStorage
	manager  *execution.Manager
	handlers map[events.EventType]eventbus.EventHandler
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	managerBus := &mocks.MockEventBus{}
	managerBus.On("GenerateID").Return("")
	managerBus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	manager := execution.NewManager(managerBus)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	handlers := make(map[events.EventType]eventbus.EventHandler)

	bridgeBus := &mocks.MockEventBus{}
	bridgeBus.On("Handle", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		eventType := args.Get(0).(events.EventType)
		handlers[eventType] = args.Get(1).(eventbus.EventHandler)
	})

	store := &mocks.MockStorage{}

	bridge, err := NewBridge(bridgeBus, manager, store)
	require.NoError(t, err)

	return &bridgeFixture{
		bridge:   bridge,
		store:    store,
		manager:  manager,
		handlers: handlers,
	}
}

func (f *bridgeFixture) startTrackedExecution(t *testing.T, dbID int64) string {
	t.Helper()

	executionID := f.manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	f.store.On("GetConversation", mock.Anything, int64(10)).
		Return(&models.Conversation{ID: 10, CompanyID: 3}, nil).Once()
	f.store.On("CreateFlowExecution", mock.Anything, mock.Anything).
		Return(dbID, nil).Once()

	err := f.handlers[events.ExecutionStartedEvent](context.Background(), &events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    executionID,
		FlowID:         1,
		ConversationID: 10,
		ContactID:      5,
		CurrentNodeID:  "n1",
	})
	require.NoError(t, err)

	return executionID
}

func TestBridge_RegistersAllHandlers(t *testing.T) {
	f := newBridgeFixture(t)

	for _, eventType := range []events.EventType{
		events.ExecutionStartedEvent,
		events.ExecutionUpdatedEvent,
		events.ExecutionWaitingEvent,
		events.ExecutionCompletedEvent,
		events.ExecutionFailedEvent,
		events.NodeExecutedEvent,
	} {
		assert.Contains(t, f.handlers, eventType)
	}
}

func TestBridge_ExecutionStartedCreatesRecord(t *testing.T) {
	f := newBridgeFixture(t)

	f.startTrackedExecution(t, 7)

	created := f.store.Calls[1].Arguments.Get(1).(*models.FlowExecutionRecord)
	assert.Equal(t, int64(3), created.CompanyID)
	assert.Equal(t, models.ExecutionStatusRunning, created.Status)
	assert.Equal(t, []string{"n1"}, created.ExecutionPath)
	f.store.AssertExpectations(t)
}

func TestBridge_ExecutionStartedCompanyLookupBestEffort(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	f.store.On("GetConversation", mock.Anything, int64(10)).
		Return(nil, errors.New("timeout")).Once()
	f.store.On("CreateFlowExecution", mock.Anything, mock.MatchedBy(func(r *models.FlowExecutionRecord) bool {
		return r.CompanyID == 0
	})).Return(int64(7), nil).Once()

	err := f.handlers[events.ExecutionStartedEvent](context.Background(), &events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    executionID,
		ConversationID: 10,
	})
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestBridge_ExecutionUpdatedOverwritesRecord(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.startTrackedExecution(t, 7)
	f.manager.UpdateExecution(context.Background(), executionID, "n2", "", nil)

	f.store.On("UpdateFlowExecution", mock.Anything, int64(7),
		mock.MatchedBy(func(patch *persistence.ExecutionPatch) bool {
			return patch.Status != nil && *patch.Status == models.ExecutionStatusRunning &&
				patch.CurrentNodeID != nil && *patch.CurrentNodeID == "n2" &&
				len(patch.ExecutionPath) == 2 &&
				patch.ContextData != nil
		})).Return(nil).Once()

	err := f.handlers[events.ExecutionUpdatedEvent](context.Background(), &events.ExecutionUpdated{
		BaseEvent:   events.NewBaseEvent(events.ExecutionUpdatedEvent),
		ExecutionID: executionID,
	})
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestBridge_ExecutionUpdatedPurgedRunSkipped(t *testing.T) {
	f := newBridgeFixture(t)

	err := f.handlers[events.ExecutionUpdatedEvent](context.Background(), &events.ExecutionUpdated{
		BaseEvent:   events.NewBaseEvent(events.ExecutionUpdatedEvent),
		ExecutionID: "gone",
	})
	require.NoError(t, err)
	f.store.AssertNotCalled(t, "UpdateFlowExecution", mock.Anything, mock.Anything, mock.Anything)
}

func TestBridge_ExecutionCompletedPersistsCompletionRate(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.startTrackedExecution(t, 7)

	f.store.On("GetFlow", mock.Anything, int64(1)).
		Return(&models.Flow{ID: 1, Nodes: []*models.FlowNode{
			{ID: "n1", Type: "trigger"},
			{ID: "n2", Type: "message"},
			{ID: "n3", Type: "message"},
			{ID: "n4", Type: "end"},
		}}, nil).Once()
	f.store.On("UpdateFlowExecution", mock.Anything, int64(7),
		mock.MatchedBy(func(patch *persistence.ExecutionPatch) bool {
			return patch.CompletionRate != nil && *patch.CompletionRate == 50 &&
				patch.Status != nil && *patch.Status == models.ExecutionStatusCompleted &&
				patch.CompletedAt != nil
		})).Return(nil).Once()

	err := f.handlers[events.ExecutionCompletedEvent](context.Background(), &events.ExecutionCompleted{
		BaseEvent:     events.NewBaseEvent(events.ExecutionCompletedEvent),
		ExecutionID:   executionID,
		FlowID:        1,
		ExecutionPath: []string{"n1", "n2"},
		DurationMs:    1500,
	})
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestBridge_CompletionRateEdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		flow     *models.Flow
		flowErr  error
		executed int
		expected int
	}{
		{
			name:     "flow load failure counts as zero",
			flowErr:  errors.New("not found"),
			executed: 3,
			expected: 0,
		},
		{
			name:     "empty flow is trivially complete",
			flow:     &models.Flow{ID: 1},
			executed: 0,
			expected: 100,
		},
		{
			name: "rate capped at 100",
			flow: &models.Flow{ID: 1, Nodes: []*models.FlowNode{
				{ID: "n1", Type: "trigger"},
			}},
			executed: 5,
			expected: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)

			if tt.flowErr != nil {
				f.store.On("GetFlow", mock.Anything, int64(1)).Return(nil, tt.flowErr)
			} else {
				f.store.On("GetFlow", mock.Anything, int64(1)).Return(tt.flow, nil)
			}

			assert.Equal(t, tt.expected, f.bridge.completionRate(context.Background(), 1, tt.executed))
		})
	}
}

func TestBridge_ExecutionFailedPersistsErrorMessage(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.startTrackedExecution(t, 7)

	f.store.On("GetFlow", mock.Anything, int64(1)).
		Return(&models.Flow{ID: 1, Nodes: []*models.FlowNode{{ID: "n1", Type: "trigger"}}}, nil).Once()
	f.store.On("UpdateFlowExecution", mock.Anything, int64(7),
		mock.MatchedBy(func(patch *persistence.ExecutionPatch) bool {
			return patch.ErrorMessage != nil && *patch.ErrorMessage == "Execution timeout" &&
				patch.Status != nil && *patch.Status == models.ExecutionStatusFailed
		})).Return(nil).Once()

	err := f.handlers[events.ExecutionFailedEvent](context.Background(), &events.ExecutionFailed{
		BaseEvent:     events.NewBaseEvent(events.ExecutionFailedEvent),
		ExecutionID:   executionID,
		FlowID:        1,
		Error:         "Execution timeout",
		ExecutionPath: []string{"n1"},
	})
	require.NoError(t, err)

	// The mapping is forgotten after terminal persistence; a late update
	// for the same run id is a silent no-op.
	err = f.handlers[events.ExecutionUpdatedEvent](context.Background(), &events.ExecutionUpdated{
		BaseEvent:   events.NewBaseEvent(events.ExecutionUpdatedEvent),
		ExecutionID: executionID,
	})
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestBridge_NodeExecutedFindOrCreate(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.startTrackedExecution(t, 7)

	f.store.On("CreateFlowStepExecution", mock.Anything,
		mock.MatchedBy(func(step *models.FlowStepExecutionRecord) bool {
			return step.FlowExecutionID == 7 && step.NodeID == "n1" && step.StepOrder == 1
		})).Return(int64(21), nil).Once()

	first := &events.NodeExecuted{
		BaseEvent:   events.NewBaseEvent(events.NodeExecutedEvent),
		ExecutionID: executionID,
		NodeID:      "n1",
		NodeType:    "trigger",
		StepOrder:   1,
		Status:      models.NodeStatusCompleted,
	}
	require.NoError(t, f.handlers[events.NodeExecutedEvent](context.Background(), first))

	// A second event for the same step key updates the existing row.
	f.store.On("UpdateFlowStepExecution", mock.Anything, int64(21), mock.Anything).
		Return(nil).Once()
	require.NoError(t, f.handlers[events.NodeExecutedEvent](context.Background(), first))

	f.store.AssertExpectations(t)
}

func TestBridge_NodeExecutedUntrackedExecutionSkipped(t *testing.T) {
	f := newBridgeFixture(t)

	err := f.handlers[events.NodeExecutedEvent](context.Background(), &events.NodeExecuted{
		BaseEvent:   events.NewBaseEvent(events.NodeExecutedEvent),
		ExecutionID: "gone",
		NodeID:      "n1",
		StepOrder:   1,
	})
	require.NoError(t, err)
	f.store.AssertNotCalled(t, "CreateFlowStepExecution", mock.Anything, mock.Anything)
}

func TestBridge_HandlerSwallowsStorageErrors(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	f.store.On("GetConversation", mock.Anything, int64(10)).
		Return(&models.Conversation{ID: 10}, nil).Once()
	f.store.On("CreateFlowExecution", mock.Anything, mock.Anything).
		Return(int64(0), errors.New("disk full")).Once()

	err := f.handlers[events.ExecutionStartedEvent](context.Background(), &events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    executionID,
		ConversationID: 10,
	})
	assert.NoError(t, err)
}

func TestBridge_MarkExecutionAbandoned(t *testing.T) {
	f := newBridgeFixture(t)

	executionID := f.startTrackedExecution(t, 7)

	f.store.On("GetFlow", mock.Anything, int64(1)).
		Return(&models.Flow{ID: 1, Nodes: []*models.FlowNode{
			{ID: "n1", Type: "trigger"},
			{ID: "n2", Type: "end"},
		}}, nil).Once()
	f.store.On("UpdateFlowExecution", mock.Anything, int64(7),
		mock.MatchedBy(func(patch *persistence.ExecutionPatch) bool {
			return patch.Status != nil && *patch.Status == models.ExecutionStatusAbandoned &&
				patch.ErrorMessage != nil && *patch.ErrorMessage == "conversation closed" &&
				patch.CompletionRate != nil && *patch.CompletionRate == 50
		})).Return(nil).Once()

	err := f.bridge.MarkExecutionAbandoned(context.Background(), executionID, "conversation closed")
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestBridge_MarkExecutionAbandonedUntracked(t *testing.T) {
	f := newBridgeFixture(t)

	err := f.bridge.MarkExecutionAbandoned(context.Background(), "gone", "reason")
	assert.Error(t, err)
}
