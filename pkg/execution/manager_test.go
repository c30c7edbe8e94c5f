package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/mocks"
	"github.com/zapdesk/flowengine/pkg/models"
)

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *mocks.MockEventBus) {
	t.Helper()

	bus := &mocks.MockEventBus{}
	bus.On("GenerateID").Return("")
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	manager := NewManager(bus, opts...)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return manager, bus
}

func publishedEvents(bus *mocks.MockEventBus, eventType events.EventType) []eventbus.Event {
	var matched []eventbus.Event

	for _, call := range bus.Calls {
		if call.Method != "Publish" {
			continue
		}

		event, ok := call.Arguments.Get(2).(eventbus.Event)
		if ok && event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func TestStartExecution(t *testing.T) {
	manager, bus := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	require.NotEmpty(t, id)

	state := manager.GetExecution(id)
	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusRunning, state.Status)
	assert.Equal(t, []string{"n1"}, state.ExecutionPath)
	assert.Equal(t, int64(1), state.FlowID)
	assert.Equal(t, int64(10), state.ConversationID)
	assert.Equal(t, int64(5), state.ContactID)

	assert.Len(t, publishedEvents(bus, events.ExecutionStartedEvent), 1)
}

func TestUpdateExecution_PathAppendIsIdempotent(t *testing.T) {
	manager, _ := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	manager.UpdateExecution(context.Background(), id, "n2", "", nil)
	manager.UpdateExecution(context.Background(), id, "n2", "", nil)
	manager.UpdateExecution(context.Background(), id, "n1", "", nil)

	state := manager.GetExecution(id)
	require.NotNil(t, state)
	assert.Equal(t, []string{"n1", "n2"}, state.ExecutionPath)
	assert.Equal(t, "n1", state.CurrentNodeID)
}

func TestUpdateExecution_UnknownIDIgnored(t *testing.T) {
	manager, bus := newTestManager(t)

	manager.UpdateExecution(context.Background(), "nonexistent", "n1", "", nil)

	assert.Empty(t, publishedEvents(bus, events.ExecutionUpdatedEvent))
}

func TestWaitAndResume(t *testing.T) {
	manager, bus := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	manager.SetWaitingForInput(context.Background(), id, "n2")

	state := manager.GetExecution(id)
	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusWaiting, state.Status)
	assert.True(t, state.WaitingForInput)
	assert.Equal(t, "n2", state.WaitingNodeID)

	userInput := map[string]any{"text": "yes"}
	resumed := manager.ResumeExecution(context.Background(), id, userInput)
	require.True(t, resumed)

	state = manager.GetExecution(id)
	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusRunning, state.Status)
	assert.False(t, state.WaitingForInput)
	assert.Equal(t, userInput, state.Context.GetVariable("userInput"))

	assert.Len(t, publishedEvents(bus, events.ExecutionWaitingEvent), 1)
	assert.Len(t, publishedEvents(bus, events.ExecutionResumedEvent), 1)
}

func TestResumeExecution_UnknownIDReturnsFalse(t *testing.T) {
	manager, _ := newTestManager(t)

	assert.False(t, manager.ResumeExecution(context.Background(), "nonexistent", map[string]any{}))
}

func TestResumeExecution_NotWaitingReturnsFalse(t *testing.T) {
	manager, _ := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	assert.False(t, manager.ResumeExecution(context.Background(), id, "input"))
}

func TestCompleteExecution_GraceWindow(t *testing.T) {
	manager, bus := newTestManager(t, WithGraceWindow(50*time.Millisecond))

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	manager.CompleteExecution(context.Background(), id, "done")

	// Still readable immediately after completion.
	state := manager.GetExecution(id)
	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)

	assert.Eventually(t, func() bool {
		return manager.GetExecution(id) == nil
	}, time.Second, 10*time.Millisecond)

	completed := publishedEvents(bus, events.ExecutionCompletedEvent)
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"n1"}, completed[0].(events.ExecutionCompleted).ExecutionPath)
}

func TestFailExecution_ImmediatePurge(t *testing.T) {
	manager, bus := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	manager.FailExecution(context.Background(), id, "node blew up")

	assert.Nil(t, manager.GetExecution(id))

	failed := publishedEvents(bus, events.ExecutionFailedEvent)
	require.Len(t, failed, 1)
	assert.Equal(t, "node blew up", failed[0].(events.ExecutionFailed).Error)
}

func TestExecutionTimeout(t *testing.T) {
	manager, bus := newTestManager(t, WithExecutionTimeout(50*time.Millisecond))

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	assert.Eventually(t, func() bool {
		return manager.GetExecution(id) == nil
	}, time.Second, 10*time.Millisecond)

	failed := publishedEvents(bus, events.ExecutionFailedEvent)
	require.Len(t, failed, 1)
	assert.Equal(t, "Execution timeout", failed[0].(events.ExecutionFailed).Error)
}

func TestUpdateExecution_RearmsTimeout(t *testing.T) {
	manager, _ := newTestManager(t, WithExecutionTimeout(80*time.Millisecond))

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	for range 4 {
		time.Sleep(40 * time.Millisecond)
		manager.UpdateExecution(context.Background(), id, "n2", "", nil)
	}

	// Activity kept the run alive well past the nominal timeout.
	assert.NotNil(t, manager.GetExecution(id))
}

func TestTrackNodeExecution(t *testing.T) {
	manager, bus := newTestManager(t)

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	manager.UpdateExecution(context.Background(), id, "n2", "", nil)

	manager.TrackNodeExecution(context.Background(), id, "n2", "send_message",
		120*time.Millisecond, models.NodeStatusCompleted, map[string]any{"to": "x"}, nil, "")

	tracked := publishedEvents(bus, events.NodeExecutedEvent)
	require.Len(t, tracked, 1)

	node := tracked[0].(events.NodeExecuted)
	assert.Equal(t, 2, node.StepOrder)
	assert.Equal(t, int64(120), node.DurationMs)
	assert.Equal(t, models.NodeStatusCompleted, node.Status)
}

func TestConversationQueries(t *testing.T) {
	manager, _ := newTestManager(t)

	first := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	second := manager.StartExecution(context.Background(), 2, 10, 5, "n1", nil)
	manager.StartExecution(context.Background(), 3, 99, 5, "n1", nil)

	manager.SetWaitingForInput(context.Background(), second, "n2")

	all := manager.GetExecutionsForConversation(10)
	require.Len(t, all, 2)

	ids := []string{all[0].ExecutionID, all[1].ExecutionID}
	assert.ElementsMatch(t, []string{first, second}, ids)

	waiting := manager.GetWaitingExecutionsForConversation(10)
	require.Len(t, waiting, 1)
	assert.Equal(t, second, waiting[0].ExecutionID)
}

func TestStats(t *testing.T) {
	manager, _ := newTestManager(t)

	manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	waiting := manager.StartExecution(context.Background(), 2, 10, 5, "n1", nil)
	manager.SetWaitingForInput(context.Background(), waiting, "n2")

	stats := manager.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Waiting)
}

func TestReaper_FailsStaleRunningExecutions(t *testing.T) {
	manager, bus := newTestManager(t,
		WithExecutionTimeout(time.Hour),
		WithCleanupInterval(30*time.Millisecond),
		WithStaleThreshold(50*time.Millisecond))

	manager.Start(context.Background())

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)

	assert.Eventually(t, func() bool {
		return manager.GetExecution(id) == nil
	}, time.Second, 10*time.Millisecond)

	failed := publishedEvents(bus, events.ExecutionFailedEvent)
	require.NotEmpty(t, failed)
	assert.Contains(t, failed[0].(events.ExecutionFailed).Error, "stale")
}

func TestShutdown_DropsAllState(t *testing.T) {
	manager, _ := newTestManager(t)
	manager.Start(context.Background())

	id := manager.StartExecution(context.Background(), 1, 10, 5, "n1", nil)
	manager.Shutdown(context.Background())

	assert.Nil(t, manager.GetExecution(id))
	assert.Equal(t, 0, manager.Stats().Total)
}
