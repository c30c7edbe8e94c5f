package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/flowengine/pkg/channels/gochannel"
	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/models"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() {
		err := bus.Close()
		assert.NoError(t, err)
	})

	return bus
}

func TestWatermillEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []any
	)

	err := bus.Handle(events.ExecutionStartedEvent, func(ctx context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	sent := events.ExecutionStarted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionStartedEvent),
		ExecutionID:    "exec-1",
		FlowID:         1,
		ConversationID: 10,
		ContactID:      5,
		CurrentNodeID:  "n1",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", sent))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	decoded, ok := received[0].(*events.ExecutionStarted)
	require.True(t, ok)
	assert.Equal(t, "exec-1", decoded.ExecutionID)
	assert.Equal(t, int64(1), decoded.FlowID)
	assert.Equal(t, "n1", decoded.CurrentNodeID)
}

func TestWatermillEventBus_UnhandledEventTypeIgnored(t *testing.T) {
	bus := newTestBus(t)

	handled := make(chan any, 1)

	err := bus.Handle(events.FollowUpExecutedEvent, func(ctx context.Context, event any) error {
		handled <- event

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// An event type nobody registered for is acked and dropped.
	require.NoError(t, bus.Publish(ctx, "exec-1", events.ExecutionFailed{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent),
		ExecutionID: "exec-1",
		Error:       "boom",
	}))

	require.NoError(t, bus.Publish(ctx, "sched-1", events.FollowUpExecuted{
		BaseEvent:  events.NewBaseEvent(events.FollowUpExecutedEvent),
		ScheduleID: "sched-1",
	}))

	select {
	case event := <-handled:
		followUp, ok := event.(*events.FollowUpExecuted)
		require.True(t, ok)
		assert.Equal(t, "sched-1", followUp.ScheduleID)
	case <-time.After(time.Second):
		t.Fatal("registered handler never received its event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestNodeStatusPayloadSurvivesRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	handled := make(chan any, 1)

	require.NoError(t, bus.Handle(events.NodeExecutedEvent, func(ctx context.Context, event any) error {
		handled <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "exec-1", events.NodeExecuted{
		BaseEvent:   events.NewBaseEvent(events.NodeExecutedEvent),
		ExecutionID: "exec-1",
		NodeID:      "n2",
		NodeType:    "send_message",
		StepOrder:   2,
		DurationMs:  120,
		Status:      models.NodeStatusCompleted,
	}))

	select {
	case event := <-handled:
		node, ok := event.(*events.NodeExecuted)
		require.True(t, ok)
		assert.Equal(t, 2, node.StepOrder)
		assert.Equal(t, models.NodeStatusCompleted, node.Status)
	case <-time.After(time.Second):
		t.Fatal("node event never arrived")
	}
}
