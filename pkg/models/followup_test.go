package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFollowUp() *ScheduledFollowUp {
	return &ScheduledFollowUp{
		ScheduleID:     "sched-1",
		ConversationID: 10,
		ContactID:      5,
		MessageType:    MessageTypeText,
		MessageContent: "hello",
		ScheduledFor:   time.Now(),
		Status:         FollowUpStatusScheduled,
		MaxRetries:     3,
		ChannelType:    "whatsapp",
	}
}

func TestScheduledFollowUp_Validate(t *testing.T) {
	require.NoError(t, validFollowUp().Validate())

	missing := validFollowUp()
	missing.ScheduleID = ""
	assert.Error(t, missing.Validate())

	badType := validFollowUp()
	badType.MessageType = "carrier-pigeon"
	assert.Error(t, badType.Validate())

	overBudget := validFollowUp()
	overBudget.RetryCount = 4
	assert.ErrorIs(t, overBudget.Validate(), ErrInvalidFollowUp)

	mediaWithoutURL := validFollowUp()
	mediaWithoutURL.MessageType = MessageTypeImage
	assert.ErrorIs(t, mediaWithoutURL.Validate(), ErrInvalidFollowUp)
}

func TestNextRetryDelay_ExponentialAndCapped(t *testing.T) {
	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{retryCount: 0, expected: time.Minute},
		{retryCount: 1, expected: 2 * time.Minute},
		{retryCount: 2, expected: 4 * time.Minute},
		{retryCount: 3, expected: 8 * time.Minute},
		{retryCount: 4, expected: 16 * time.Minute},
		{retryCount: 5, expected: 30 * time.Minute},
		{retryCount: 10, expected: 30 * time.Minute},
	}

	previous := time.Duration(0)

	for _, tt := range tests {
		f := &ScheduledFollowUp{RetryCount: tt.retryCount, MaxRetries: 20}
		delay := f.NextRetryDelay()

		assert.Equal(t, tt.expected, delay, "retryCount=%d", tt.retryCount)

		// Backoff is monotonically non-decreasing.
		assert.GreaterOrEqual(t, delay, previous)
		previous = delay
	}
}

func TestCanRetry(t *testing.T) {
	f := &ScheduledFollowUp{RetryCount: 2, MaxRetries: 3}
	assert.True(t, f.CanRetry())

	f.RetryCount = 3
	assert.False(t, f.CanRetry())
}

func TestFollowUpStatus_Terminal(t *testing.T) {
	assert.False(t, FollowUpStatusScheduled.Terminal())

	for _, status := range []FollowUpStatus{
		FollowUpStatusSent,
		FollowUpStatusFailed,
		FollowUpStatusCancelled,
		FollowUpStatusExpired,
	} {
		assert.True(t, status.Terminal(), string(status))
	}
}

func TestScheduledFollowUp_Expired(t *testing.T) {
	now := time.Now()

	noExpiry := &ScheduledFollowUp{}
	assert.False(t, noExpiry.Expired(now))

	past := now.Add(-time.Minute)
	expired := &ScheduledFollowUp{ExpiresAt: &past}
	assert.True(t, expired.Expired(now))

	future := now.Add(time.Minute)
	live := &ScheduledFollowUp{ExpiresAt: &future}
	assert.False(t, live.Expired(now))
}

func TestMessageType_IsMedia(t *testing.T) {
	assert.False(t, MessageTypeText.IsMedia())
	assert.True(t, MessageTypeImage.IsMedia())
	assert.True(t, MessageTypeVideo.IsMedia())
	assert.True(t, MessageTypeAudio.IsMedia())
	assert.True(t, MessageTypeDocument.IsMedia())
}

func TestExecutionStatus_Terminal(t *testing.T) {
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusWaiting.Terminal())
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusAbandoned.Terminal())
}

func TestFlow_NodeCount(t *testing.T) {
	var nilFlow *Flow

	assert.Equal(t, 0, nilFlow.NodeCount())
	assert.Equal(t, 0, (&Flow{}).NodeCount())
	assert.Equal(t, 2, (&Flow{Nodes: []*FlowNode{{ID: "a"}, {ID: "b"}}}).NodeCount())
}
