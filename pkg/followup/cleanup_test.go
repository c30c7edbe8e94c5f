package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/flowengine/pkg/mocks"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

func TestNewCleanup_ScheduleValidation(t *testing.T) {
	store := &mocks.MockStorage{}

	_, err := NewCleanup(store, "not a cron line")
	require.Error(t, err)

	cleanup, err := NewCleanup(store, "")
	require.NoError(t, err)
	assert.NotNil(t, cleanup)

	cleanup, err = NewCleanup(store, "*/30 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, cleanup)
}

func TestCleanup_RunPass(t *testing.T) {
	store := &mocks.MockStorage{}

	expired := &models.ScheduledFollowUp{ScheduleID: "sched-old", Status: models.FollowUpStatusScheduled}
	exhausted := &models.ScheduledFollowUp{ScheduleID: "sched-stuck", Status: models.FollowUpStatusScheduled, RetryCount: 3, MaxRetries: 3}

	store.On("ExpiredFollowUps", mock.Anything, mock.Anything).
		Return([]*models.ScheduledFollowUp{expired}, nil)
	store.On("ExhaustedFollowUps", mock.Anything, mock.Anything).
		Return([]*models.ScheduledFollowUp{exhausted}, nil)
	store.On("UpdateFollowUpSchedule", mock.Anything, "sched-old",
		mock.MatchedBy(func(patch *persistence.FollowUpPatch) bool {
			return patch.Status != nil && *patch.Status == models.FollowUpStatusExpired
		})).Return(nil)
	store.On("UpdateFollowUpSchedule", mock.Anything, "sched-stuck",
		mock.MatchedBy(func(patch *persistence.FollowUpPatch) bool {
			return patch.Status != nil && *patch.Status == models.FollowUpStatusFailed &&
				patch.FailedReason != nil
		})).Return(nil)
	store.On("DeleteFollowUpLogsBefore", mock.Anything,
		mock.MatchedBy(func(cutoff time.Time) bool {
			// Retention window is 90 days.
			expected := time.Now().Add(-90 * 24 * time.Hour)

			return cutoff.Sub(expected).Abs() < time.Minute
		})).Return(int64(12), nil)

	cleanup, err := NewCleanup(store, "")
	require.NoError(t, err)

	cleanup.Run(context.Background())

	store.AssertExpectations(t)
}

func TestCleanup_SubTaskFailureDoesNotAbortPass(t *testing.T) {
	store := &mocks.MockStorage{}

	store.On("ExpiredFollowUps", mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout"))
	store.On("ExhaustedFollowUps", mock.Anything, mock.Anything).
		Return([]*models.ScheduledFollowUp{}, nil)
	store.On("DeleteFollowUpLogsBefore", mock.Anything, mock.Anything).
		Return(int64(0), nil)

	cleanup, err := NewCleanup(store, "")
	require.NoError(t, err)

	cleanup.Run(context.Background())

	// Later sub-tasks still ran despite the first one failing.
	store.AssertCalled(t, "DeleteFollowUpLogsBefore", mock.Anything, mock.Anything)
}

func TestCleanup_StartStopIdempotent(t *testing.T) {
	store := &mocks.MockStorage{}

	cleanup, err := NewCleanup(store, "")
	require.NoError(t, err)

	ctx := context.Background()

	cleanup.Start(ctx)
	cleanup.Start(ctx)
	cleanup.Stop(ctx)
	cleanup.Stop(ctx)
}

func TestCleanup_Stats(t *testing.T) {
	store := &mocks.MockStorage{}
	store.On("FollowUpCounts", mock.Anything).
		Return(map[models.FollowUpStatus]int{
			models.FollowUpStatusScheduled: 4,
			models.FollowUpStatusSent:      10,
		}, nil)

	cleanup, err := NewCleanup(store, "")
	require.NoError(t, err)

	counts, err := cleanup.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.FollowUpStatusScheduled])
	assert.Equal(t, 10, counts[models.FollowUpStatusSent])
}
