// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// MockStorage is a mock implementation of the persistence.Storage interface.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Conversation), args.Error(1)
}

func (m *MockStorage) GetContact(ctx context.Context, id int64) (*models.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Contact), args.Error(1)
}

func (m *MockStorage) GetChannelConnection(ctx context.Context, id int64) (*models.ChannelConnection, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ChannelConnection), args.Error(1)
}

func (m *MockStorage) GetFlow(ctx context.Context, flowID int64) (*models.Flow, error) {
	args := m.Called(ctx, flowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Flow), args.Error(1)
}

func (m *MockStorage) CreateFlowExecution(ctx context.Context, record *models.FlowExecutionRecord) (int64, error) {
	args := m.Called(ctx, record)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) UpdateFlowExecution(ctx context.Context, id int64, patch *persistence.ExecutionPatch) error {
	args := m.Called(ctx, id, patch)

	return args.Error(0)
}

func (m *MockStorage) CreateFlowStepExecution(ctx context.Context, step *models.FlowStepExecutionRecord) (int64, error) {
	args := m.Called(ctx, step)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) UpdateFlowStepExecution(ctx context.Context, stepID int64, patch *persistence.StepPatch) error {
	args := m.Called(ctx, stepID, patch)

	return args.Error(0)
}

func (m *MockStorage) GetFlowVariables(ctx context.Context, sessionID, scope string) (map[string]any, error) {
	args := m.Called(ctx, sessionID, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockStorage) GetScheduledFollowUps(ctx context.Context, limit int) ([]*models.ScheduledFollowUp, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduledFollowUp), args.Error(1)
}

func (m *MockStorage) GetFollowUpSchedule(ctx context.Context, scheduleID string) (*models.ScheduledFollowUp, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ScheduledFollowUp), args.Error(1)
}

func (m *MockStorage) UpdateFollowUpSchedule(ctx context.Context, scheduleID string, patch *persistence.FollowUpPatch) error {
	args := m.Called(ctx, scheduleID, patch)

	return args.Error(0)
}

func (m *MockStorage) CancelFollowUpSchedule(ctx context.Context, scheduleID string) error {
	args := m.Called(ctx, scheduleID)

	return args.Error(0)
}

func (m *MockStorage) CreateFollowUpExecutionLog(ctx context.Context, entry *models.FollowUpExecutionLog) error {
	args := m.Called(ctx, entry)

	return args.Error(0)
}

func (m *MockStorage) ExpiredFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduledFollowUp), args.Error(1)
}

func (m *MockStorage) ExhaustedFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ScheduledFollowUp), args.Error(1)
}

func (m *MockStorage) DeleteFollowUpLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) FollowUpCounts(ctx context.Context) (map[models.FollowUpStatus]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[models.FollowUpStatus]int), args.Error(1)
}

func (m *MockStorage) CreateMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	args := m.Called(ctx, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *MockStorage) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStorage) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
