package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/protocol"
)

// MockChannelSender is a mock implementation of the protocol.ChannelSender
// interface.
type MockChannelSender struct {
	mock.Mock
}

func (m *MockChannelSender) SendMessage(ctx context.Context, connectionID, userID int64, recipient, text string) (*protocol.SendResult, error) {
	args := m.Called(ctx, connectionID, userID, recipient, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.SendResult), args.Error(1)
}

func (m *MockChannelSender) SendMedia(ctx context.Context, connectionID, userID int64, recipient string, mediaType models.MessageType, url, caption string) (*protocol.SendResult, error) {
	args := m.Called(ctx, connectionID, userID, recipient, mediaType, url, caption)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.SendResult), args.Error(1)
}
