// Package protocol defines the collaborator contracts the engine consumes
// but does not implement. Channel transports live outside this repository;
// the engine only needs a narrow send surface.
package protocol

import (
	"context"

	"github.com/zapdesk/flowengine/pkg/models"
)

// SendResult carries the channel-level identifier of a dispatched message.
type SendResult struct {
	ID string `json:"id"`
}

// ChannelSender is the WhatsApp-style send adapter. connectionID and userID
// identify the channel account; recipient is the channel-level address.
type ChannelSender interface {
	SendMessage(ctx context.Context, connectionID, userID int64, recipient, text string) (*SendResult, error)
	SendMedia(ctx context.Context, connectionID, userID int64, recipient string, mediaType models.MessageType, url, caption string) (*SendResult, error)
}
