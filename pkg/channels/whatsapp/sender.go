// Package whatsapp provides the WhatsApp gateway client used to dispatch
// outbound messages.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/protocol"
)

const defaultTimeoutSeconds = 30

// ErrGatewayNotConfigured is returned for sends attempted without a gateway
// base URL.
var ErrGatewayNotConfigured = errors.New("whatsapp gateway not configured")

// Sender dispatches messages through an HTTP WhatsApp gateway.
type Sender struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewSender creates a gateway client. An empty baseURL yields a sender whose
// calls fail with ErrGatewayNotConfigured, letting deployments without a
// gateway still wire the scheduler.
func NewSender(baseURL, token string, logger *slog.Logger) *Sender {
	return &Sender{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: defaultTimeoutSeconds * time.Second},
		logger:  logger,
	}
}

type sendRequest struct {
	ConnectionID int64  `json:"connection_id"`
	UserID       int64  `json:"user_id"`
	Recipient    string `json:"recipient"`
	Text         string `json:"text,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// SendMessage sends a plain-text message.
func (s *Sender) SendMessage(ctx context.Context, connectionID, userID int64, recipient, text string) (*protocol.SendResult, error) {
	return s.post(ctx, "/messages", sendRequest{
		ConnectionID: connectionID,
		UserID:       userID,
		Recipient:    recipient,
		Text:         text,
	})
}

// SendMedia sends a media message with an optional caption.
func (s *Sender) SendMedia(ctx context.Context, connectionID, userID int64, recipient string, mediaType models.MessageType, url, caption string) (*protocol.SendResult, error) {
	return s.post(ctx, "/media", sendRequest{
		ConnectionID: connectionID,
		UserID:       userID,
		Recipient:    recipient,
		MediaType:    string(mediaType),
		MediaURL:     url,
		Caption:      caption,
	})
}

func (s *Sender) post(ctx context.Context, path string, payload sendRequest) (*protocol.SendResult, error) {
	if s.baseURL == "" {
		return nil, ErrGatewayNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp gateway request failed: %w", err)
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			s.logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("whatsapp gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	var decoded sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return &protocol.SendResult{ID: decoded.ID}, nil
}
