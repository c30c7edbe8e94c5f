package models

import "time"

// Contact is the narrow view of a contact the engine consumes: identity plus
// the fields exposed to templates. Identifier is the channel-level address
// (phone number for WhatsApp).
type Contact struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Identifier string         `json:"identifier"`
	Phone      string         `json:"phone"`
	Email      string         `json:"email"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Conversation is the narrow view of a conversation: identity, owning
// company and status.
type Conversation struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	ContactID int64  `json:"contact_id"`
	Status    string `json:"status"`
}

// ChannelConnection identifies a configured channel account through which
// outbound sends are dispatched.
type ChannelConnection struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	ChannelType string `json:"channel_type"`
	Status      string `json:"status"`
}

// MessageDirection distinguishes inbound from outbound messages.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is a conversation message. The engine creates outbound records for
// channel types without a dedicated send adapter, and reads inbound messages
// only to seed template variables.
type Message struct {
	ID             int64            `json:"id"`
	ConversationID int64            `json:"conversation_id"`
	ContactID      int64            `json:"contact_id"`
	ChannelType    string           `json:"channel_type"`
	Type           MessageType      `json:"type"`
	Content        string           `json:"content"`
	Direction      MessageDirection `json:"direction"`
	Status         string           `json:"status"`
	MediaURL       string           `json:"media_url,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
