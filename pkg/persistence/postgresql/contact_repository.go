package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// ContactRepository handles the reference lookups the engine needs around a
// run: contacts, conversations, channel connections, captured variables, and
// the outbound message fallback.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewContactRepository creates a new contact repository.
func NewContactRepository(db *sql.DB, logger *slog.Logger) *ContactRepository {
	return &ContactRepository{db: db, logger: logger}
}

func (r *ContactRepository) GetContact(ctx context.Context, id int64) (*models.Contact, error) {
	query := `
		SELECT
			id
		  , name
		  , identifier
		  , phone
		  , email
		  , metadata
		FROM contacts
		WHERE id = $1
	`

	contact := &models.Contact{}

	var metadata []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&contact.ID,
		&contact.Name,
		&contact.Identifier,
		&contact.Phone,
		&contact.Email,
		&metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrContactNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query contact %d: %w", id, err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &contact.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode contact %d metadata: %w", id, err)
		}
	}

	return contact, nil
}

func (r *ContactRepository) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	query := `
		SELECT
			id
		  , company_id
		  , contact_id
		  , status
		FROM conversations
		WHERE id = $1
	`

	conversation := &models.Conversation{}

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&conversation.ID,
		&conversation.CompanyID,
		&conversation.ContactID,
		&conversation.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrConversationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query conversation %d: %w", id, err)
	}

	return conversation, nil
}

func (r *ContactRepository) GetChannelConnection(ctx context.Context, id int64) (*models.ChannelConnection, error) {
	query := `
		SELECT
			id
		  , user_id
		  , channel_type
		  , status
		FROM channel_connections
		WHERE id = $1
	`

	connection := &models.ChannelConnection{}

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&connection.ID,
		&connection.UserID,
		&connection.ChannelType,
		&connection.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrChannelConnectionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query channel connection %d: %w", id, err)
	}

	return connection, nil
}

// GetFlowVariables returns the captured variables stored for a session,
// optionally filtered by scope. An empty scope matches all scopes.
func (r *ContactRepository) GetFlowVariables(ctx context.Context, sessionID, scope string) (map[string]any, error) {
	query := `
		SELECT
			key
		  , value
		FROM flow_variables
		WHERE session_id = $1
		  AND ($2 = '' OR scope = $2)
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow variables: %w", err)
	}

	defer func(ctx context.Context, r *ContactRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	variables := make(map[string]any)

	for rows.Next() {
		var (
			key string
			raw []byte
		)

		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan flow variable: %w", err)
		}

		var value any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("failed to decode flow variable %s: %w", key, err)
			}
		}

		variables[key] = value
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flow variables: %w", err)
	}

	return variables, nil
}

// CreateMessage inserts an outbound message record and returns it with its
// assigned id.
func (r *ContactRepository) CreateMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (
			conversation_id, contact_id, channel_type, type, content,
			direction, status, media_url, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message metadata: %w", err)
	}

	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	if message.Status == "" {
		message.Status = "pending"
	}

	err = r.db.QueryRowContext(ctx, query,
		message.ConversationID,
		message.ContactID,
		message.ChannelType,
		message.Type,
		message.Content,
		message.Direction,
		message.Status,
		nullableString(message.MediaURL),
		metadata,
		message.Timestamp,
	).Scan(&message.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return message, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
