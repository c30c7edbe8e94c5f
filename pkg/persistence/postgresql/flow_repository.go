package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

// flowDefinitionSchema validates stored flow documents before they are
// handed to callers. Rows are written by an external editor; a malformed
// definition should surface as an invalid-flow error, not a scan panic
// somewhere downstream.
const flowDefinitionSchema = `{
	"type": "object",
	"required": ["nodes"],
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"config": {"type": "object"}
				}
			}
		}
	}
}`

// FlowRepository handles flow definition reads.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
	schema *gojsonschema.Schema
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(flowDefinitionSchema))
	if err != nil {
		// The schema is a compile-time constant; failing to parse it is a
		// programming error.
		panic(fmt.Sprintf("invalid flow definition schema: %v", err))
	}

	return &FlowRepository{db: db, logger: logger, schema: schema}
}

type flowDefinition struct {
	Nodes []*models.FlowNode `json:"nodes"`
}

// GetByID returns a flow with its node list, validating the stored
// definition document first.
func (r *FlowRepository) GetByID(ctx context.Context, id int64) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , name
		  , definition
		  , created_at
		  , updated_at
		FROM flows
		WHERE id = $1
	`

	flow := &models.Flow{}

	var definition []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&flow.ID,
		&flow.Name,
		&definition,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrFlowNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query flow %d: %w", id, err)
	}

	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(definition))
	if err != nil {
		return nil, fmt.Errorf("failed to validate flow %d definition: %w", id, err)
	}

	if !result.Valid() {
		r.logger.WarnContext(ctx, "Flow definition failed validation",
			"flow_id", id,
			"errors", result.Errors())

		return nil, fmt.Errorf("%w: flow %d", persistence.ErrInvalidFlowDefinition, id)
	}

	var parsed flowDefinition
	if err := json.Unmarshal(definition, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode flow %d definition: %w", id, err)
	}

	flow.Nodes = parsed.Nodes

	return flow, nil
}
