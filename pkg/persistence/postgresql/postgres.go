// Package postgresql provides the PostgreSQL persistence implementation for
// the flow execution engine.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
	"github.com/zapdesk/flowengine/pkg/persistence/sqlbase"
)

// Persistence implements the storage contract for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	flowRepo      *FlowRepository
	contactRepo   *ContactRepository
	executionRepo *ExecutionRepository
	followUpRepo  *FollowUpRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:            database,
		logger:        logger,
		flowRepo:      NewFlowRepository(database, logger),
		contactRepo:   NewContactRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
		followUpRepo:  NewFollowUpRepository(database, logger),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return p.contactRepo.GetConversation(ctx, id)
}

func (p *Persistence) GetContact(ctx context.Context, id int64) (*models.Contact, error) {
	return p.contactRepo.GetContact(ctx, id)
}

func (p *Persistence) GetChannelConnection(ctx context.Context, id int64) (*models.ChannelConnection, error) {
	return p.contactRepo.GetChannelConnection(ctx, id)
}

func (p *Persistence) GetFlow(ctx context.Context, flowID int64) (*models.Flow, error) {
	return p.flowRepo.GetByID(ctx, flowID)
}

func (p *Persistence) CreateFlowExecution(ctx context.Context, record *models.FlowExecutionRecord) (int64, error) {
	return p.executionRepo.Create(ctx, record)
}

func (p *Persistence) UpdateFlowExecution(ctx context.Context, id int64, patch *persistence.ExecutionPatch) error {
	return p.executionRepo.Update(ctx, id, patch)
}

func (p *Persistence) CreateFlowStepExecution(ctx context.Context, step *models.FlowStepExecutionRecord) (int64, error) {
	return p.executionRepo.CreateStep(ctx, step)
}

func (p *Persistence) UpdateFlowStepExecution(ctx context.Context, stepID int64, patch *persistence.StepPatch) error {
	return p.executionRepo.UpdateStep(ctx, stepID, patch)
}

func (p *Persistence) GetFlowVariables(ctx context.Context, sessionID, scope string) (map[string]any, error) {
	return p.contactRepo.GetFlowVariables(ctx, sessionID, scope)
}

func (p *Persistence) GetScheduledFollowUps(ctx context.Context, limit int) ([]*models.ScheduledFollowUp, error) {
	return p.followUpRepo.GetDue(ctx, limit)
}

func (p *Persistence) GetFollowUpSchedule(ctx context.Context, scheduleID string) (*models.ScheduledFollowUp, error) {
	return p.followUpRepo.GetByScheduleID(ctx, scheduleID)
}

func (p *Persistence) UpdateFollowUpSchedule(ctx context.Context, scheduleID string, patch *persistence.FollowUpPatch) error {
	return p.followUpRepo.Update(ctx, scheduleID, patch)
}

func (p *Persistence) CancelFollowUpSchedule(ctx context.Context, scheduleID string) error {
	return p.followUpRepo.Cancel(ctx, scheduleID)
}

func (p *Persistence) CreateFollowUpExecutionLog(ctx context.Context, entry *models.FollowUpExecutionLog) error {
	return p.followUpRepo.CreateLog(ctx, entry)
}

func (p *Persistence) ExpiredFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	return p.followUpRepo.Expired(ctx, now)
}

func (p *Persistence) ExhaustedFollowUps(ctx context.Context, now time.Time) ([]*models.ScheduledFollowUp, error) {
	return p.followUpRepo.Exhausted(ctx, now)
}

func (p *Persistence) DeleteFollowUpLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return p.followUpRepo.DeleteLogsBefore(ctx, cutoff)
}

func (p *Persistence) FollowUpCounts(ctx context.Context) (map[models.FollowUpStatus]int, error) {
	return p.followUpRepo.Counts(ctx)
}

func (p *Persistence) CreateMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	return p.contactRepo.CreateMessage(ctx, message)
}
