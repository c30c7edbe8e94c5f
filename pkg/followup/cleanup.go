package followup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/persistence"
)

const (
	defaultCleanupSchedule = "0 */6 * * *"

	// logRetention bounds how long delivery attempt rows are kept.
	logRetention = 90 * 24 * time.Hour
)

// Cleanup is the housekeeping job for follow-up rows: it expires schedules
// past their hard expiry, fails schedules whose retry budget ran out without
// a terminal status, and prunes old attempt logs. Runs on a cron cadence,
// independent of the delivery poller.
type Cleanup struct {
	store    persistence.Storage
	logger   *slog.Logger
	schedule cron.Schedule

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewCleanup builds a cleanup job on the given cron expression (five-field
// format); an empty expression selects the default every-six-hours cadence.
func NewCleanup(store persistence.Storage, cronExpr string) (*Cleanup, error) {
	if cronExpr == "" {
		cronExpr = defaultCleanupSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cronExpr, err)
	}

	return &Cleanup{
		store:    store,
		logger:   log.WithModule("followup_cleanup"),
		schedule: schedule,
	}, nil
}

// Start launches the cron loop. Idempotent.
func (c *Cleanup) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "Follow-up cleanup already running")

		return
	}

	c.started = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Follow-up cleanup started",
		"next_run", c.schedule.Next(time.Now()))

	go func() {
		for {
			timer := time.NewTimer(time.Until(c.schedule.Next(time.Now())))

			select {
			case <-c.done:
				timer.Stop()

				return
			case <-timer.C:
				c.Run(context.Background())
			}
		}
	}()
}

// Stop halts the cron loop. Idempotent.
func (c *Cleanup) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		c.logger.WarnContext(ctx, "Follow-up cleanup not running")

		return
	}

	c.started = false
	close(c.done)
	c.logger.InfoContext(ctx, "Follow-up cleanup stopped")
}

// Run executes one cleanup pass. Each sub-task logs its own failures and the
// pass continues; one broken query must not block the others.
func (c *Cleanup) Run(ctx context.Context) {
	now := time.Now()

	expired := c.expireOverdue(ctx, now)
	exhausted := c.failExhausted(ctx, now)
	pruned := c.pruneLogs(ctx, now)

	c.logger.InfoContext(ctx, "Follow-up cleanup pass finished",
		"expired", expired,
		"exhausted", exhausted,
		"logs_pruned", pruned)
}

func (c *Cleanup) expireOverdue(ctx context.Context, now time.Time) int {
	followUps, err := c.store.ExpiredFollowUps(ctx, now)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to list expired follow-ups", "error", err)

		return 0
	}

	status := models.FollowUpStatusExpired
	count := 0

	for _, f := range followUps {
		patch := &persistence.FollowUpPatch{Status: &status}
		if err := c.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
			c.logger.ErrorContext(ctx, "Failed to expire follow-up",
				"schedule_id", f.ScheduleID, "error", err)

			continue
		}

		count++
	}

	return count
}

// failExhausted catches rows whose retry budget ran out while still marked
// scheduled. The delivery path normally closes these itself; this is the
// safety net for crashes between the last attempt and its status write.
func (c *Cleanup) failExhausted(ctx context.Context, now time.Time) int {
	followUps, err := c.store.ExhaustedFollowUps(ctx, now)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to list exhausted follow-ups", "error", err)

		return 0
	}

	status := models.FollowUpStatusFailed
	reason := "retry attempts exhausted"
	count := 0

	for _, f := range followUps {
		patch := &persistence.FollowUpPatch{
			Status:       &status,
			FailedReason: &reason,
		}
		if err := c.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
			c.logger.ErrorContext(ctx, "Failed to fail exhausted follow-up",
				"schedule_id", f.ScheduleID, "error", err)

			continue
		}

		count++
	}

	return count
}

func (c *Cleanup) pruneLogs(ctx context.Context, now time.Time) int64 {
	deleted, err := c.store.DeleteFollowUpLogsBefore(ctx, now.Add(-logRetention))
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to prune follow-up logs", "error", err)

		return 0
	}

	return deleted
}

// Stats returns follow-up counts grouped by status.
func (c *Cleanup) Stats(ctx context.Context) (map[models.FollowUpStatus]int, error) {
	counts, err := c.store.FollowUpCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read follow-up counts: %w", err)
	}

	return counts, nil
}
