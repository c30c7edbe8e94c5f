// Package followup executes deferred message sends with retry, backoff, and
// hard expiry, decoupled from the flow runs that scheduled them.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zapdesk/flowengine/pkg/eventbus"
	"github.com/zapdesk/flowengine/pkg/events"
	"github.com/zapdesk/flowengine/pkg/log"
	"github.com/zapdesk/flowengine/pkg/models"
	"github.com/zapdesk/flowengine/pkg/otelhelper"
	"github.com/zapdesk/flowengine/pkg/persistence"
	"github.com/zapdesk/flowengine/pkg/persistence/redisq"
	"github.com/zapdesk/flowengine/pkg/protocol"
)

const (
	defaultPollInterval = 5 * time.Minute
	defaultBatchSize    = 100

	channelTypeWhatsApp = "whatsapp"
)

// errDataIntegrity wraps lookup failures for rows whose foreign references
// are gone. These are terminal: retrying cannot restore missing data.
var errDataIntegrity = errors.New("follow-up references missing data")

// SchedulerStatus is the read-only introspection view of the scheduler.
type SchedulerStatus struct {
	IsRunning    bool          `json:"is_running"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Scheduler is the polling loop that delivers due follow-ups. One instance
// runs per process; items within a poll cycle execute sequentially so retry
// bookkeeping stays ordered and channel send capacity is not flooded.
type Scheduler struct {
	store  persistence.Storage
	sender protocol.ChannelSender
	bus    eventbus.EventBus
	queue  *redisq.FollowUpQueue
	tracer trace.Tracer
	logger *slog.Logger

	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	started bool
	ticker  *time.Ticker
	done    chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithBatchSize overrides how many due follow-ups one cycle fetches.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithDueQueue makes the scheduler pull due ids from a Redis sorted set
// instead of scanning storage for due rows.
func WithDueQueue(queue *redisq.FollowUpQueue) SchedulerOption {
	return func(s *Scheduler) { s.queue = queue }
}

// WithTracer enables span emission around follow-up execution.
func WithTracer(tracer trace.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = tracer }
}

func NewScheduler(store persistence.Storage, sender protocol.ChannelSender, bus eventbus.EventBus, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        store,
		sender:       sender,
		bus:          bus,
		tracer:       noop.NewTracerProvider().Tracer("followup"),
		logger:       log.WithModule("followup_scheduler"),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins polling: one cycle immediately, then every poll interval.
// Calling Start on a running scheduler logs and no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "Follow-up scheduler already running")

		return
	}

	s.started = true
	s.ticker = time.NewTicker(s.pollInterval)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Follow-up scheduler started", "poll_interval", s.pollInterval)
	s.publish(ctx, events.SchedulerStarted{
		BaseEvent:    events.NewBaseEvent(events.SchedulerStartedEvent),
		PollInterval: s.pollInterval,
	})

	go func() {
		s.poll(context.Background())

		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C:
				s.poll(context.Background())
			}
		}
	}()
}

// Stop halts polling. Calling Stop on a stopped scheduler logs and no-ops.
// An in-flight cycle finishes its current item; cancellation mid-send is not
// supported.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "Follow-up scheduler not running")

		return
	}

	s.started = false
	s.ticker.Stop()
	close(s.done)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Follow-up scheduler stopped")
	s.publish(ctx, events.SchedulerStopped{
		BaseEvent: events.NewBaseEvent(events.SchedulerStoppedEvent),
	})
}

// Status returns the running flag and configured poll interval.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SchedulerStatus{
		IsRunning:    s.started,
		PollInterval: s.pollInterval,
	}
}

// poll runs one delivery cycle. Fetch errors are reported via the scheduler
// error event; per-item failures never abort the rest of the batch.
func (s *Scheduler) poll(ctx context.Context) {
	followUps, err := s.fetchDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to fetch due follow-ups", "error", err)
		s.publish(ctx, events.SchedulerError{
			BaseEvent: events.NewBaseEvent(events.SchedulerErrorEvent),
			Error:     err.Error(),
		})

		return
	}

	if len(followUps) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "Processing due follow-ups", "count", len(followUps))

	for _, f := range followUps {
		s.executeFollowUp(ctx, f)
	}
}

func (s *Scheduler) fetchDue(ctx context.Context) ([]*models.ScheduledFollowUp, error) {
	if s.queue == nil {
		return s.store.GetScheduledFollowUps(ctx, s.batchSize)
	}

	ids, err := s.queue.PopDue(ctx, time.Now(), int64(s.batchSize))
	if err != nil {
		return nil, err
	}

	followUps := make([]*models.ScheduledFollowUp, 0, len(ids))

	for _, id := range ids {
		f, err := s.store.GetFollowUpSchedule(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "Queued follow-up not loadable", "schedule_id", id, "error", err)

			continue
		}

		// The queue can lag behind a cancel or manual edit; only rows
		// still scheduled are actionable.
		if f.Status != models.FollowUpStatusScheduled {
			continue
		}

		followUps = append(followUps, f)
	}

	return followUps, nil
}

// executeFollowUp attempts one delivery. Missing contact, conversation, or
// channel connection fails the row terminally; transient send errors go
// through the retry path.
func (s *Scheduler) executeFollowUp(ctx context.Context, f *models.ScheduledFollowUp) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "followup.execute",
		attribute.String(otelhelper.ScheduleIDKey, f.ScheduleID),
		attribute.Int64(otelhelper.ContactIDKey, f.ContactID),
		attribute.Int64(otelhelper.ConversationIDKey, f.ConversationID))
	defer span.End()

	start := time.Now()

	if f.Expired(start) {
		s.markExpired(ctx, f, start)

		return
	}

	messageID, err := s.deliver(ctx, f)
	if err != nil {
		otelhelper.SetError(span, err)
		s.handleFailure(ctx, f, err, start)

		return
	}

	sentAt := time.Now()
	status := models.FollowUpStatusSent
	patch := &persistence.FollowUpPatch{
		Status: &status,
		SentAt: &sentAt,
	}

	if err := s.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark follow-up sent",
			"schedule_id", f.ScheduleID, "error", err)
	}

	s.appendLog(ctx, f, models.FollowUpLogSuccess, messageID, "", start)

	s.logger.InfoContext(ctx, "Follow-up sent",
		"schedule_id", f.ScheduleID,
		"message_id", messageID,
		"duration_ms", time.Since(start).Milliseconds())

	s.publish(ctx, events.FollowUpExecuted{
		BaseEvent:  events.NewBaseEvent(events.FollowUpExecutedEvent),
		ScheduleID: f.ScheduleID,
		MessageID:  messageID,
	})
}

// deliver resolves the follow-up's references, renders its content, and
// dispatches through the channel appropriate to its type. Returns the
// resulting message id.
func (s *Scheduler) deliver(ctx context.Context, f *models.ScheduledFollowUp) (string, error) {
	contact, err := s.store.GetContact(ctx, f.ContactID)
	if err != nil {
		if errors.Is(err, persistence.ErrContactNotFound) {
			return "", fmt.Errorf("%w: contact %d", errDataIntegrity, f.ContactID)
		}

		return "", fmt.Errorf("failed to load contact %d: %w", f.ContactID, err)
	}

	conversation, err := s.store.GetConversation(ctx, f.ConversationID)
	if err != nil {
		if errors.Is(err, persistence.ErrConversationNotFound) {
			return "", fmt.Errorf("%w: conversation %d", errDataIntegrity, f.ConversationID)
		}

		return "", fmt.Errorf("failed to load conversation %d: %w", f.ConversationID, err)
	}

	content := renderTemplate(f.MessageContent, contact, f.Variables)
	caption := renderTemplate(f.Caption, contact, f.Variables)

	if f.ChannelType == channelTypeWhatsApp {
		connection, err := s.store.GetChannelConnection(ctx, f.ChannelConnectionID)
		if err != nil {
			if errors.Is(err, persistence.ErrChannelConnectionNotFound) {
				return "", fmt.Errorf("%w: channel connection %d", errDataIntegrity, f.ChannelConnectionID)
			}

			return "", fmt.Errorf("failed to load channel connection %d: %w", f.ChannelConnectionID, err)
		}

		if f.MessageType.IsMedia() {
			result, err := s.sender.SendMedia(ctx, connection.ID, connection.UserID,
				contact.Identifier, f.MessageType, f.MediaURL, caption)
			if err != nil {
				return "", err
			}

			return result.ID, nil
		}

		result, err := s.sender.SendMessage(ctx, connection.ID, connection.UserID,
			contact.Identifier, content)
		if err != nil {
			return "", err
		}

		return result.ID, nil
	}

	// Channel types without a dedicated adapter get an outbound message
	// record; downstream delivery is the surrounding application's concern.
	message, err := s.store.CreateMessage(ctx, &models.Message{
		ConversationID: conversation.ID,
		ContactID:      contact.ID,
		ChannelType:    f.ChannelType,
		Type:           f.MessageType,
		Content:        content,
		Direction:      models.DirectionOutbound,
		MediaURL:       f.MediaURL,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return "", err
	}

	return strconv.FormatInt(message.ID, 10), nil
}

// handleFailure applies retry-or-fail bookkeeping after a delivery error.
// Data-integrity errors skip the retry budget entirely.
func (s *Scheduler) handleFailure(ctx context.Context, f *models.ScheduledFollowUp, cause error, start time.Time) {
	reason := cause.Error()
	willRetry := f.CanRetry() && !errors.Is(cause, errDataIntegrity)

	if willRetry {
		delay := f.NextRetryDelay()
		nextAttempt := time.Now().Add(delay)
		retryCount := f.RetryCount + 1

		patch := &persistence.FollowUpPatch{
			ScheduledFor: &nextAttempt,
			RetryCount:   &retryCount,
			FailedReason: &reason,
		}

		if err := s.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
			s.logger.ErrorContext(ctx, "Failed to reschedule follow-up",
				"schedule_id", f.ScheduleID, "error", err)
		}

		if s.queue != nil {
			if err := s.queue.Schedule(ctx, f.ScheduleID, nextAttempt); err != nil {
				s.logger.ErrorContext(ctx, "Failed to requeue follow-up",
					"schedule_id", f.ScheduleID, "error", err)
			}
		}

		s.logger.WarnContext(ctx, "Follow-up failed, retrying",
			"schedule_id", f.ScheduleID,
			"retry_count", retryCount,
			"next_attempt", nextAttempt,
			"error", reason)
	} else {
		status := models.FollowUpStatusFailed
		patch := &persistence.FollowUpPatch{
			Status:       &status,
			FailedReason: &reason,
		}

		if err := s.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
			s.logger.ErrorContext(ctx, "Failed to mark follow-up failed",
				"schedule_id", f.ScheduleID, "error", err)
		}

		s.logger.ErrorContext(ctx, "Follow-up failed permanently",
			"schedule_id", f.ScheduleID,
			"retry_count", f.RetryCount,
			"error", reason)
	}

	s.appendLog(ctx, f, models.FollowUpLogFailed, "", reason, start)

	s.publish(ctx, events.FollowUpFailed{
		BaseEvent:  events.NewBaseEvent(events.FollowUpFailedEvent),
		ScheduleID: f.ScheduleID,
		Error:      reason,
		WillRetry:  willRetry,
	})
}

func (s *Scheduler) markExpired(ctx context.Context, f *models.ScheduledFollowUp, start time.Time) {
	status := models.FollowUpStatusExpired
	patch := &persistence.FollowUpPatch{Status: &status}

	if err := s.store.UpdateFollowUpSchedule(ctx, f.ScheduleID, patch); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark follow-up expired",
			"schedule_id", f.ScheduleID, "error", err)
	}

	s.appendLog(ctx, f, models.FollowUpLogExpired, "", "follow-up expired before delivery", start)

	s.logger.InfoContext(ctx, "Follow-up expired", "schedule_id", f.ScheduleID)
}

// CancelFollowUp cancels a scheduled follow-up. Storage errors are logged
// and reported as an unsuccessful cancel rather than propagated.
func (s *Scheduler) CancelFollowUp(ctx context.Context, scheduleID string) bool {
	if err := s.store.CancelFollowUpSchedule(ctx, scheduleID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to cancel follow-up",
			"schedule_id", scheduleID, "error", err)

		return false
	}

	if s.queue != nil {
		if err := s.queue.Cancel(ctx, scheduleID); err != nil {
			s.logger.WarnContext(ctx, "Failed to dequeue cancelled follow-up",
				"schedule_id", scheduleID, "error", err)
		}
	}

	s.publish(ctx, events.FollowUpCancelled{
		BaseEvent:  events.NewBaseEvent(events.FollowUpCancelledEvent),
		ScheduleID: scheduleID,
	})

	return true
}

func (s *Scheduler) appendLog(ctx context.Context, f *models.ScheduledFollowUp, status models.FollowUpLogStatus, messageID, errorMessage string, start time.Time) {
	entry := &models.FollowUpExecutionLog{
		ScheduleID:          f.ScheduleID,
		ExecutionAttempt:    f.RetryCount + 1,
		Status:              status,
		MessageID:           messageID,
		ErrorMessage:        errorMessage,
		ExecutionDurationMs: time.Since(start).Milliseconds(),
		ExecutedAt:          time.Now(),
	}

	if err := s.store.CreateFollowUpExecutionLog(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record follow-up attempt",
			"schedule_id", f.ScheduleID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, event eventbus.Event) {
	if err := s.bus.Publish(ctx, events.Topic, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}

// renderTemplate substitutes {{contact.name}}, {{contact.phone}},
// {{contact.email}} and arbitrary {{key}} entries from the variables map.
// Deliberately simpler than the execution context's templating; follow-ups
// outlive their originating run and cannot depend on its context.
func renderTemplate(template string, contact *models.Contact, variables map[string]any) string {
	if template == "" {
		return ""
	}

	result := template
	result = strings.ReplaceAll(result, "{{contact.name}}", contact.Name)
	result = strings.ReplaceAll(result, "{{contact.phone}}", contact.Phone)
	result = strings.ReplaceAll(result, "{{contact.email}}", contact.Email)

	for key, value := range variables {
		result = strings.ReplaceAll(result, "{{"+key+"}}", fmt.Sprintf("%v", value))
	}

	return result
}
