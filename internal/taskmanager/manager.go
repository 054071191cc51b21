// Package taskmanager bridges media events to the worker pool and applies
// the retry, backoff and escalation policy to failed processing.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediaq/internal/domain"
	"mediaq/internal/metrics"
	"mediaq/internal/ports"
	"mediaq/pkg/backoff"

	"github.com/rs/zerolog"
)

// PurgeJob is the scheduler name of the periodic purge.
const PurgeJob = "purge"

// RetryKey is the scheduler name of the pending retry of a media item.
func RetryKey(mediaID string) string { return "reprocess-" + mediaID }

type OutcomeKind string

const (
	Succeeded        OutcomeKind = "succeeded"
	Rescheduled      OutcomeKind = "rescheduled"
	Interrupted      OutcomeKind = "interrupted"
	Escalated        OutcomeKind = "escalated"
	EscalationFailed OutcomeKind = "escalation_failed"
	Failed           OutcomeKind = "failed"
)

// Outcome is the result of one task attempt. Err holds the task error for
// Rescheduled, Interrupted, Escalated and Failed, and the escalation error
// for EscalationFailed. An Interrupted attempt is not counted.
type Outcome struct {
	Kind    OutcomeKind
	Attempt int
	RetryIn time.Duration
	Err     error
}

// Capacity is the admission view of the worker pool.
type Capacity interface {
	QueueLength() int
	Capacity() int
}

type Scheduler interface {
	Schedule(name string, delay time.Duration, fn func())
}

type Deps struct {
	Worker    ports.MediaWorker
	Pool      Capacity
	Scheduler Scheduler
	Owners    ports.OwnerLookup
	Notifier  ports.Notifier
	Uploads   ports.UploadRemover
	// Retries is optional; without it retry state lives only in scheduler timers.
	Retries ports.RetryStore
	Now     func() time.Time
}

type Config struct {
	Backoff           backoff.Table
	PurgeInitialDelay time.Duration
	PurgeInterval     time.Duration
}

type Manager struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		deps: deps,
		cfg:  cfg,
		log:  logger.With().Str("component", "taskmanager").Logger(),
		ctx:  context.Background(),
	}
}

// Start arms the periodic purge and re-arms retries persisted by a
// previous run. Scheduled work runs with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.deps.Scheduler.Schedule(PurgeJob, m.cfg.PurgeInitialDelay, m.purgeTick)
	return m.restoreRetries(ctx)
}

// Wait blocks until work started by scheduled callbacks has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// CanStartTask reports whether the pool has room for another task. Callers
// must check it before persisting anything for a new task.
func (m *Manager) CanStartTask() bool {
	capacity := m.deps.Pool.Capacity()
	return capacity <= 0 || m.deps.Pool.QueueLength() < capacity
}

// HandleUploadedFile processes an uploaded file. attempt is 0 for the first
// try. Failures are retried according to the backoff table, then escalated.
func (m *Manager) HandleUploadedFile(ctx context.Context, mediaID string, attempt int) Outcome {
	attempt = max(attempt, 0)
	logger := m.log.With().Str("media_id", mediaID).Int("attempt", attempt).Logger()

	err := m.deps.Worker.HandleUploadedFile(ctx, mediaID)
	if err == nil {
		// an interrupted first attempt leaves state behind too
		m.forget(ctx, mediaID)
		logger.Debug().Msg("uploaded file processed")
		return m.record(Outcome{Kind: Succeeded, Attempt: attempt})
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		// the worker never got a fair chance; keep the attempt number
		m.interrupted(ctx, mediaID, attempt, err)
		logger.Info().Err(err).Msg("processing interrupted, attempt kept")
		return m.record(Outcome{Kind: Interrupted, Attempt: attempt, Err: err})
	}

	if delay, ok := m.cfg.Backoff.Delay(attempt); ok {
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("processing failed, retrying later")
		m.scheduleRetry(ctx, mediaID, attempt+1, delay, err)
		return m.record(Outcome{Kind: Rescheduled, Attempt: attempt, RetryIn: delay, Err: err})
	}

	logger.Error().Err(err).Msg("processing failed permanently, escalating")
	if escErr := m.escalate(context.WithoutCancel(ctx), mediaID, err); escErr != nil {
		logger.Error().Err(escErr).Msg("escalation failed")
		return m.record(Outcome{Kind: EscalationFailed, Attempt: attempt, Err: escErr})
	}
	return m.record(Outcome{Kind: Escalated, Attempt: attempt, Err: err})
}

// PurgeDeletedMedia asks a worker to purge deleted media. The worker logs
// its own errors; the outcome is only logged here.
func (m *Manager) PurgeDeletedMedia(ctx context.Context) Outcome {
	if err := m.deps.Worker.PurgeDeletedMedia(ctx); err != nil {
		m.log.Warn().Err(err).Msg("purge of deleted media failed")
		return m.recordAs("purge_deleted_media", Outcome{Kind: Failed, Err: err})
	}
	return m.recordAs("purge_deleted_media", Outcome{Kind: Succeeded})
}

func (m *Manager) purgeTick() {
	m.spawn(func(ctx context.Context) { m.PurgeDeletedMedia(ctx) })
	m.deps.Scheduler.Schedule(PurgeJob, m.cfg.PurgeInterval, m.purgeTick)
}

func (m *Manager) scheduleRetry(ctx context.Context, mediaID string, next int, delay time.Duration, cause error) {
	m.saveRetry(ctx, mediaID, next, delay, cause)
	m.armRetry(mediaID, next, delay)
}

// interrupted re-queues an attempt cut short by cancellation. While the
// manager is stopping only the persisted state is kept, and the next Start
// restores it.
func (m *Manager) interrupted(ctx context.Context, mediaID string, attempt int, cause error) {
	m.saveRetry(ctx, mediaID, attempt, 0, cause)
	if ctx.Err() == nil {
		m.armRetry(mediaID, attempt, 0)
	}
}

func (m *Manager) saveRetry(ctx context.Context, mediaID string, attempt int, delay time.Duration, cause error) {
	if m.deps.Retries == nil {
		return
	}
	state := domain.RetryState{
		MediaID:   mediaID,
		Attempt:   attempt,
		LastError: cause.Error(),
		NextRunAt: m.deps.Now().Add(delay),
	}
	// the retry must be recorded even while shutting down
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.Retries.Save(sctx, state); err != nil {
		m.log.Warn().Err(err).Str("media_id", mediaID).Msg("failed to persist retry state")
	}
}

func (m *Manager) armRetry(mediaID string, attempt int, delay time.Duration) {
	m.deps.Scheduler.Schedule(RetryKey(mediaID), delay, func() {
		m.spawn(func(ctx context.Context) { m.HandleUploadedFile(ctx, mediaID, attempt) })
	})
}

func (m *Manager) escalate(ctx context.Context, mediaID string, cause error) error {
	defer m.forget(ctx, mediaID)

	owner, err := m.deps.Owners.OwnerOf(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("look up owner of %s: %w", mediaID, err)
	}
	msg := domain.Message{
		To:      owner.Email,
		Subject: "We could not process one of your uploads",
		Content: fmt.Sprintf(
			"Hi %s,\n\nyour upload %s could not be processed after %d attempts and has been removed.\n\nLast error: %v\n",
			owner.Name, mediaID, m.cfg.Backoff.Retries()+1, cause),
	}
	if err := m.deps.Notifier.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("notify %s: %w", owner.Email, err)
	}
	if err := m.deps.Uploads.DeleteUploadedFile(ctx, mediaID); err != nil {
		return fmt.Errorf("delete upload %s: %w", mediaID, err)
	}
	return nil
}

func (m *Manager) forget(ctx context.Context, mediaID string) {
	if m.deps.Retries == nil {
		return
	}
	if err := m.deps.Retries.Delete(context.WithoutCancel(ctx), mediaID); err != nil {
		m.log.Warn().Err(err).Str("media_id", mediaID).Msg("failed to clear retry state")
	}
}

func (m *Manager) restoreRetries(ctx context.Context) error {
	if m.deps.Retries == nil {
		return nil
	}
	states, err := m.deps.Retries.List(ctx)
	if err != nil {
		return fmt.Errorf("list retry state: %w", err)
	}
	now := m.deps.Now()
	for _, s := range states {
		delay := max(s.NextRunAt.Sub(now), 0)
		m.armRetry(s.MediaID, s.Attempt, delay)
	}
	if len(states) > 0 {
		m.log.Info().Int("count", len(states)).Msg("restored pending retries")
	}
	return nil
}

// spawn runs work for a scheduler callback without blocking the scheduler.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

func (m *Manager) record(o Outcome) Outcome {
	return m.recordAs("handle_uploaded_file", o)
}

func (m *Manager) recordAs(task string, o Outcome) Outcome {
	metrics.TaskOutcomes.WithLabelValues(task, string(o.Kind)).Inc()
	return o
}
