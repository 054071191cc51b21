package taskmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"mediaq/internal/domain"
	"mediaq/internal/pool"
	"mediaq/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// virtualScheduler keeps timers on a virtual clock that tests advance explicitly.
type virtualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	timers  map[string]virtualTimer
	history []scheduled
}

type virtualTimer struct {
	at time.Duration
	fn func()
}

type scheduled struct {
	name  string
	delay time.Duration
	at    time.Duration
}

func newVirtualScheduler() *virtualScheduler {
	return &virtualScheduler{timers: make(map[string]virtualTimer)}
}

func (v *virtualScheduler) Schedule(name string, delay time.Duration, fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timers[name] = virtualTimer{at: v.now + delay, fn: fn}
	v.history = append(v.history, scheduled{name: name, delay: delay, at: v.now})
}

// fireNext advances the clock to the earliest timer and runs it.
func (v *virtualScheduler) fireNext() bool {
	v.mu.Lock()
	if len(v.timers) == 0 {
		v.mu.Unlock()
		return false
	}
	names := make([]string, 0, len(v.timers))
	for name := range v.timers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return v.timers[names[i]].at < v.timers[names[j]].at })
	next := v.timers[names[0]]
	delete(v.timers, names[0])
	v.now = next.at
	v.mu.Unlock()

	next.fn()
	return true
}

func (v *virtualScheduler) elapsed() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *virtualScheduler) delays(name string) []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []time.Duration
	for _, s := range v.history {
		if s.name == name {
			out = append(out, s.delay)
		}
	}
	return out
}

type fakeWorker struct {
	mu        sync.Mutex
	clock     func() time.Duration
	calls     []time.Duration
	failures  int // number of leading calls that fail; -1 fails forever
	interrupt error
	purgeErr  error
	purges    int
}

func (f *fakeWorker) HandleUploadedFile(ctx context.Context, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, f.clock())
	if f.interrupt != nil {
		return f.interrupt
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failures < 0 || len(f.calls) <= f.failures {
		return pool.ErrWorkerDied
	}
	return nil
}

func (f *fakeWorker) PurgeDeletedMedia(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return f.purgeErr
}

type fakePool struct{ length, capacity int }

func (f *fakePool) QueueLength() int { return f.length }
func (f *fakePool) Capacity() int    { return f.capacity }

type fakeOwners struct{ err error }

func (f *fakeOwners) OwnerOf(ctx context.Context, mediaID string) (domain.User, error) {
	if f.err != nil {
		return domain.User{}, f.err
	}
	return domain.User{ID: "u1", Email: "ana@example.com", Name: "Ana"}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Message
	at   []time.Duration
	err  error
	now  func() time.Duration
}

func (f *fakeNotifier) SendMessage(ctx context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	f.at = append(f.at, f.now())
	return nil
}

type fakeUploads struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeUploads) DeleteUploadedFile(ctx context.Context, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, mediaID)
	return nil
}

type memoryRetries struct {
	mu     sync.Mutex
	states map[string]domain.RetryState
	saves  []domain.RetryState
}

func newMemoryRetries() *memoryRetries {
	return &memoryRetries{states: make(map[string]domain.RetryState)}
}

func (m *memoryRetries) Save(ctx context.Context, s domain.RetryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.MediaID] = s
	m.saves = append(m.saves, s)
	return nil
}

func (m *memoryRetries) Delete(ctx context.Context, mediaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, mediaID)
	return nil
}

func (m *memoryRetries) List(ctx context.Context) ([]domain.RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RetryState
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

var _ ports.RetryStore = (*memoryRetries)(nil)

type harness struct {
	sched    *virtualScheduler
	worker   *fakeWorker
	pool     *fakePool
	owners   *fakeOwners
	notifier *fakeNotifier
	uploads  *fakeUploads
	retries  *memoryRetries
	epoch    time.Time
	m        *Manager
}

func newHarness(failures int) *harness {
	h := &harness{
		sched:   newVirtualScheduler(),
		pool:    &fakePool{capacity: 12},
		owners:  &fakeOwners{},
		uploads: &fakeUploads{},
		retries: newMemoryRetries(),
		epoch:   time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	h.worker = &fakeWorker{clock: h.sched.elapsed, failures: failures}
	h.notifier = &fakeNotifier{now: h.sched.elapsed}
	h.m = New(Deps{
		Worker:    h.worker,
		Pool:      h.pool,
		Scheduler: h.sched,
		Owners:    h.owners,
		Notifier:  h.notifier,
		Uploads:   h.uploads,
		Retries:   h.retries,
		Now:       func() time.Time { return h.epoch.Add(h.sched.elapsed()) },
	}, Config{PurgeInitialDelay: 10 * time.Second, PurgeInterval: time.Hour}, zerolog.Nop())
	return h
}

// drain fires timers until none are left.
func (h *harness) drain() {
	for h.sched.fireNext() {
		h.m.Wait()
	}
}

func TestCanStartTask(t *testing.T) {
	h := newHarness(0)
	h.pool.capacity = 4 * 3

	for length := 0; length <= 14; length++ {
		h.pool.length = length
		assert.Equal(t, length < 12, h.m.CanStartTask(), "queue length %d", length)
	}

	h.pool.capacity = 0
	h.pool.length = 1000
	assert.True(t, h.m.CanStartTask(), "unbounded pools always admit")
}

func TestHandleUploadedFile_Success(t *testing.T) {
	h := newHarness(0)

	out := h.m.HandleUploadedFile(context.Background(), "M1", 0)
	assert.Equal(t, Succeeded, out.Kind)
	assert.NoError(t, out.Err)
	assert.Empty(t, h.sched.history)
	assert.Empty(t, h.retries.saves)
}

func TestHandleUploadedFile_BackoffThenEscalation(t *testing.T) {
	h := newHarness(-1)

	out := h.m.HandleUploadedFile(context.Background(), "M1", 0)
	assert.Equal(t, Rescheduled, out.Kind)
	assert.Equal(t, time.Minute, out.RetryIn)
	assert.ErrorIs(t, out.Err, pool.ErrWorkerDied)

	h.drain()

	assert.Equal(t,
		[]time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute},
		h.sched.delays(RetryKey("M1")))
	assert.Equal(t,
		[]time.Duration{0, time.Minute, 3 * time.Minute, 8 * time.Minute, 18 * time.Minute, 48 * time.Minute},
		h.worker.calls)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, 48*time.Minute, h.notifier.at[0])
	msg := h.notifier.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Contains(t, msg.Content, "M1")
	assert.Contains(t, msg.Content, pool.ErrWorkerDied.Error())

	assert.Equal(t, []string{"M1"}, h.uploads.deleted)
	assert.Empty(t, h.retries.states, "retry state is cleared after escalation")
}

func TestHandleUploadedFile_LastAttemptEscalates(t *testing.T) {
	h := newHarness(-1)

	out := h.m.HandleUploadedFile(context.Background(), "M2", 5)
	assert.Equal(t, Escalated, out.Kind)
	assert.Equal(t, 5, out.Attempt)
	assert.Empty(t, h.sched.history, "no sixth retry")
	assert.Len(t, h.notifier.sent, 1)
	assert.Equal(t, []string{"M2"}, h.uploads.deleted)
}

func TestHandleUploadedFile_NegativeAttemptCountsAsFirst(t *testing.T) {
	h := newHarness(-1)

	out := h.m.HandleUploadedFile(context.Background(), "M8", -3)
	assert.Equal(t, Rescheduled, out.Kind)
	assert.Equal(t, 0, out.Attempt)
	assert.Equal(t, time.Minute, out.RetryIn)
	assert.Empty(t, h.notifier.sent)
	assert.Empty(t, h.uploads.deleted)
	require.Len(t, h.retries.saves, 1)
	assert.Equal(t, 1, h.retries.saves[0].Attempt)
}

func TestHandleUploadedFile_CancellationDoesNotCountAsAttempt(t *testing.T) {
	for _, attempt := range []int{0, 5} {
		h := newHarness(-1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := h.m.HandleUploadedFile(ctx, "M9", attempt)
		assert.Equal(t, Interrupted, out.Kind, "attempt %d", attempt)
		assert.Equal(t, attempt, out.Attempt)
		assert.ErrorIs(t, out.Err, context.Canceled)

		assert.Empty(t, h.notifier.sent, "attempt %d", attempt)
		assert.Empty(t, h.uploads.deleted, "attempt %d", attempt)
		assert.Empty(t, h.sched.history, "a stopping manager arms nothing")
		require.Contains(t, h.retries.states, "M9")
		assert.Equal(t, attempt, h.retries.states["M9"].Attempt)
		assert.Equal(t, h.epoch, h.retries.states["M9"].NextRunAt)

		// the next run resumes the same attempt
		h.worker.failures = 0
		require.NoError(t, h.m.Start(context.Background()))
		assert.Equal(t, []time.Duration{0}, h.sched.delays(RetryKey("M9")))
		require.True(t, h.sched.fireNext())
		h.m.Wait()
		assert.Equal(t, []time.Duration{0, 0}, h.worker.calls)
		assert.Empty(t, h.retries.states, "attempt %d", attempt)
		assert.Empty(t, h.notifier.sent, "attempt %d", attempt)
	}
}

func TestHandleUploadedFile_CanceledWorkerCallIsRearmed(t *testing.T) {
	h := newHarness(-1)
	h.worker.interrupt = context.Canceled

	out := h.m.HandleUploadedFile(context.Background(), "M10", 2)
	assert.Equal(t, Interrupted, out.Kind)
	assert.Equal(t, []time.Duration{0}, h.sched.delays(RetryKey("M10")))
	assert.Equal(t, 2, h.retries.states["M10"].Attempt)

	h.worker.interrupt = nil
	h.worker.failures = 0
	require.True(t, h.sched.fireNext())
	h.m.Wait()
	assert.Len(t, h.worker.calls, 2)
	assert.Empty(t, h.retries.states)
	assert.Empty(t, h.uploads.deleted)
}

func TestHandleUploadedFile_RecoversAfterRetries(t *testing.T) {
	h := newHarness(2)

	h.m.HandleUploadedFile(context.Background(), "M3", 0)
	h.drain()

	assert.Equal(t, []time.Duration{0, time.Minute, 3 * time.Minute}, h.worker.calls)
	assert.Empty(t, h.notifier.sent)
	assert.Empty(t, h.uploads.deleted)
	assert.Empty(t, h.retries.states)

	require.Len(t, h.retries.saves, 2)
	assert.Equal(t, 1, h.retries.saves[0].Attempt)
	assert.Equal(t, h.epoch.Add(time.Minute), h.retries.saves[0].NextRunAt)
	assert.Equal(t, 2, h.retries.saves[1].Attempt)
	assert.Equal(t, h.epoch.Add(3*time.Minute), h.retries.saves[1].NextRunAt)
	assert.Contains(t, h.retries.saves[0].LastError, "worker died")
}

func TestEscalationErrorsAreSwallowed(t *testing.T) {
	t.Run("owner lookup", func(t *testing.T) {
		h := newHarness(-1)
		h.owners.err = ports.ErrNotFound

		out := h.m.HandleUploadedFile(context.Background(), "M4", 5)
		assert.Equal(t, EscalationFailed, out.Kind)
		assert.ErrorIs(t, out.Err, ports.ErrNotFound)
		assert.Empty(t, h.notifier.sent)
		assert.Empty(t, h.uploads.deleted)
	})

	t.Run("notification", func(t *testing.T) {
		h := newHarness(-1)
		h.notifier.err = errors.New("smtp: connection refused")

		out := h.m.HandleUploadedFile(context.Background(), "M5", 5)
		assert.Equal(t, EscalationFailed, out.Kind)
		assert.ErrorContains(t, out.Err, "connection refused")
		assert.Empty(t, h.uploads.deleted)
		assert.Empty(t, h.sched.history)
	})
}

func TestStart_PurgeBootstrapThenSteadyState(t *testing.T) {
	h := newHarness(0)
	h.worker.purgeErr = errors.New("permission denied")

	require.NoError(t, h.m.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.True(t, h.sched.fireNext())
		h.m.Wait()
	}

	assert.Equal(t, []time.Duration{10 * time.Second, time.Hour, time.Hour, time.Hour}, h.sched.delays(PurgeJob))
	assert.Equal(t, 3, h.worker.purges)
	assert.Equal(t, 10*time.Second+2*time.Hour, h.sched.elapsed())
}

func TestPurgeDeletedMedia_Outcome(t *testing.T) {
	h := newHarness(0)
	assert.Equal(t, Succeeded, h.m.PurgeDeletedMedia(context.Background()).Kind)

	h.worker.purgeErr = errors.New("permission denied")
	out := h.m.PurgeDeletedMedia(context.Background())
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorContains(t, out.Err, "permission denied")
}

func TestStart_RestoresPersistedRetries(t *testing.T) {
	h := newHarness(0)
	h.retries.states["M6"] = domain.RetryState{MediaID: "M6", Attempt: 3, NextRunAt: h.epoch.Add(4 * time.Minute)}
	h.retries.states["M7"] = domain.RetryState{MediaID: "M7", Attempt: 1, NextRunAt: h.epoch.Add(-time.Minute)}

	require.NoError(t, h.m.Start(context.Background()))

	assert.Equal(t, []time.Duration{4 * time.Minute}, h.sched.delays(RetryKey("M6")))
	assert.Equal(t, []time.Duration{0}, h.sched.delays(RetryKey("M7")), "overdue retries run immediately")

	// M7 then the purge bootstrap then M6
	require.True(t, h.sched.fireNext())
	h.m.Wait()
	require.True(t, h.sched.fireNext())
	h.m.Wait()
	require.True(t, h.sched.fireNext())
	h.m.Wait()

	assert.Equal(t, []time.Duration{0, 4 * time.Minute}, h.worker.calls)
	assert.Empty(t, h.retries.states, "successful retries clear their state")
}
