package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mediaq/internal/process/processtest"
	"mediaq/internal/rpc"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const method = "handleUploadedFile"

// fakeWorkers counts calls per child and blocks them until release is closed.
type fakeWorkers struct {
	mu      sync.Mutex
	calls   map[int]int
	release chan struct{}
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{calls: make(map[int]int), release: make(chan struct{})}
}

func (fw *fakeWorkers) handlers(c *processtest.Child) rpc.Handlers {
	return rpc.Handlers{
		method: rpc.Handle(func(ctx context.Context, id string) (rpc.Void, error) {
			fw.mu.Lock()
			fw.calls[c.Pid()]++
			fw.mu.Unlock()
			select {
			case <-fw.release:
				return rpc.Void{}, nil
			case <-ctx.Done():
				return rpc.Void{}, ctx.Err()
			}
		}),
	}
}

func (fw *fakeWorkers) callsOf(pid int) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.calls[pid]
}

func (fw *fakeWorkers) total() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, c := range fw.calls {
		n += c
	}
	return n
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	cfg.RequiredMethods = []string{method}
	cfg.HandshakeTimeout = time.Second
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 50 * time.Millisecond
	}
	p, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func call(ctx context.Context, p *Pool, id string) error {
	_, err := rpc.Invoke[string, rpc.Void](ctx, p, method, id)
	return err
}

// goCall starts a call in the background and returns its result channel.
func goCall(p *Pool, id string) <-chan error {
	res := make(chan error, 1)
	go func() { res <- call(context.Background(), p, id) }()
	return res
}

func TestConfigValidation(t *testing.T) {
	f := &processtest.Factory{}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing fork", Config{MaxWorkers: 1}},
		{"no workers", Config{Fork: f.Fork}},
		{"min above max", Config{Fork: f.Fork, MinWorkers: 3, MaxWorkers: 2}},
		{"negative min", Config{Fork: f.Fork, MinWorkers: -1, MaxWorkers: 2}},
		{"negative tasks", Config{Fork: f.Fork, MaxWorkers: 2, MaxTasksPerWorker: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestPool_StartsMinWorkers(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 2, MaxWorkers: 4, MaxTasksPerWorker: 3})

	stats := p.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 12, stats.Capacity)
	for _, w := range stats.Workers {
		assert.Equal(t, StateReady, w.State)
	}
	assert.Equal(t, 2, f.Forks())
}

func TestPool_CapacityNeverSpawnsExcessWorkers(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 4, MaxTasksPerWorker: 3})

	const n = 4*3 + 1
	results := make([]<-chan error, n)
	for i := range results {
		results[i] = goCall(p, fmt.Sprintf("m%d", i))
	}

	require.Eventually(t, func() bool { return p.QueueLength() == n }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fw.total() == 4 }, 2*time.Second, 5*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, 4, stats.Live)
	assert.Equal(t, 4, stats.InFlight)
	assert.Equal(t, n-4, stats.Queued)
	assert.Equal(t, 4, f.Forks(), "queued calls must not spawn beyond MaxWorkers")

	close(fw.release)
	for _, res := range results {
		assert.NoError(t, <-res)
	}
	assert.Equal(t, 0, p.QueueLength())

	for _, c := range f.Children() {
		assert.LessOrEqual(t, fw.callsOf(c.Pid()), 3, "worker %d exceeded its task quota", c.Pid())
	}
	assert.Greater(t, f.Forks(), 4, "the 13th call needs a replacement worker")
}

func TestPool_RetiresWorkerAfterQuota(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 1, MaxTasksPerWorker: 2, Concurrency: 2})

	first := goCall(p, "a")
	second := goCall(p, "b")
	require.Eventually(t, func() bool { return fw.total() == 2 }, time.Second, 5*time.Millisecond)

	stats := p.Stats()
	require.Len(t, stats.Workers, 1)
	assert.Equal(t, StateDraining, stats.Workers[0].State)

	third := goCall(p, "c")
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.Forks(), "draining worker blocks spawning while MaxWorkers is reached")

	close(fw.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.NoError(t, <-third)

	children := f.Children()
	require.Len(t, children, 2)
	assert.Equal(t, 2, fw.callsOf(children[0].Pid()))
	assert.Equal(t, 1, fw.callsOf(children[1].Pid()))
	require.Eventually(t, children[0].Exited, time.Second, 5*time.Millisecond)
	assert.True(t, children[0].Terminated())
	assert.False(t, children[1].Exited())
}

func TestPool_CrashRejectsInFlightCalls(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 1, Concurrency: 3})

	results := []<-chan error{goCall(p, "a"), goCall(p, "b"), goCall(p, "c")}
	require.Eventually(t, func() bool { return fw.total() == 3 }, time.Second, 5*time.Millisecond)

	f.Children()[0].Crash()

	for _, res := range results {
		err := <-res
		assert.ErrorIs(t, err, ErrWorkerDied)
	}
	assert.Equal(t, 0, p.QueueLength())

	// a replacement restores MinWorkers
	require.Eventually(t, func() bool {
		s := p.Stats()
		return f.Forks() == 2 && s.Live == 1 && s.Workers[0].State == StateReady
	}, time.Second, 5*time.Millisecond)

	close(fw.release)
	assert.NoError(t, call(context.Background(), p, "d"))
	select {
	case <-p.Done():
		t.Fatal("pool must survive a single crash")
	default:
	}
}

func TestPool_FailedRespawnIsFatal(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{
		Handlers: fw.handlers,
		ForkErr: func(n int) error {
			if n > 1 {
				return errors.New("exec format error")
			}
			return nil
		},
	}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 2})

	f.Children()[0].Crash()

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not report the fatal condition")
	}
	assert.ErrorIs(t, p.Err(), ErrMinWorkers)
	assert.Error(t, call(context.Background(), p, "x"))
}

func TestNew_ForkFailure(t *testing.T) {
	f := &processtest.Factory{ForkErr: func(int) error { return errors.New("no such file") }}

	_, err := New(context.Background(), Config{Fork: f.Fork, MinWorkers: 2, MaxWorkers: 2}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMinWorkers)
}

func TestPool_DemandSpawnWithoutMinWorkers(t *testing.T) {
	fw := newFakeWorkers()
	close(fw.release)
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 0, MaxWorkers: 2})

	assert.Equal(t, 0, p.Stats().Live)
	require.NoError(t, call(context.Background(), p, "a"))
	assert.Equal(t, 1, f.Forks())
}

func TestPool_SpreadsCallsAcrossIdleWorkers(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 2, MaxWorkers: 2, Concurrency: 2})

	a := goCall(p, "a")
	b := goCall(p, "b")
	require.Eventually(t, func() bool { return fw.total() == 2 }, time.Second, 5*time.Millisecond)

	for _, c := range f.Children() {
		assert.Equal(t, 1, fw.callsOf(c.Pid()))
	}
	close(fw.release)
	assert.NoError(t, <-a)
	assert.NoError(t, <-b)
}

func TestPool_CallerGivesUpWhileQueued(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 1})

	busy := goCall(p, "a")
	require.Eventually(t, func() bool { return fw.total() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := call(ctx, p, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.QueueLength())

	close(fw.release)
	assert.NoError(t, <-busy)
	assert.Equal(t, 1, fw.total(), "abandoned call was never dispatched")
}

func TestPool_Shutdown(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 2, MaxWorkers: 2})

	inflight := []<-chan error{goCall(p, "a"), goCall(p, "b")}
	require.Eventually(t, func() bool { return fw.total() == 2 }, time.Second, 5*time.Millisecond)
	queued := goCall(p, "c")
	require.Eventually(t, func() bool { return p.QueueLength() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))

	assert.ErrorIs(t, <-queued, ErrPoolClosed)
	for _, res := range inflight {
		assert.ErrorIs(t, <-res, ErrWorkerDied)
	}
	assert.Empty(t, f.Alive())
	assert.ErrorIs(t, call(context.Background(), p, "d"), ErrPoolClosed)

	select {
	case <-p.Done():
		assert.ErrorIs(t, p.Err(), ErrPoolClosed)
	default:
		t.Fatal("pool context should be done after shutdown")
	}
}

func TestPool_ShutdownLetsFinishingCallsResolve(t *testing.T) {
	fw := newFakeWorkers()
	f := &processtest.Factory{Handlers: fw.handlers}
	p := newTestPool(t, Config{Fork: f.Fork, MinWorkers: 1, MaxWorkers: 1, ShutdownGrace: 2 * time.Second})

	res := goCall(p, "a")
	require.Eventually(t, func() bool { return fw.total() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(fw.release)
	}()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, <-res)
	assert.Empty(t, f.Alive())
}
