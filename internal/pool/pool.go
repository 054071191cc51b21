// Package pool runs a homogeneous set of worker processes and load balances
// RPC calls across them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediaq/internal/metrics"
	"mediaq/internal/process"
	"mediaq/internal/rpc"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWorkerDied = errors.New("pool: worker died")
	ErrPoolClosed = errors.New("pool: closed")
	ErrMinWorkers = errors.New("pool: cannot maintain minimum workers")
)

type Config struct {
	// Handlers are exposed to every worker.
	Handlers        rpc.Handlers
	RequiredMethods []string

	MinWorkers int
	MaxWorkers int
	// MaxTasksPerWorker retires a worker after that many calls. Zero means unbounded.
	MaxTasksPerWorker int
	// Concurrency is the number of calls a worker runs at once. Defaults to 1.
	Concurrency int

	Fork             process.ForkFunc
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
}

func (c *Config) validate() error {
	switch {
	case c.Fork == nil:
		return errors.New("pool: fork function is required")
	case c.MaxWorkers < 1:
		return fmt.Errorf("pool: max workers must be positive, got %d", c.MaxWorkers)
	case c.MinWorkers < 0 || c.MinWorkers > c.MaxWorkers:
		return fmt.Errorf("pool: min workers must be within [0, %d], got %d", c.MaxWorkers, c.MinWorkers)
	case c.MaxTasksPerWorker < 0:
		return fmt.Errorf("pool: max tasks per worker must not be negative, got %d", c.MaxTasksPerWorker)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return nil
}

// Pool owns every worker process and every pending call. It implements
// rpc.Caller: calls are not bound to a worker but queued and assigned to
// the least loaded ready one.
type Pool struct {
	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	workers  map[string]*worker
	queue    []*pendingCall
	inFlight int
	seq      uint64
	closed   bool
	wg       sync.WaitGroup
}

var _ rpc.Caller = (*Pool)(nil)

// New starts MinWorkers workers and returns once all of them completed the
// handshake. The pool's context is cancelled with ErrMinWorkers as cause
// when it later fails to maintain MinWorkers.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancelCause(ctx)
	p := &Pool{
		cfg:     cfg,
		log:     logger.With().Str("component", "pool").Logger(),
		ctx:     pctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}

	initial := make([]*worker, cfg.MinWorkers)
	p.mu.Lock()
	for i := range initial {
		initial[i] = p.addWorkerLocked()
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range initial {
		g.Go(func() error { return p.launch(w) })
	}
	if err := g.Wait(); err != nil {
		_ = p.Shutdown(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrMinWorkers, err)
	}

	p.log.Info().
		Int("min_workers", cfg.MinWorkers).
		Int("max_workers", cfg.MaxWorkers).
		Int("max_tasks_per_worker", cfg.MaxTasksPerWorker).
		Msg("worker pool started")
	return p, nil
}

// Call queues a call for the next available worker and waits for its reply.
// Once dispatched a call runs to completion; ctx only stops the wait.
func (p *Pool) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if err := context.Cause(p.ctx); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.seq++
	c := &pendingCall{
		id:       p.seq,
		method:   method,
		body:     body,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}
	p.queue = append(p.queue, c)
	p.dispatchLocked()
	p.mu.Unlock()

	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		p.mu.Lock()
		if c.worker == nil {
			p.dequeueLocked(c)
			c.settle(nil, ctx.Err())
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// QueueLength is the number of queued calls plus the calls in flight.
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inFlight
}

// Capacity is MaxWorkers*MaxTasksPerWorker, or zero when unbounded.
func (p *Pool) Capacity() int {
	return p.cfg.MaxWorkers * p.cfg.MaxTasksPerWorker
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Live:        len(p.workers),
		Queued:      len(p.queue),
		InFlight:    p.inFlight,
		QueueLength: len(p.queue) + p.inFlight,
		Capacity:    p.Capacity(),
	}
	for _, w := range p.workers {
		info := WorkerInfo{ID: w.id, State: w.state, InFlight: w.inFlight, Lifetime: w.lifetime}
		if w.proc != nil {
			info.Pid = w.proc.Pid()
		}
		s.Workers = append(s.Workers, info)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].ID < s.Workers[j].ID })
	return s
}

// Done is closed when the pool failed fatally or was shut down.
func (p *Pool) Done() <-chan struct{} { return p.ctx.Done() }

// Err returns the reason Done was closed.
func (p *Pool) Err() error { return context.Cause(p.ctx) }

// Shutdown rejects queued calls and shuts every worker down. In-flight
// calls settle with their reply or with ErrWorkerDied once their worker is gone.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	for _, c := range p.queue {
		c.settle(nil, ErrPoolClosed)
	}
	p.queue = nil

	var procs []*process.ParentProcess
	for id, w := range p.workers {
		// starting workers are stopped by launch
		if w.state == StateStarting {
			continue
		}
		w.state = StateDead
		delete(p.workers, id)
		procs = append(procs, w.proc)
	}
	p.mu.Unlock()

	p.log.Info().Int("workers", len(procs)).Msg("shutting down worker pool")

	var g errgroup.Group
	for _, proc := range procs {
		g.Go(func() error { return proc.Shutdown(ctx) })
	}
	err := g.Wait()
	p.wg.Wait()
	p.cancel(ErrPoolClosed)
	return err
}

func (p *Pool) addWorkerLocked() *worker {
	w := &worker{
		id:    uuid.NewString(),
		state: StateStarting,
		calls: make(map[uint64]*pendingCall),
	}
	p.workers[w.id] = w
	return w
}

// launch starts the process of a worker registered in StateStarting.
func (p *Pool) launch(w *worker) error {
	proc, err := process.Start(p.ctx, p.cfg.Fork, process.Options{
		Handlers:         p.cfg.Handlers,
		RequiredMethods:  p.cfg.RequiredMethods,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		ShutdownGrace:    p.cfg.ShutdownGrace,
	}, p.log.With().Str("worker", w.id).Logger())

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		w.state = StateDead
		delete(p.workers, w.id)
		metrics.WorkerEvents.WithLabelValues("spawn_failed").Inc()
		return err
	}

	w.proc = proc
	w.started = time.Now()
	if p.closed {
		w.state = StateDead
		delete(p.workers, w.id)
		p.stopLocked(w)
		return ErrPoolClosed
	}

	w.state = StateReady
	metrics.WorkerEvents.WithLabelValues("spawned").Inc()
	p.log.Debug().Str("worker", w.id).Int("pid", proc.Pid()).Msg("worker ready")

	p.wg.Add(1)
	go p.watch(w)
	p.dispatchLocked()
	return nil
}

func (p *Pool) spawnLocked(reason string) {
	w := p.addWorkerLocked()
	p.log.Debug().Str("worker", w.id).Str("reason", reason).Msg("spawning worker")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.launch(w); err != nil && !errors.Is(err, ErrPoolClosed) {
			p.spawnFailed(w, err)
		}
	}()
}

func (p *Pool) spawnFailed(w *worker, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Error().Err(err).Str("worker", w.id).Msg("failed to start worker")
	if p.closed {
		return
	}
	if len(p.workers) < p.cfg.MinWorkers {
		p.fatalLocked(fmt.Errorf("%w: %w", ErrMinWorkers, err))
		return
	}
	if len(p.workers) == 0 {
		// nothing left that could ever pick these up
		for _, c := range p.queue {
			c.settle(nil, fmt.Errorf("pool: start worker: %w", err))
		}
		p.queue = nil
	}
}

func (p *Pool) fatalLocked(err error) {
	p.log.Error().Err(err).Msg("worker pool failed")
	for _, c := range p.queue {
		c.settle(nil, err)
	}
	p.queue = nil
	p.cancel(err)
}

// dispatchLocked assigns queued calls to workers and spawns workers for
// the calls that remain while MaxWorkers allows it.
func (p *Pool) dispatchLocked() {
	if p.closed || p.ctx.Err() != nil {
		return
	}
	for len(p.queue) > 0 {
		w := p.pickLocked()
		if w == nil {
			break
		}
		c := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.assignLocked(w, c)
	}

	starting := 0
	for _, w := range p.workers {
		if w.state == StateStarting {
			starting++
		}
	}
	need := len(p.queue) - starting*p.cfg.Concurrency
	for need > 0 && len(p.workers) < p.cfg.MaxWorkers {
		p.spawnLocked("demand")
		need -= p.cfg.Concurrency
	}
}

func (p *Pool) pickLocked() *worker {
	var best *worker
	for _, w := range p.workers {
		if !w.accepts(p.cfg.Concurrency) {
			continue
		}
		if best == nil || lessLoaded(w, best) {
			best = w
		}
	}
	return best
}

func (p *Pool) assignLocked(w *worker, c *pendingCall) {
	c.worker = w
	w.calls[c.id] = c
	w.inFlight++
	w.lifetime++
	p.inFlight++

	w.state = StateBusy
	if p.cfg.MaxTasksPerWorker > 0 && w.lifetime >= p.cfg.MaxTasksPerWorker {
		w.state = StateDraining
	}

	p.wg.Add(1)
	go p.run(w, c)
}

func (p *Pool) run(w *worker, c *pendingCall) {
	defer p.wg.Done()

	reply, err := w.proc.Remote().Call(context.Background(), c.method, c.body)
	if errors.Is(err, rpc.ErrConnectionLost) {
		err = fmt.Errorf("%w: %w", ErrWorkerDied, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := w.calls[c.id]; !ok {
		// already rejected when the worker died
		return
	}
	delete(w.calls, c.id)
	w.inFlight--
	p.inFlight--
	c.settle(reply, err)

	if w.inFlight == 0 {
		switch w.state {
		case StateBusy:
			w.state = StateReady
		case StateDraining:
			p.retireLocked(w)
		}
	}
	p.dispatchLocked()
}

func (p *Pool) retireLocked(w *worker) {
	p.log.Info().Str("worker", w.id).Int("calls", w.lifetime).Msg("retiring worker")
	metrics.WorkerEvents.WithLabelValues("retired").Inc()

	w.state = StateDead
	delete(p.workers, w.id)
	p.stopLocked(w)
	p.ensureMinLocked("replace")
}

func (p *Pool) stopLocked(w *worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := w.proc.Shutdown(context.Background()); err != nil {
			p.log.Warn().Err(err).Str("worker", w.id).Msg("worker shutdown failed")
		}
	}()
}

func (p *Pool) ensureMinLocked(reason string) {
	if p.closed || p.ctx.Err() != nil {
		return
	}
	for len(p.workers) < p.cfg.MinWorkers {
		p.spawnLocked(reason)
	}
}

// watch handles a worker process exiting on its own.
func (p *Pool) watch(w *worker) {
	defer p.wg.Done()
	<-w.proc.Exited()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w.state == StateDead {
		return
	}

	exitErr := w.proc.ExitErr()
	p.log.Error().Err(exitErr).Str("worker", w.id).Int("in_flight", w.inFlight).Msg("worker died")
	metrics.WorkerEvents.WithLabelValues("died").Inc()

	w.state = StateDead
	delete(p.workers, w.id)
	for id, c := range w.calls {
		delete(w.calls, id)
		c.settle(nil, fmt.Errorf("%w: worker %s exited: %v", ErrWorkerDied, w.id, exitErr))
		p.inFlight--
	}
	w.inFlight = 0

	p.ensureMinLocked("respawn")
	p.dispatchLocked()
}

func (p *Pool) dequeueLocked(c *pendingCall) {
	for i, q := range p.queue {
		if q == c {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}
