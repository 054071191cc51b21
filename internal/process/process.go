// Package process supervises a single child process and the RPC channel
// running over its IPC pipes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"mediaq/internal/rpc"

	"github.com/rs/zerolog"
)

var ErrHandshake = errors.New("process: handshake failed")

// Child is a spawned OS process with a structured message pipe attached.
type Child interface {
	Conn() io.ReadWriteCloser
	Pid() int
	// Terminate asks the child to exit.
	Terminate() error
	Kill() error
	// Wait blocks until the child exited. It may be called more than once.
	Wait() error
}

type ForkFunc func(ctx context.Context) (Child, error)

type Options struct {
	// Handlers are served to the child.
	Handlers rpc.Handlers
	// RequiredMethods must be reported by the child during the handshake.
	RequiredMethods  []string
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
}

func (o *Options) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

type ParentProcess struct {
	child   Child
	channel *rpc.Channel
	opts    Options
	log     zerolog.Logger

	mu       sync.Mutex
	stopping bool
	exitErr  error
	exited   chan struct{}
}

// Start forks a child, serves opts.Handlers to it and completes the
// handshake. The returned process is ready to receive calls.
func Start(ctx context.Context, fork ForkFunc, opts Options, logger zerolog.Logger) (*ParentProcess, error) {
	opts.defaults()

	child, err := fork(ctx)
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}

	logger = logger.With().Int("pid", child.Pid()).Logger()
	p := &ParentProcess{
		child:   child,
		channel: rpc.NewChannel(child.Conn(), opts.Handlers, logger),
		opts:    opts,
		log:     logger,
		exited:  make(chan struct{}),
	}

	go func() {
		if err := p.channel.Serve(ctx); err != nil {
			p.log.Warn().Err(err).Msg("child channel stopped")
		}
	}()
	go p.watch()

	if err := p.handshake(ctx); err != nil {
		p.log.Error().Err(err).Msg("child handshake failed")
		_ = p.Shutdown(context.Background())
		return nil, err
	}

	p.log.Debug().Msg("child ready")
	return p, nil
}

func (p *ParentProcess) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()

	methods, err := p.channel.Hello(hctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	for _, m := range p.opts.RequiredMethods {
		if !slices.Contains(methods, m) {
			return fmt.Errorf("%w: child does not serve %q", ErrHandshake, m)
		}
	}
	return nil
}

func (p *ParentProcess) watch() {
	err := p.child.Wait()
	_ = p.channel.Close()

	p.mu.Lock()
	p.exitErr = err
	unexpected := !p.stopping
	p.mu.Unlock()
	close(p.exited)

	if unexpected {
		p.log.Warn().Err(err).Msg("child exited unexpectedly")
	}
}

// Remote is the channel to the child's interface.
func (p *ParentProcess) Remote() *rpc.Channel { return p.channel }

func (p *ParentProcess) Pid() int { return p.child.Pid() }

// Exited is closed once the child process is gone.
func (p *ParentProcess) Exited() <-chan struct{} { return p.exited }

// ExitErr reports how the child exited. Only meaningful after Exited is closed.
func (p *ParentProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Unexpected reports whether the child exited without Shutdown being called.
func (p *ParentProcess) Unexpected() bool {
	select {
	case <-p.exited:
	default:
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopping
}

// Shutdown asks the child to terminate and kills it when it does not exit
// within the grace period or before ctx is done. Calls still pending on the
// channel are rejected with rpc.ErrConnectionLost.
func (p *ParentProcess) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.child.Terminate(); err != nil {
		p.log.Debug().Err(err).Msg("terminate request failed")
	}

	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-p.exited:
		return nil
	case <-grace.C:
		p.log.Warn().Dur("grace", p.opts.ShutdownGrace).Msg("child did not exit in time, killing")
	case <-ctx.Done():
		p.log.Warn().Msg("shutdown cancelled, killing child")
	}

	if err := p.child.Kill(); err != nil {
		return fmt.Errorf("kill child %d: %w", p.child.Pid(), err)
	}
	<-p.exited
	return nil
}
