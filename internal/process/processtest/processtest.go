// Package processtest provides in-process fake children for tests of code
// built on process.ForkFunc. Each fake child serves its handlers over a
// net.Pipe instead of OS pipes.
package processtest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"mediaq/internal/process"
	"mediaq/internal/rpc"

	"github.com/rs/zerolog"
)

var (
	ErrKilled  = errors.New("signal: killed")
	ErrCrashed = errors.New("exit status 2")
)

type Child struct {
	pid     int
	parent  net.Conn
	conn    net.Conn
	channel *rpc.Channel
	cancel  context.CancelFunc

	ignoreTerminate bool
	terminated      atomic.Bool

	once sync.Once
	err  error
	done chan struct{}
}

func (c *Child) Conn() io.ReadWriteCloser { return c.parent }

func (c *Child) Pid() int { return c.pid }

// Terminate lets in-flight handlers reply, then exits cleanly.
func (c *Child) Terminate() error {
	c.terminated.Store(true)
	if c.ignoreTerminate {
		return nil
	}
	go func() {
		_ = c.channel.Drain(context.Background())
		c.exit(nil)
	}()
	return nil
}

func (c *Child) Kill() error {
	c.exit(ErrKilled)
	return nil
}

// Crash makes the child exit abnormally without replying to anything.
func (c *Child) Crash() { c.exit(ErrCrashed) }

func (c *Child) Wait() error {
	<-c.done
	return c.err
}

// Terminated reports whether Terminate was requested.
func (c *Child) Terminated() bool { return c.terminated.Load() }

// Exited reports whether the child is gone.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Channel is the child's side of the connection, used to call the parent.
func (c *Child) Channel() *rpc.Channel { return c.channel }

func (c *Child) exit(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		_ = c.conn.Close()
		close(c.done)
	})
}

// Factory forks fake children.
type Factory struct {
	// Handlers builds the methods served by a new child.
	Handlers func(child *Child) rpc.Handlers
	// ForkErr, when it returns an error, makes the n-th fork (1-based) fail.
	ForkErr func(n int) error
	// IgnoreTerminate makes children ignore Terminate so only Kill stops them.
	IgnoreTerminate bool

	mu       sync.Mutex
	forks    int
	children []*Child
}

var _ process.ForkFunc = (&Factory{}).Fork

func (f *Factory) Fork(ctx context.Context) (process.Child, error) {
	f.mu.Lock()
	f.forks++
	n := f.forks
	f.mu.Unlock()

	if f.ForkErr != nil {
		if err := f.ForkErr(n); err != nil {
			return nil, err
		}
	}

	parent, conn := net.Pipe()
	cctx, cancel := context.WithCancel(context.Background())
	c := &Child{
		pid:             1000 + n,
		parent:          parent,
		conn:            conn,
		cancel:          cancel,
		ignoreTerminate: f.IgnoreTerminate,
		done:            make(chan struct{}),
	}
	var handlers rpc.Handlers
	if f.Handlers != nil {
		handlers = f.Handlers(c)
	}
	c.channel = rpc.NewChannel(conn, handlers, zerolog.Nop())
	go func() {
		_ = c.channel.Serve(cctx)
		// the parent hung up
		c.exit(nil)
	}()

	f.mu.Lock()
	f.children = append(f.children, c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Forks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forks
}

func (f *Factory) Children() []*Child {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Child(nil), f.children...)
}

// Alive returns the children that have not exited.
func (f *Factory) Alive() []*Child {
	var alive []*Child
	for _, c := range f.Children() {
		if !c.Exited() {
			alive = append(alive, c)
		}
	}
	return alive
}
