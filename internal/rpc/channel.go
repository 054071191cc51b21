// Package rpc implements a correlation-id based request/response protocol
// over a single bidirectional stream. Either end of the stream may call
// methods registered on the other one, and calls may be pipelined.
package rpc

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// HelloMethod is answered by every Channel with the sorted names of its
// registered methods. It is used as the connection handshake.
const HelloMethod = "rpc.hello"

var (
	ErrConnectionLost = errors.New("rpc: connection lost")
	ErrUnknownMethod  = errors.New("rpc: unknown method")
	ErrDraining       = errors.New("rpc: channel is draining")
)

// RemoteError is returned when the peer's handler failed.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

type HandlerFunc func(ctx context.Context, body []byte) ([]byte, error)

// Handlers maps method names to the local functions exposed to the peer.
type Handlers map[string]HandlerFunc

// Call is an outstanding invocation. Done is closed once the reply
// arrived or the connection was lost.
type Call struct {
	ID     uint64
	Method string

	reply []byte
	err   error
	done  chan struct{}
}

func newCall(method string) *Call {
	return &Call{Method: method, done: make(chan struct{})}
}

func (c *Call) finish(reply []byte, err error) {
	c.reply, c.err = reply, err
	close(c.done)
}

func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the reply of a finished call. It must only be used after Done is closed.
func (c *Call) Result() ([]byte, error) { return c.reply, c.err }

// Wait blocks until the call finishes or ctx is done. Giving up on a call
// does not cancel it on the remote side.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Channel struct {
	conn     io.ReadWriteCloser
	handlers Handlers
	log      zerolog.Logger

	wmu sync.Mutex
	enc *gob.Encoder

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]*Call
	closed   bool
	draining bool
	active   sync.WaitGroup
	done     chan struct{}
}

func NewChannel(conn io.ReadWriteCloser, handlers Handlers, logger zerolog.Logger) *Channel {
	if handlers == nil {
		handlers = Handlers{}
	}
	return &Channel{
		conn:     conn,
		handlers: handlers,
		log:      logger,
		enc:      gob.NewEncoder(conn),
		pending:  make(map[uint64]*Call),
		done:     make(chan struct{}),
	}
}

// Serve reads messages until the stream fails or is closed. Inbound calls
// run on their own goroutines with ctx. When Serve returns every pending
// outbound call has been rejected with ErrConnectionLost.
func (c *Channel) Serve(ctx context.Context) error {
	dec := gob.NewDecoder(c.conn)
	var err error
	for {
		var msg message
		if err = dec.Decode(&msg); err != nil {
			break
		}
		switch msg.Kind {
		case kindCall:
			c.mu.Lock()
			if c.draining {
				c.mu.Unlock()
				go c.reply(msg.ID, msg.Method, nil, ErrDraining)
				continue
			}
			c.active.Add(1)
			c.mu.Unlock()
			go c.dispatch(ctx, msg)
		case kindResult:
			if call := c.take(msg.ID); call != nil {
				call.finish(msg.Body, nil)
			}
		case kindError:
			if call := c.take(msg.ID); call != nil {
				call.finish(nil, &RemoteError{Method: call.Method, Message: msg.Err})
			}
		default:
			c.log.Warn().Uint8("kind", uint8(msg.Kind)).Msg("dropping message of unknown kind")
		}
	}

	c.mu.Lock()
	closing := c.closed
	c.mu.Unlock()
	c.shutdown()
	if closing || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return fmt.Errorf("rpc: read: %w", err)
}

// Go sends a call and returns without waiting for the reply.
func (c *Channel) Go(method string, body []byte) *Call {
	call := newCall(method)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.finish(nil, ErrConnectionLost)
		return call
	}
	c.seq++
	call.ID = c.seq
	c.pending[call.ID] = call
	c.mu.Unlock()

	if err := c.send(&message{Kind: kindCall, ID: call.ID, Method: method, Body: body}); err != nil {
		if c.take(call.ID) != nil {
			call.finish(nil, fmt.Errorf("%w: %v", ErrConnectionLost, err))
		}
	}
	return call
}

// Call implements Caller.
func (c *Channel) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	return c.Go(method, body).Wait(ctx)
}

// Hello performs the handshake and returns the methods the peer serves.
func (c *Channel) Hello(ctx context.Context) ([]string, error) {
	return Invoke[Void, []string](ctx, c, HelloMethod, Void{})
}

// Pending returns the number of outbound calls waiting for a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the channel stopped serving.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Drain rejects further inbound calls and waits until the running handlers replied.
func (c *Channel) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		c.active.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying stream and rejects pending calls.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	c.shutdown()
	return err
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	close(c.done)
	c.mu.Unlock()

	for _, call := range pending {
		call.finish(nil, ErrConnectionLost)
	}
}

func (c *Channel) take(id uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Channel) send(msg *message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(msg)
}

func (c *Channel) dispatch(ctx context.Context, msg message) {
	defer c.active.Done()
	body, err := c.invoke(ctx, msg)
	c.reply(msg.ID, msg.Method, body, err)
}

func (c *Channel) reply(id uint64, method string, body []byte, err error) {
	out := &message{Kind: kindResult, ID: id, Body: body}
	if err != nil {
		out = &message{Kind: kindError, ID: id, Err: err.Error()}
	}
	if sendErr := c.send(out); sendErr != nil {
		c.log.Debug().Err(sendErr).Str("method", method).Uint64("call_id", id).Msg("reply not delivered")
	}
}

func (c *Channel) invoke(ctx context.Context, msg message) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", msg.Method).Msg("handler panicked")
			err = fmt.Errorf("panic in %s: %v", msg.Method, r)
		}
	}()

	if msg.Method == HelloMethod {
		return Encode(c.methods())
	}
	h, ok := c.handlers[msg.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Method)
	}
	return h(ctx, msg.Body)
}

func (c *Channel) methods() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
