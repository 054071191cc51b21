package pool

import (
	"time"

	"mediaq/internal/process"
)

type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type worker struct {
	id       string
	proc     *process.ParentProcess
	state    State
	inFlight int
	lifetime int
	calls    map[uint64]*pendingCall
	started  time.Time
}

// accepts reports whether the worker can take one more call.
func (w *worker) accepts(concurrency int) bool {
	if w.state != StateReady && w.state != StateBusy {
		return false
	}
	if w.inFlight >= concurrency {
		return false
	}
	// the channel closes before the exit is observed
	select {
	case <-w.proc.Remote().Done():
		return false
	default:
		return true
	}
}

// lessLoaded orders workers by in-flight calls, then by lifetime calls so
// work spreads evenly and retirements are staggered.
func lessLoaded(a, b *worker) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if a.lifetime != b.lifetime {
		return a.lifetime < b.lifetime
	}
	return a.started.Before(b.started)
}

type pendingCall struct {
	id       uint64
	method   string
	body     []byte
	enqueued time.Time
	worker   *worker

	settled bool
	reply   []byte
	err     error
	done    chan struct{}
}

// settle must be called with the pool lock held.
func (c *pendingCall) settle(reply []byte, err error) {
	if c.settled {
		return
	}
	c.settled = true
	c.reply, c.err = reply, err
	close(c.done)
}

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	ID       string `json:"id"`
	Pid      int    `json:"pid"`
	State    State  `json:"state"`
	InFlight int    `json:"in_flight"`
	Lifetime int    `json:"lifetime_calls"`
}

type Stats struct {
	Workers     []WorkerInfo `json:"workers"`
	Live        int          `json:"live"`
	Queued      int          `json:"queued"`
	InFlight    int          `json:"in_flight"`
	QueueLength int          `json:"queue_length"`
	Capacity    int          `json:"capacity"`
}
