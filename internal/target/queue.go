package target

import (
	"context"
	"errors"
	"time"

	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/protocol"
)

// DefaultQueueSize bounds the commands waiting behind the one in flight.
const DefaultQueueSize = 16

var ErrQueueFull = errors.New("command queue full")

// PendingCommand is one hardware command waiting for the machine. Respond is
// called exactly once, by the consumer, before the next command starts.
type PendingCommand struct {
	Command   protocol.Type
	Duration  time.Duration
	RequestID string
	Respond   func(ActionResult)
}

// Queue is the ordered hand-off from connection handlers to the single
// hardware consumer.
type Queue struct {
	ch      chan PendingCommand
	metrics *metrics.Target
}

func NewQueue(size int, m *metrics.Target) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan PendingCommand, size), metrics: m}
}

// Push enqueues cmd without blocking. It fails with ErrQueueFull when the
// queue is at capacity.
func (q *Queue) Push(cmd PendingCommand) error {
	select {
	case q.ch <- cmd:
		q.metrics.SetQueueDepth(len(q.ch))
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop blocks until a command is available or ctx ends.
func (q *Queue) Pop(ctx context.Context) (PendingCommand, bool) {
	select {
	case cmd := <-q.ch:
		q.metrics.SetQueueDepth(len(q.ch))
		return cmd, true
	case <-ctx.Done():
		return PendingCommand{}, false
	}
}

// TryPop returns a queued command if one is immediately available.
func (q *Queue) TryPop() (PendingCommand, bool) {
	select {
	case cmd := <-q.ch:
		q.metrics.SetQueueDepth(len(q.ch))
		return cmd, true
	default:
		return PendingCommand{}, false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
