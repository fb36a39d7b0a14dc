package session

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/socket-relay/backend/model"
)

var (
	ErrQueueFull        = errors.New("send queue is full")
	ErrConnectionClosed = errors.New("connection is closed")
)

// Sink accepts outbound frames for a single transport session.
type Sink interface {
	Send(model.Envelope) error
}

// Connection is a handle of one live transport session.
// Only the Registry creates and closes it.
type Connection struct {
	id          string
	transport   string
	connectedAt time.Time
	sink        Sink

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() string {
	return c.transport
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Done is closed when the connection is removed from the registry.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Send(env model.Envelope) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.sink.Send(env)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if q, ok := c.sink.(*Queue); ok {
			q.Close()
		}
	})
}

// Queue is a bounded non-blocking Sink drained by a transport writer.
type Queue struct {
	ch   chan model.Envelope
	done chan struct{}
	once sync.Once
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:   make(chan model.Envelope, size),
		done: make(chan struct{}),
	}
}

// Send never blocks: a full queue drops the frame.
func (q *Queue) Send(env model.Envelope) error {
	select {
	case <-q.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) C() <-chan model.Envelope {
	return q.ch
}

func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Drain returns everything queued right now without waiting.
func (q *Queue) Drain() []model.Envelope {
	var out []model.Envelope
	for {
		select {
		case env := <-q.ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

// Close discards pending frames. The data channel is never closed
// so late senders cannot panic.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.Drain()
	})
}
