package event

import (
	"sync"
	"sync/atomic"
)

// Outbox is a session's outbound queue. Send blocks while the queue is full and
// returns false once the outbox is closed; the transport drains C until Done.
type Outbox struct {
	ch   chan Out
	done chan struct{}
	once sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{ch: make(chan Out, size), done: make(chan struct{})}
}

func (o *Outbox) Send(ev Out) bool {
	select {
	case <-o.done:
		o.dropped.Add(1)
		return false
	default:
	}
	select {
	case o.ch <- ev:
		o.sent.Add(1)
		return true
	case <-o.done:
		o.dropped.Add(1)
		return false
	}
}

// C is read by the single transport writer.
func (o *Outbox) C() <-chan Out { return o.ch }

func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close is idempotent. Events still queued are left for the writer to drain or drop.
func (o *Outbox) Close() { o.once.Do(func() { close(o.done) }) }

func (o *Outbox) Sent() int64    { return o.sent.Load() }
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }
