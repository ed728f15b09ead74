// Package pool limits how many calls to an external collaborator may be in flight
// at once, process-wide, per resource class.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

type Class string

const (
	// Main carries the independent scoring tasks.
	Main Class = "main"
	// Aux carries dependent generation and other auxiliary calls.
	Aux Class = "aux"
)

type slots struct {
	limit int64
	sem   *semaphore.Weighted

	inFlight  atomic.Int64
	waiting   atomic.Int64
	calls     atomic.Int64
	waitNanos atomic.Int64
}

// Pool holds one FIFO counting semaphore per class.
type Pool struct {
	classes map[Class]*slots
}

func New(limits map[Class]int) *Pool {
	p := &Pool{classes: make(map[Class]*slots, len(limits))}
	for c, n := range limits {
		if n <= 0 {
			n = 1
		}
		p.classes[c] = &slots{limit: int64(n), sem: semaphore.NewWeighted(int64(n))}
	}
	return p
}

// Do runs fn while holding one slot of class. Waiters are served in arrival order.
// The slot is released when fn returns, whether it failed or not.
func (p *Pool) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	s, ok := p.classes[class]
	if !ok {
		return fmt.Errorf("pool: unknown class %q", class)
	}

	start := time.Now()
	s.waiting.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("pool: acquire %s slot: %w", class, err)
	}
	s.waitNanos.Add(int64(time.Since(start)))
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.calls.Add(1)
		s.sem.Release(1)
	}()

	return fn(ctx)
}

type Metrics struct {
	Limit    int64         `json:"limit"`
	InFlight int64         `json:"inFlight"`
	Waiting  int64         `json:"waiting"`
	Calls    int64         `json:"calls"`
	AvgWait  time.Duration `json:"avgWaitNs"`
}

func (m Metrics) String() string {
	return fmt.Sprintf("slots=%d/%d, waiting=%d, calls=%d, avg_wait=%v",
		m.InFlight, m.Limit, m.Waiting, m.Calls, m.AvgWait)
}

func (p *Pool) Metrics() map[Class]Metrics {
	out := make(map[Class]Metrics, len(p.classes))
	for c, s := range p.classes {
		m := Metrics{
			Limit:    s.limit,
			InFlight: s.inFlight.Load(),
			Waiting:  s.waiting.Load(),
			Calls:    s.calls.Load(),
		}
		if m.Calls > 0 {
			m.AvgWait = time.Duration(s.waitNanos.Load() / m.Calls)
		}
		out[c] = m
	}
	return out
}
