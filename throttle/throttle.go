// Package throttle coalesces incremental text fragments from a streaming
// collaborator into fewer, larger updates.
package throttle

import (
	"strings"
	"time"
)

type Kind string

const (
	KindStart Kind = "start"
	KindText  Kind = "delta"
	KindDone  Kind = "done"
)

type Delta struct {
	Kind Kind
	Text string
}

type Config struct {
	MinChars    int
	MinInterval time.Duration
}

// Throttler forwards buffered text once it is long enough or old enough.
// It is driven by a single stream and is not safe for concurrent use.
type Throttler struct {
	cfg  Config
	emit func(Delta)
	now  func() time.Time

	buf         strings.Builder
	lastForward time.Time
	forwarded   int
	done        bool
}

func New(cfg Config, emit func(Delta)) *Throttler {
	return &Throttler{cfg: cfg, emit: emit, now: time.Now}
}

// Start forwards the start marker immediately.
func (t *Throttler) Start() {
	t.lastForward = t.now()
	t.emit(Delta{Kind: KindStart})
}

// Fragment appends s and forwards the buffer when either threshold is met.
func (t *Throttler) Fragment(s string) {
	if t.done || s == "" {
		return
	}
	t.buf.WriteString(s)
	if t.buf.Len() >= t.cfg.MinChars || t.now().Sub(t.lastForward) >= t.cfg.MinInterval {
		t.forward()
	}
}

// Done forwards whatever is still buffered and then signals completion. Later calls
// are no-ops.
func (t *Throttler) Done() {
	if t.done {
		return
	}
	if t.buf.Len() > 0 {
		t.forward()
	}
	t.done = true
	t.emit(Delta{Kind: KindDone})
}

// Forwarded is the number of text deltas emitted so far.
func (t *Throttler) Forwarded() int { return t.forwarded }

func (t *Throttler) forward() {
	text := t.buf.String()
	t.buf.Reset()
	t.lastForward = t.now()
	t.forwarded++
	t.emit(Delta{Kind: KindText, Text: text})
}
