// Package audiobuf accumulates inbound audio frames and decides when the pending
// bytes are handed to transcription.
package audiobuf

import (
	"sync"
	"time"
)

type Config struct {
	// FlushInterval is the longest gap between flushes while audio keeps arriving.
	FlushInterval time.Duration
	// MaxPendingBytes bounds memory: reaching it flushes.
	MaxPendingBytes int
	// MaxPendingAge bounds latency of the oldest unflushed byte.
	MaxPendingAge time.Duration
	// FlushFirstChunk flushes the very first chunk of a session immediately.
	FlushFirstChunk bool
}

// Buffer is safe for concurrent use. Chunk-driven flushes are returned from OnChunk;
// age-driven flushes with no further input go to the expiry handler.
type Buffer struct {
	cfg      Config
	now      func() time.Time
	after    func(time.Duration, func()) *time.Timer
	onExpire func([]byte)

	mu        sync.Mutex
	pending   []byte
	oldest    time.Time
	created   time.Time
	lastFlush time.Time
	flushed   bool
	closed    bool
	timer     *time.Timer
	gen       uint64
}

func New(cfg Config, onExpire func([]byte)) *Buffer {
	b := &Buffer{
		cfg:      cfg,
		now:      time.Now,
		after:    time.AfterFunc,
		onExpire: onExpire,
	}
	b.created = b.now()
	return b
}

// OnChunk appends chunk and evaluates the flush policy. It returns the whole pending
// buffer and true on flush, or nil and false when there is nothing to report yet.
// A chunk is never split: an oversized chunk flushes together with what was pending.
func (b *Buffer) OnChunk(chunk []byte) ([]byte, bool) {
	if len(chunk) == 0 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}

	now := b.now()
	if len(b.pending) == 0 {
		b.oldest = now
	}
	b.pending = append(b.pending, chunk...)

	if b.shouldFlush(now) {
		return b.takeLocked(now), true
	}
	b.armLocked(now)
	return nil, false
}

func (b *Buffer) shouldFlush(now time.Time) bool {
	since := b.lastFlush
	if !b.flushed {
		if b.cfg.FlushFirstChunk {
			return true
		}
		since = b.created
	}
	switch {
	case b.cfg.FlushInterval > 0 && now.Sub(since) >= b.cfg.FlushInterval:
		return true
	case len(b.pending) >= b.cfg.MaxPendingBytes:
		return true
	case now.Sub(b.oldest) >= b.cfg.MaxPendingAge:
		return true
	}
	return false
}

func (b *Buffer) takeLocked(now time.Time) []byte {
	data := b.pending
	b.pending = nil
	b.lastFlush = now
	b.flushed = true
	b.stopTimerLocked()
	return data
}

// armLocked schedules an age flush for the current oldest byte unless one is pending.
func (b *Buffer) armLocked(now time.Time) {
	if b.timer != nil || b.onExpire == nil {
		return
	}
	wait := b.oldest.Add(b.cfg.MaxPendingAge).Sub(now)
	if wait < 0 {
		wait = 0
	}
	gen := b.gen
	b.timer = b.after(wait, func() { b.expire(gen) })
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *Buffer) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.closed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	data := b.takeLocked(b.now())
	b.mu.Unlock()
	b.onExpire(data)
}

// Pending reports the number of unflushed bytes.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drain closes the buffer and returns whatever was still pending.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	data := b.takeLocked(b.now())
	b.closed = true
	return data
}
