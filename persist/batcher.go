// Package persist buffers a session's output rows and writes them to the durable
// store in batches, re-queueing a failed batch for the next trigger.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/callpulse/store"
)

var ErrClosed = errors.New("persist: batcher closed")

// Store is the durable side of a batcher.
type Store interface {
	WriteBatch(ctx context.Context, rows []store.Row) error
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
}

type Config struct {
	FlushRows     int
	FlushInterval time.Duration
	// WriteTimeout bounds each background flush; zero means no bound.
	WriteTimeout time.Duration
}

type Stats struct {
	Pending  int
	Flushes  int
	Failures int
	LastSeq  int64
}

// Batcher is owned by one session. Sequence numbers start at 1 and are never reused,
// including for rows that are re-queued after a failed write.
type Batcher struct {
	sessionID string
	st        Store
	cfg       Config
	log       *logrus.Entry
	now       func() time.Time
	after     func(time.Duration, func()) *time.Timer

	flushMu sync.Mutex // serialises writes so re-queued rows keep their order
	bg      sync.WaitGroup

	mu     sync.Mutex
	queue  []store.Row
	seq    int64
	timer  *time.Timer
	closed bool
	stats  Stats
}

func New(sessionID string, st Store, cfg Config, log *logrus.Entry) *Batcher {
	if cfg.FlushRows <= 0 {
		cfg.FlushRows = 1
	}
	return &Batcher{
		sessionID: sessionID,
		st:        st,
		cfg:       cfg,
		log:       log.WithField("session", sessionID),
		now:       time.Now,
		after:     time.AfterFunc,
	}
}

// Enqueue marshals payload into a row with the next sequence number. Reaching
// FlushRows triggers a flush; otherwise a single flush timer is armed.
func (b *Batcher) Enqueue(kind store.Kind, payload any) (store.Row, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.Row{}, fmt.Errorf("persist: marshal %s payload: %w", kind, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return store.Row{}, ErrClosed
	}
	b.seq++
	row := store.Row{SessionID: b.sessionID, Seq: b.seq, Kind: kind, Payload: data, CreatedAt: b.now()}
	b.queue = append(b.queue, row)
	full := len(b.queue) >= b.cfg.FlushRows
	if full {
		b.bg.Add(1)
	} else {
		b.armLocked()
	}
	b.mu.Unlock()

	if full {
		go func() {
			defer b.bg.Done()
			b.Flush(context.Background(), false)
		}()
	}
	return row, nil
}

func (b *Batcher) armLocked() {
	if b.timer != nil || b.closed {
		return
	}
	b.bg.Add(1)
	var t *time.Timer
	t = b.after(b.cfg.FlushInterval, func() {
		defer b.bg.Done()
		b.mu.Lock()
		// a flush already took the rows this timer was armed for
		stale := b.timer != t
		if !stale {
			b.timer = nil
		}
		b.mu.Unlock()
		if !stale {
			b.Flush(context.Background(), false)
		}
	})
	b.timer = t
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil && b.timer.Stop() {
		b.bg.Done()
	}
	b.timer = nil
}

// Flush writes every queued row in one batch. An unforced flush is skipped while
// another flush is in flight; a forced one waits for it. Failures are logged and
// the rows go back to the head of the queue.
func (b *Batcher) Flush(ctx context.Context, force bool) {
	_ = b.flush(ctx, force)
}

func (b *Batcher) flush(ctx context.Context, force bool) error {
	if force {
		b.flushMu.Lock()
	} else if !b.flushMu.TryLock() {
		// the flush in flight picks these rows up when it finishes
		return nil
	}
	err := b.write(ctx)
	b.flushMu.Unlock()

	b.mu.Lock()
	b.followUpLocked(err)
	b.mu.Unlock()
	return err
}

func (b *Batcher) write(ctx context.Context) error {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.stopTimerLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if b.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
	}
	err := b.st.WriteBatch(ctx, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Flushes++
	if err != nil {
		b.stats.Failures++
		b.queue = append(batch, b.queue...)
		b.log.WithError(err).WithFields(logrus.Fields{
			"rows":      len(batch),
			"first_seq": batch[0].Seq,
		}).Warn("persist flush failed, rows re-queued")
		return err
	}
	b.log.WithField("rows", len(batch)).Debug("persist flush")
	return nil
}

// followUpLocked handles rows that arrived while flushMu was held. After a failed
// write the rows wait for the timer so a broken store is not retried in a loop.
func (b *Batcher) followUpLocked(writeErr error) {
	if b.closed || len(b.queue) == 0 {
		return
	}
	if writeErr == nil && len(b.queue) >= b.cfg.FlushRows {
		b.stopTimerLocked()
		b.bg.Add(1)
		go func() {
			defer b.bg.Done()
			b.Flush(context.Background(), false)
		}()
		return
	}
	b.armLocked()
}

// Close stops further enqueues, waits for background flushes, writes everything
// still queued in one forced flush and records the session end.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	b.bg.Wait()
	flushErr := b.flush(ctx, true)
	if flushErr != nil {
		b.mu.Lock()
		lost := len(b.queue)
		b.mu.Unlock()
		b.log.WithField("rows", lost).Error("final persist flush failed")
	}
	closeErr := b.st.CloseSession(ctx, b.sessionID, b.now())
	return errors.Join(flushErr, closeErr)
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.queue)
	s.LastSeq = b.seq
	return s
}
