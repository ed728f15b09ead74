// Package scheduler decides when an analysis pass runs for a session: at most one
// pass is in flight and at most one more is owed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrClosed = errors.New("scheduler: closed")

type State int

const (
	Idle State = iota
	Running
	RunningPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case RunningPending:
		return "running+pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RunFunc performs one pass. run is the pass identifier, strictly increasing.
type RunFunc func(ctx context.Context, run int64) error

// Scheduler coalesces triggers. A trigger while idle starts a pass; a trigger while a
// pass is in flight only marks a rerun, so any number of triggers during one pass
// cause exactly one more pass after it.
type Scheduler struct {
	ctx   context.Context
	run   RunFunc
	onErr func(run int64, err error)

	mu             sync.Mutex
	counter        int64
	isRunning      bool
	rerunRequested bool
	closed         bool
	idle           chan struct{}
}

// New returns an idle scheduler. Passes receive ctx; they are not cancelled when a
// newer trigger arrives. onErr sees every failed or panicking pass.
func New(ctx context.Context, run RunFunc, onErr func(run int64, err error)) *Scheduler {
	if onErr == nil {
		onErr = func(int64, error) {}
	}
	return &Scheduler{ctx: ctx, run: run, onErr: onErr}
}

// Request triggers a pass. It reports whether a new pass was started now; false with
// a nil error means a rerun is owed once the current pass completes.
func (s *Scheduler) Request() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.isRunning {
		s.rerunRequested = true
		return false, nil
	}
	s.isRunning = true
	s.counter++
	s.idle = make(chan struct{})
	go s.loop(s.counter, s.idle)
	return true, nil
}

func (s *Scheduler) loop(run int64, idle chan struct{}) {
	defer close(idle)
	for {
		s.execute(run)

		s.mu.Lock()
		if !s.rerunRequested || s.closed {
			s.isRunning = false
			s.rerunRequested = false
			s.mu.Unlock()
			return
		}
		s.rerunRequested = false
		s.counter++
		run = s.counter
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(run int64) {
	defer func() {
		if r := recover(); r != nil {
			s.onErr(run, fmt.Errorf("run %d panicked: %v", run, r))
		}
	}()
	if err := s.run(s.ctx, run); err != nil {
		s.onErr(run, fmt.Errorf("run %d: %w", run, err))
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.isRunning:
		return Idle
	case s.rerunRequested:
		return RunningPending
	default:
		return Running
	}
}

// LastRunID is the id of the most recently started pass, 0 before the first.
func (s *Scheduler) LastRunID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Close stops further passes, drops an owed rerun and waits for the pass in flight.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.rerunRequested = false
	running, idle := s.isRunning, s.idle
	s.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}
