package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/orchestrator"
)

var ErrNotFound = errors.New("session: not found")

// Registry owns every live session of the process.
type Registry struct {
	deps Deps
	base context.Context

	mu       sync.Mutex
	opts     Options
	sessions map[string]*Session
}

// NewRegistry creates sessions whose background work is bound to base.
func NewRegistry(base context.Context, opts Options, deps Deps) *Registry {
	return &Registry{deps: deps, base: base, opts: opts, sessions: map[string]*Session{}}
}

// Create writes the session-open record, registers the session and queues the
// session event for the client.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	if err := r.deps.Store.OpenSession(ctx, id, time.Now()); err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}

	r.mu.Lock()
	s := newSession(r.base, id, r.opts, r.deps)
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	s.out.Send(event.Session(id))
	s.log.WithField("sessions", n).Info("session opened")
	return s, nil
}

func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Remove unregisters a session without closing it.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UpdateSettings changes the admin defaults for sessions created from now on.
func (r *Registry) UpdateSettings(st orchestrator.Settings) {
	r.mu.Lock()
	r.opts.Settings = st.Clone()
	r.mu.Unlock()
}

// CloseAll removes and closes every session concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
