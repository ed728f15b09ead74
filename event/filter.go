package event

import "sync"

// RunFilter is the consumer-side staleness rule: a run-scoped message older than the
// newest run already observed is discarded. Messages without a run always pass.
type RunFilter struct {
	mu     sync.Mutex
	newest int64
}

func (f *RunFilter) Accept(ev Out) bool {
	if ev.RunID == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if *ev.RunID < f.newest {
		return false
	}
	f.newest = *ev.RunID
	return true
}

func (f *RunFilter) Newest() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newest
}
