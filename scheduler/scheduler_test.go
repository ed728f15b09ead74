package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gate lets a test hold each pass open until released.
type gate struct {
	started chan int64
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan int64, 8), release: make(chan struct{})}
}

func (g *gate) run(ctx context.Context, run int64) error {
	g.started <- run
	<-g.release
	return nil
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
}

func TestTriggerDuringRunCausesExactlyOneRerun(t *testing.T) {
	g := newGate()
	s := New(context.Background(), g.run, nil)

	started, err := s.Request()
	require.NoError(t, err)
	require.True(t, started)
	assert.EqualValues(t, 1, <-g.started)
	assert.Equal(t, Running, s.State())

	for i := 0; i < 3; i++ {
		started, err = s.Request()
		require.NoError(t, err)
		assert.False(t, started)
	}
	assert.Equal(t, RunningPending, s.State())

	g.release <- struct{}{}
	assert.EqualValues(t, 2, <-g.started)
	assert.Equal(t, Running, s.State())

	g.release <- struct{}{}
	waitIdle(t, s)
	assert.EqualValues(t, 2, s.LastRunID())
	select {
	case id := <-g.started:
		t.Fatalf("unexpected run %d", id)
	default:
	}
}

func TestRunsNeverOverlap(t *testing.T) {
	var active, maxActive, runs atomic.Int64
	var mu sync.Mutex
	var ids []int64

	s := New(context.Background(), func(ctx context.Context, run int64) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		mu.Lock()
		ids = append(ids, run)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		runs.Add(1)
		active.Add(-1)
		return nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Request()
		}()
	}
	wg.Wait()
	waitIdle(t, s)

	assert.EqualValues(t, 1, maxActive.Load())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ids)
	for i, id := range ids {
		assert.EqualValues(t, i+1, id)
	}
	assert.Equal(t, int64(len(ids)), runs.Load())
}

func TestFailuresDoNotStopLaterRuns(t *testing.T) {
	var mu sync.Mutex
	var failed []int64
	var errs []error

	s := New(context.Background(), func(ctx context.Context, run int64) error {
		switch run {
		case 1:
			return errors.New("scoring down")
		case 2:
			panic("boom")
		}
		return nil
	}, func(run int64, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, run)
		errs = append(errs, err)
	})

	for i := 0; i < 3; i++ {
		started, err := s.Request()
		require.NoError(t, err)
		require.True(t, started)
		waitIdle(t, s)
	}

	assert.EqualValues(t, 3, s.LastRunID())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, failed)
	assert.Contains(t, errs[0].Error(), "scoring down")
	assert.Contains(t, errs[1].Error(), "panicked: boom")
}

func TestCloseWaitsAndDropsPendingRerun(t *testing.T) {
	g := newGate()
	s := New(context.Background(), g.run, nil)

	_, err := s.Request()
	require.NoError(t, err)
	<-g.started
	_, err = s.Request()
	require.NoError(t, err)
	require.Equal(t, RunningPending, s.State())

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	g.release <- struct{}{}
	require.NoError(t, <-closed)
	assert.Equal(t, Idle, s.State())
	assert.EqualValues(t, 1, s.LastRunID())

	_, err = s.Request()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursContext(t *testing.T) {
	g := newGate()
	s := New(context.Background(), g.run, nil)
	_, err := s.Request()
	require.NoError(t, err)
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.release <- struct{}{}
	waitIdle(t, s)
}

func TestCloseWhenIdle(t *testing.T) {
	s := New(context.Background(), func(context.Context, int64) error { return nil }, nil)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, "idle", s.State().String())
}
