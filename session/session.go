// Package session holds per-connection state and turns inbound client events into
// transcript updates, analysis runs and outbound events.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/callpulse/audiobuf"
	"github.com/maastricht-university/callpulse/clients"
	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/logging"
	"github.com/maastricht-university/callpulse/orchestrator"
	"github.com/maastricht-university/callpulse/persist"
	"github.com/maastricht-university/callpulse/scheduler"
	"github.com/maastricht-university/callpulse/store"
	"github.com/maastricht-university/callpulse/window"
)

type Analyzer interface {
	Run(ctx context.Context, in orchestrator.Input, emit orchestrator.Emitter) (*orchestrator.Combined, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*clients.ASRResp, error)
}

// Store is the durable side of every session.
type Store interface {
	OpenSession(ctx context.Context, sessionID string, at time.Time) error
	persist.Store
}

type Deps struct {
	Analyzer Analyzer
	// Transcriber may be nil; audio is then dropped.
	Transcriber Transcriber
	Store       Store
	Log         *logrus.Entry
}

type transcriptRow struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Source  string `json:"source"`
}

// Session handlers return quickly: collaborator calls run on tracked goroutines.
type Session struct {
	ID string

	opts Options
	deps Deps
	log  *logrus.Entry
	ctx  context.Context
	stop context.CancelFunc

	win   *window.Manager
	audio *audiobuf.Buffer
	sched *scheduler.Scheduler
	batch *persist.Batcher
	out   *event.Outbox

	audioQ chan []byte

	mu       sync.Mutex
	settings orchestrator.Settings
	authed   bool
	closing  bool

	bg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newSession(parent context.Context, id string, opts Options, deps Deps) *Session {
	ctx, stop := context.WithCancel(parent)
	if opts.TranscribeBacklog <= 0 {
		opts.TranscribeBacklog = 1
	}
	s := &Session{
		ID:       id,
		opts:     opts,
		deps:     deps,
		log:      logging.Session(deps.Log, id),
		ctx:      ctx,
		stop:     stop,
		win:      window.New(opts.Window),
		out:      event.NewOutbox(opts.OutboxSize),
		audioQ:   make(chan []byte, opts.TranscribeBacklog),
		settings: opts.Settings.Clone(),
		authed:   len(opts.Tokens) == 0,
	}
	s.audio = audiobuf.New(opts.Audio, s.queueAudio)
	s.sched = scheduler.New(ctx, s.run, s.runFailed)
	s.batch = persist.New(id, deps.Store, opts.Persist, deps.Log)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for buf := range s.audioQ {
			s.transcribe(buf)
		}
	}()
	return s
}

// Outbox is drained by the transport.
func (s *Session) Outbox() *event.Outbox { return s.out }

func (s *Session) Settings() orchestrator.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

func (s *Session) LastRunID() int64 { return s.sched.LastRunID() }

// spawn runs fn on a goroutine Close waits for. It refuses once Close has begun.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
	return true
}

// emit persists run results and forwards every event to the client.
func (s *Session) emit(ev event.Out) bool {
	switch ev.Type {
	case event.TypeFinal, event.TypeScripts:
		s.record(store.KindAnalysis, ev)
	}
	return s.out.Send(ev)
}

func (s *Session) record(kind store.Kind, payload any) {
	if _, err := s.batch.Enqueue(kind, payload); err != nil && !errors.Is(err, persist.ErrClosed) {
		s.log.WithError(err).Warn("persist enqueue failed")
	}
}

func (s *Session) run(ctx context.Context, run int64) error {
	in := orchestrator.Input{
		Run:      run,
		Primary:  s.win.ViewFor(window.Primary),
		Scripts:  s.win.ViewFor(window.Scripts),
		Settings: s.Settings(),
		Go:       func(fn func()) { s.spawn(fn) },
	}
	_, err := s.deps.Analyzer.Run(ctx, in, s.emit)
	return err
}

func (s *Session) runFailed(run int64, err error) {
	s.log.WithField("run", run).WithError(err).Error("analysis run failed")
	s.out.Send(event.RunError(run, event.CodeRun, "analysis failed"))
}

func (s *Session) request() {
	if _, err := s.sched.Request(); err != nil && !errors.Is(err, scheduler.ErrClosed) {
		s.log.WithError(err).Warn("analysis request rejected")
	}
}

// applySettings reports false when the change was refused for lack of auth.
func (s *Session) applySettings(st *event.Settings) bool {
	if st == nil {
		return true
	}
	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		s.out.Send(event.Error(event.CodeAuth, "settings require authentication"))
		return false
	}
	s.settings = s.settings.Apply(st.Weights, st.Instructions)
	s.mu.Unlock()
	return true
}

func (s *Session) HandleAudio(chunk []byte) {
	if buf, ok := s.audio.OnChunk(chunk); ok {
		s.queueAudio(buf)
	}
}

func (s *Session) queueAudio(buf []byte) {
	if s.deps.Transcriber == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	select {
	case s.audioQ <- buf:
	default:
		s.log.WithField("bytes", len(buf)).Warn("transcription backlog full, dropping audio")
	}
}

// transcribe retries a failed call once, immediately.
func (s *Session) transcribe(buf []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.TranscribeTimeout)
	defer cancel()

	res, err := s.deps.Transcriber.Transcribe(ctx, buf)
	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).Debug("transcription failed, retrying once")
		res, err = s.deps.Transcriber.Transcribe(ctx, buf)
	}
	if err != nil {
		s.log.WithError(err).WithField("bytes", len(buf)).Warn("transcription failed")
		s.out.Send(event.Error(event.CodeTranscribe, "transcription unavailable"))
		return
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	s.out.Send(event.TranscriptChunk(text, res.IsFinal))
	if res.IsFinal {
		s.commit(s.opts.AudioSpeaker, text, "audio")
	}
}

func (s *Session) commit(speaker, text, source string) {
	s.win.AppendUtterance(speaker, text)
	s.record(store.KindTranscript, transcriptRow{Speaker: speaker, Text: text, Source: source})
	if s.opts.AutoOnFinal {
		s.request()
	}
}

// HandleTranscript takes text the client transcribed itself. Only final text enters
// the window.
func (s *Session) HandleTranscript(text, speaker string, isFinal bool, st *event.Settings) {
	s.applySettings(st)
	text = strings.TrimSpace(text)
	if !isFinal || text == "" {
		return
	}
	s.commit(speaker, text, "client")
}

func (s *Session) HandleSettings(st *event.Settings) {
	if st == nil {
		s.out.Send(event.Error(event.CodeBadInput, "settings event without settings"))
		return
	}
	s.applySettings(st)
}

// Analyze triggers a run; while one is in flight it only marks a rerun.
func (s *Session) Analyze(st *event.Settings) {
	s.applySettings(st)
	s.request()
}

// Clear forgets the transcript history. Runs in flight keep the view they took.
func (s *Session) Clear() {
	s.win.Clear()
}

// Authenticate checks token against the configured set. Failure is reported to the
// client and leaves everything else untouched.
func (s *Session) Authenticate(token string) bool {
	ok := false
	for _, t := range s.opts.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			ok = true
		}
	}
	if len(s.opts.Tokens) == 0 {
		ok = true
	}
	if !ok {
		s.log.Warn("authentication failed")
		s.out.Send(event.Error(event.CodeAuth, "authentication failed"))
		return false
	}
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	return true
}

// Dispatch routes one decoded client event.
func (s *Session) Dispatch(in event.In) {
	switch in.Type {
	case event.TypeAudio:
		s.HandleAudio(in.Audio)
	case event.TypeTranscript:
		s.HandleTranscript(in.Text, in.Speaker, in.IsFinal, in.Settings)
	case event.TypeSettings:
		s.HandleSettings(in.Settings)
	case event.TypeAnalyze:
		s.Analyze(in.Settings)
	case event.TypeClear:
		s.Clear()
	case event.TypeAuth:
		s.Authenticate(in.Token)
	default:
		s.log.WithField("type", in.Type).Warn("ignoring unknown event type")
	}
}

// Close stops delivery, waits for the run in flight and all background work,
// transcribes leftover audio and flushes every queued row before writing the
// session-close record. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Session) close(ctx context.Context) error {
	start := time.Now()
	s.out.Close()

	var errs []error
	if err := s.sched.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	leftover := s.audio.Drain()
	s.mu.Lock()
	if len(leftover) > 0 && s.deps.Transcriber != nil {
		select {
		case s.audioQ <- leftover:
		default:
			s.log.WithField("bytes", len(leftover)).Warn("dropping leftover audio at close")
		}
	}
	s.closing = true
	close(s.audioQ)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("await background work: %w", ctx.Err()))
	}

	if err := s.batch.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stop()

	st := s.batch.Stats()
	s.log.WithFields(logrus.Fields{
		"runs":     s.sched.LastRunID(),
		"rows":     st.LastSeq,
		"failures": st.Failures,
		"sent":     s.out.Sent(),
		"dropped":  s.out.Dropped(),
		"took":     time.Since(start).Round(time.Millisecond),
	}).Info("session closed")
	return errors.Join(errs...)
}
