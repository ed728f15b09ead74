// Package server exposes sessions over a websocket and reports process health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/maastricht-university/callpulse/cache"
	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/pool"
	"github.com/maastricht-university/callpulse/session"
)

type Config struct {
	ReadLimit      int64
	WriteTimeout   time.Duration
	CloseTimeout   time.Duration
	OriginPatterns []string
	Version        string
}

type Server struct {
	cfg   Config
	reg   *session.Registry
	pool  *pool.Pool
	cache *cache.Cache
	log   *logrus.Entry
}

func New(c Config, reg *session.Registry, p *pool.Pool, rc *cache.Cache, log *logrus.Entry) *Server {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	return &Server{cfg: c, reg: reg, pool: p, cache: rc, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

type health struct {
	Status   string                      `json:"status"`
	Version  string                      `json:"version,omitempty"`
	Sessions int                         `json:"sessions"`
	Pool     map[pool.Class]pool.Metrics `json:"pool"`
	Cache    cache.Stats                 `json:"cache"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Version:  s.cfg.Version,
		Sessions: s.reg.Len(),
		Pool:     s.pool.Metrics(),
		Cache:    s.cache.Stats(),
	})
}

// handleWS owns one connection: a session is created on accept and closed, with
// a final persistence flush, when the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.WithError(err).Debug("websocket accept failed")
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	ctx := r.Context()
	sess, err := s.reg.Create(ctx)
	if err != nil {
		s.log.WithError(err).Error("create session")
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	log := s.log.WithField("session", sess.ID)

	wctx, cancelWrite := context.WithCancel(ctx)
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop(wctx, conn, sess.Outbox(), log)
	}()

	s.readLoop(ctx, conn, sess, log)

	if _, err := s.reg.Remove(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.WithError(err).Warn("remove session")
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	if err := sess.Close(closeCtx); err != nil {
		log.WithError(err).Warn("session close incomplete")
	}
	cancel()
	cancelWrite()
	<-written
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop feeds the session until the connection ends. Binary frames are audio;
// text frames are JSON events. Malformed messages are dropped.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, log *logrus.Entry) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("client disconnected")
			default:
				log.WithError(err).Info("connection lost")
			}
			return
		}
		if typ == websocket.MessageBinary {
			sess.HandleAudio(data)
			continue
		}
		in, err := event.Decode(data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		sess.Dispatch(in)
	}
}

// writeLoop is the only writer on conn. When the session closes its outbox the
// connection is closed too, which ends readLoop.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, out *event.Outbox, log *logrus.Entry) {
	for {
		select {
		case ev := <-out.C():
			if err := s.write(ctx, conn, ev); err != nil {
				log.WithError(err).Debug("write failed")
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-out.Done():
			for {
				select {
				case ev := <-out.C():
					if s.write(ctx, conn, ev) != nil {
						conn.Close(websocket.StatusGoingAway, "session closed")
						return
					}
				default:
					conn.Close(websocket.StatusGoingAway, "session closed")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev event.Out) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *logrus.Entry) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
