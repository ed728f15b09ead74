package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/maastricht-university/callpulse/audiobuf"
	"github.com/maastricht-university/callpulse/cache"
	"github.com/maastricht-university/callpulse/clients"
	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/logging"
	"github.com/maastricht-university/callpulse/orchestrator"
	"github.com/maastricht-university/callpulse/persist"
	"github.com/maastricht-university/callpulse/pool"
	"github.com/maastricht-university/callpulse/session"
	"github.com/maastricht-university/callpulse/store"
	"github.com/maastricht-university/callpulse/throttle"
	"github.com/maastricht-university/callpulse/window"
)

// fakeScoring answers every category with a fixed score and reports one objection.
func fakeScoring(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		var in clients.ScoreReq
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			return
		}
		if in.Task.Category == "objections" {
			fmt.Fprint(w, `{"score":35,"items":[{"id":"obj1","text":"Too expensive","indicator":"3"}]}`)
			return
		}
		fmt.Fprint(w, `{"score":64}`)
	})
	mux.HandleFunc("/score/stream", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"delta":"I hear you. "}`)
		fmt.Fprintln(w, `{"delta":"Let's look at ROI."}`)
		fmt.Fprintln(w, `{"done":true,"result":{"items":[{"id":"obj1","scripts":["I hear you. Let's look at ROI."]}]}}`)
	})
	return httptest.NewServer(mux)
}

type stack struct {
	ts  *httptest.Server
	reg *session.Registry
	st  *store.SQLite
}

func newStack(t *testing.T) *stack {
	t.Helper()
	scoring := fakeScoring(t)
	t.Cleanup(scoring.Close)

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := pool.New(map[pool.Class]int{pool.Main: 4, pool.Aux: 1})
	rc := cache.New(16)
	sc := clients.NewScoring(clients.NewHTTP(), scoring.URL)
	orch := orchestrator.New(orchestrator.Config{
		TaskTimeout: 2 * time.Second,
		Stream:      throttle.Config{MinChars: 1},
	}, p.Scorer(pool.Main, sc), p.Scorer(pool.Aux, sc), rc, logging.Discard())

	reg := session.NewRegistry(context.Background(), session.Options{
		Window: window.Config{MaxEntries: 50, Lookahead: 10, Limits: map[window.Consumer]window.Limits{
			window.Primary: {MaxLines: 20, MaxChars: 2000},
			window.Scripts: {MaxLines: 5, MaxChars: 500},
		}},
		Audio:       audiobuf.Config{FlushInterval: time.Hour, MaxPendingBytes: 1 << 20, MaxPendingAge: time.Hour},
		Persist:     persist.Config{FlushRows: 100, FlushInterval: time.Hour},
		OutboxSize:  64,
		AutoOnFinal: true,
	}, session.Deps{Analyzer: orch, Store: st, Log: logging.Discard()})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })

	srv := New(Config{ReadLimit: 1 << 20, Version: "test"}, reg, p, rc, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &stack{ts: ts, reg: reg, st: st}
}

func (s *stack) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func read(t *testing.T, ctx context.Context, c *websocket.Conn) event.Out {
	t.Helper()
	_, b, err := c.Read(ctx)
	require.NoError(t, err)
	var ev event.Out
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func TestSessionOverWebsocket(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := s.dial(t, ctx)
	hello := read(t, ctx, c)
	require.Equal(t, event.TypeSession, hello.Type)
	require.NotEmpty(t, hello.SessionID)
	assert.Equal(t, 1, s.reg.Len())

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":`)))
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"nonsense"}`)))
	require.NoError(t, c.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"transcript","text":"It's too expensive for us","speaker":"Prospect","isFinal":true}`)))

	var partials int
	var final, scripts *event.Out
	var phases []string
	for final == nil || scripts == nil {
		ev := read(t, ctx, c)
		if ev.RunID != nil {
			assert.EqualValues(t, 1, *ev.RunID)
		}
		switch ev.Type {
		case event.TypePartial:
			assert.Nil(t, final, "partial after final")
			partials++
		case event.TypeFinal:
			final = &ev
		case event.TypeStream:
			phases = append(phases, ev.Phase)
		case event.TypeScripts:
			scripts = &ev
		}
	}
	assert.Equal(t, len(orchestrator.Independent), partials)
	require.NotEmpty(t, phases)
	assert.Equal(t, "start", phases[0])
	assert.Equal(t, "done", phases[len(phases)-1])

	var combined orchestrator.Combined
	require.NoError(t, json.Unmarshal(final.Data, &combined))
	assert.Equal(t, 64.0, combined.Sentiment.Score)
	require.Len(t, combined.Objections.Items, 1)

	var res orchestrator.ScriptsResult
	require.NoError(t, json.Unmarshal(scripts.Data, &res))
	require.Len(t, res.Scripts, 1)
	assert.Equal(t, "obj1_1", res.Scripts[0].ID)
	assert.Equal(t, "I hear you. Let's look at ROI.", res.Scripts[0].Text)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return s.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, err := s.st.SessionStatus(context.Background(), hello.SessionID)
		return err == nil && status == "closed"
	}, 2*time.Second, 10*time.Millisecond)

	rows, err := s.st.Rows(context.Background(), hello.SessionID)
	require.NoError(t, err)
	kinds := make([]store.Kind, len(rows))
	for i, r := range rows {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []store.Kind{store.KindTranscript, store.KindAnalysis, store.KindAnalysis}, kinds)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := s.dial(t, ctx)
	read(t, ctx, c)

	require.NoError(t, s.reg.CloseAll(ctx))
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestHealth(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, 0, h.Sessions)
	assert.EqualValues(t, 4, h.Pool[pool.Main].Limit)
	assert.EqualValues(t, 1, h.Pool[pool.Aux].Limit)

	post, err := http.Post(s.ts.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}
