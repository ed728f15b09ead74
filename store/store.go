// Package store holds the durable backends that receive batched analysis rows.
// Every backend must ignore rows whose (session, seq) key it has already stored.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cfg "github.com/maastricht-university/callpulse/config"
)

type Kind string

const (
	KindAnalysis   Kind = "analysis"
	KindTranscript Kind = "transcript"
)

// Row is one persisted output. (SessionID, Seq) is the idempotency key.
type Row struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Backend is what the server wires into sessions.
type Backend interface {
	OpenSession(ctx context.Context, sessionID string, at time.Time) error
	WriteBatch(ctx context.Context, rows []Row) error
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
	Close() error
}

// Open picks the backend named in config.
func Open(c cfg.Persist) (Backend, error) {
	switch c.Driver {
	case "sqlite":
		return OpenSQLite(c.DSN)
	case "file":
		return NewFileStore(c.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", c.Driver)
	}
}
