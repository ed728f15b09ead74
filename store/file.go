package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionRecord is the session.json bundle written next to a session's rows.
type SessionRecord struct {
	SessionID string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"`
	Rows      int        `json:"rows"`
}

// FileStore writes one directory per session under root: session.json plus an
// append-only rows.jsonl.
type FileStore struct {
	root string

	mu   sync.Mutex
	seen map[string]map[int64]struct{}
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &FileStore{root: root, seen: map[string]map[int64]struct{}{}}, nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(f.root, "session_"+sessionID)
}

func writeJSON(path string, v any) error {
	tmp := path + ".tmp"
	fd, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(fd)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readRecord(path string) (SessionRecord, error) {
	var rec SessionRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	return rec, json.Unmarshal(data, &rec)
}

func (f *FileStore) OpenSession(_ context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := f.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}
	path := filepath.Join(dir, "session.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeJSON(path, SessionRecord{SessionID: sessionID, StartedAt: at, Status: "active"})
}

func (f *FileStore) CloseSession(_ context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.sessionDir(sessionID), "session.json")
	rec, err := readRecord(path)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	seen, err := f.seenLocked(sessionID)
	if err != nil {
		return err
	}
	rec.EndedAt = &at
	rec.Status = "closed"
	rec.Rows = len(seen)
	return writeJSON(path, rec)
}

// WriteBatch appends rows not already on disk; a batch may span sessions.
func (f *FileStore) WriteBatch(_ context.Context, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bySession := map[string][]Row{}
	var order []string
	for _, r := range rows {
		if _, ok := bySession[r.SessionID]; !ok {
			order = append(order, r.SessionID)
		}
		bySession[r.SessionID] = append(bySession[r.SessionID], r)
	}

	for _, sid := range order {
		seen, err := f.seenLocked(sid)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(f.sessionDir(sid), 0o755); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		fd, err := os.OpenFile(filepath.Join(f.sessionDir(sid), "rows.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		w := bufio.NewWriter(fd)
		enc := json.NewEncoder(w)
		var written []int64
		for _, r := range bySession[sid] {
			if _, dup := seen[r.Seq]; dup {
				continue
			}
			if err := enc.Encode(r); err != nil {
				fd.Close()
				return fmt.Errorf("encode row %s/%d: %w", sid, r.Seq, err)
			}
			written = append(written, r.Seq)
		}
		if err := w.Flush(); err != nil {
			fd.Close()
			return fmt.Errorf("write batch: %w", err)
		}
		if err := fd.Close(); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		for _, seq := range written {
			seen[seq] = struct{}{}
		}
	}
	return nil
}

// Rows reads back a session's rows in file order.
func (f *FileStore) Rows(sessionID string) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readRowsLocked(sessionID)
}

func (f *FileStore) readRowsLocked(sessionID string) ([]Row, error) {
	fd, err := os.Open(filepath.Join(f.sessionDir(sessionID), "rows.jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var out []Row
	sc := bufio.NewScanner(fd)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		var r Row
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

// seenLocked loads the set of stored sequence numbers for a session on first use.
func (f *FileStore) seenLocked(sessionID string) (map[int64]struct{}, error) {
	if s, ok := f.seen[sessionID]; ok {
		return s, nil
	}
	rows, err := f.readRowsLocked(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load rows %s: %w", sessionID, err)
	}
	s := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		s[r.Seq] = struct{}{}
	}
	f.seen[sessionID] = s
	return s, nil
}
