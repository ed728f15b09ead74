package clients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// --- Scoring (/score, /score/stream) ---
type TaskSpec struct {
	Category     string `json:"category"`
	Instructions string `json:"instructions,omitempty"`
}
type ScoreItem struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Indicator   string   `json:"indicator,omitempty"`
	Probability float64  `json:"probability,omitempty"`
	Scripts     []string `json:"scripts,omitempty"`
}
type ScoreReq struct {
	View               string      `json:"view"`
	Task               TaskSpec    `json:"task"`
	CustomInstructions string      `json:"custom_instructions,omitempty"`
	Items              []ScoreItem `json:"items,omitempty"`
}
type ScoreResp struct {
	Score   *float64    `json:"score,omitempty"`
	Label   string      `json:"label,omitempty"`
	Summary string      `json:"summary,omitempty"`
	Items   []ScoreItem `json:"items,omitempty"`
}

// streamLine is one NDJSON line of /score/stream.
type streamLine struct {
	Delta  string     `json:"delta,omitempty"`
	Done   bool       `json:"done,omitempty"`
	Error  string     `json:"error,omitempty"`
	Result *ScoreResp `json:"result,omitempty"`
}

func (h *HTTP) Score(ctx context.Context, url string, in ScoreReq) (*ScoreResp, error) {
	var out ScoreResp
	if err := h.postJSON(ctx, "score", url+"/score", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScoreStream posts to /score/stream and calls onDelta for every text fragment in
// arrival order. It returns the result carried by the final done line.
func (h *HTTP) ScoreStream(ctx context.Context, url string, in ScoreReq, onDelta func(string)) (*ScoreResp, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("score stream encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/score/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("score stream", resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal(line, &sl); err != nil {
			return nil, fmt.Errorf("score stream decode: %w", err)
		}
		switch {
		case sl.Error != "":
			return nil, fmt.Errorf("score stream: %s", sl.Error)
		case sl.Done:
			if sl.Result == nil {
				return &ScoreResp{}, nil
			}
			return sl.Result, nil
		case sl.Delta != "" && onDelta != nil:
			onDelta(sl.Delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("score stream read: %w", err)
	}
	return nil, errors.New("score stream: closed before done")
}

// Scoring binds the HTTP client to the scoring service URL.
type Scoring struct {
	h   *HTTP
	url string
}

func NewScoring(h *HTTP, url string) *Scoring { return &Scoring{h: h, url: url} }

func (s *Scoring) Score(ctx context.Context, in ScoreReq) (*ScoreResp, error) {
	return s.h.Score(ctx, s.url, in)
}

func (s *Scoring) ScoreStream(ctx context.Context, in ScoreReq, onDelta func(string)) (*ScoreResp, error) {
	return s.h.ScoreStream(ctx, s.url, in, onDelta)
}
