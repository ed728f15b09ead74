// Package event defines the messages exchanged with a connected client and the
// per-session outbound channel that decouples producers from the transport.
package event

import (
	"encoding/json"
	"fmt"
)

type Type string

// Inbound.
const (
	TypeAudio      Type = "audio"
	TypeTranscript Type = "transcript"
	TypeSettings   Type = "settings"
	TypeAnalyze    Type = "analyze"
	TypeClear      Type = "clear"
	TypeAuth       Type = "auth"
)

// Outbound.
const (
	TypeSession         Type = "session"
	TypeTranscriptChunk Type = "transcript_chunk"
	TypePartial         Type = "analysis_partial"
	TypeFinal           Type = "analysis_final"
	TypeStream          Type = "analysis_stream"
	TypeScripts         Type = "analysis_scripts"
	TypeError           Type = "error"
)

// Settings carries admin-configurable parameters. Nil fields leave the current value.
type Settings struct {
	Weights      map[string]float64 `json:"weights,omitempty"`
	Instructions *string            `json:"instructions,omitempty"`
}

// In is any client message. Audio is base64 on the wire.
type In struct {
	Type     Type      `json:"type"`
	Audio    []byte    `json:"audio,omitempty"`
	Text     string    `json:"text,omitempty"`
	Speaker  string    `json:"speaker,omitempty"`
	IsFinal  bool      `json:"isFinal,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
	Token    string    `json:"token,omitempty"`
}

func Decode(b []byte) (In, error) {
	var in In
	if err := json.Unmarshal(b, &in); err != nil {
		return In{}, fmt.Errorf("decode event: %w", err)
	}
	if in.Type == "" {
		return In{}, fmt.Errorf("decode event: missing type")
	}
	return in, nil
}

// Out is any server message. Run-scoped types always carry RunID.
type Out struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Text      string          `json:"text,omitempty"`
	IsFinal   *bool           `json:"isFinal,omitempty"`
	Category  string          `json:"category,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RunID     *int64          `json:"runId,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      string          `json:"code,omitempty"`
}

// Error codes.
const (
	CodeAuth       = "auth_failed"
	CodeRun        = "run_failed"
	CodeTranscribe = "transcription_failed"
	CodeBadInput   = "bad_input"
)

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

func Session(id string) Out { return Out{Type: TypeSession, SessionID: id} }

func TranscriptChunk(text string, final bool) Out {
	return Out{Type: TypeTranscriptChunk, Text: text, IsFinal: &final}
}

func Partial(run int64, category string, data any) Out {
	return Out{Type: TypePartial, Category: category, Data: raw(data), RunID: &run}
}

func Final(run int64, data any) Out {
	return Out{Type: TypeFinal, Data: raw(data), RunID: &run}
}

func Stream(run int64, phase, text string) Out {
	return Out{Type: TypeStream, Phase: phase, Text: text, RunID: &run}
}

func Scripts(run int64, data any) Out {
	return Out{Type: TypeScripts, Data: raw(data), RunID: &run}
}

func Error(code, msg string) Out { return Out{Type: TypeError, Code: code, Message: msg} }

// RunError is an error tied to a run, so stale failures can be filtered like results.
func RunError(run int64, code, msg string) Out {
	return Out{Type: TypeError, Code: code, Message: msg, RunID: &run}
}
