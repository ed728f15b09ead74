package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

// --- Transcription (/transcribe) ---
type ASRResp struct {
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
	Language string `json:"language,omitempty"`
}

// Transcribe uploads one flushed audio buffer as a multipart file.
func (h *HTTP) Transcribe(ctx context.Context, url string, audio []byte) (*ASRResp, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "chunk.webm")
	if err != nil {
		return nil, err
	}
	if _, err = fw.Write(audio); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/transcribe", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := h.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("asr", resp)
	}

	var out ASRResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("asr decode: %w", err)
	}
	return &out, nil
}

// Transcription binds the HTTP client to the transcription service URL.
type Transcription struct {
	h   *HTTP
	url string
}

func NewTranscription(h *HTTP, url string) *Transcription { return &Transcription{h: h, url: url} }

func (t *Transcription) Transcribe(ctx context.Context, audio []byte) (*ASRResp, error) {
	return t.h.Transcribe(ctx, t.url, audio)
}
