package session

import (
	"time"

	"github.com/maastricht-university/callpulse/audiobuf"
	cfg "github.com/maastricht-university/callpulse/config"
	"github.com/maastricht-university/callpulse/orchestrator"
	"github.com/maastricht-university/callpulse/persist"
	"github.com/maastricht-university/callpulse/window"
)

type Options struct {
	Window  window.Config
	Audio   audiobuf.Config
	Persist persist.Config

	OutboxSize        int
	TranscribeTimeout time.Duration
	// TranscribeBacklog bounds flushed audio buffers waiting for transcription.
	TranscribeBacklog int
	AudioSpeaker      string
	AutoOnFinal       bool
	// Tokens enables auth when non-empty: settings changes need a valid token.
	Tokens   []string
	Settings orchestrator.Settings
}

func OptionsFromConfig(c *cfg.Root) Options {
	return Options{
		Window: window.Config{
			MaxEntries: c.Context.MaxEntries,
			Lookahead:  c.Context.BoundaryLookahead,
			Limits: map[window.Consumer]window.Limits{
				window.Primary: {MaxLines: c.Context.Primary.MaxLines, MaxChars: c.Context.Primary.MaxChars},
				window.Scripts: {MaxLines: c.Context.Scripts.MaxLines, MaxChars: c.Context.Scripts.MaxChars},
			},
		},
		Audio: audiobuf.Config{
			FlushInterval:   cfg.DurMillis(c.Audio.FlushIntervalMs),
			MaxPendingBytes: c.Audio.MaxPendingBytes,
			MaxPendingAge:   cfg.DurMillis(c.Audio.MaxPendingAgeMs),
			FlushFirstChunk: c.Audio.FlushFirstChunk,
		},
		Persist: persist.Config{
			FlushRows:     c.Persist.FlushRows,
			FlushInterval: cfg.DurMillis(c.Persist.FlushIntervalMs),
			WriteTimeout:  10 * time.Second,
		},
		OutboxSize:        c.Server.OutboxSize,
		TranscribeTimeout: cfg.DurMillis(c.Services.Transcription.TimeoutMs),
		TranscribeBacklog: 16,
		AudioSpeaker:      c.Analysis.AudioSpeaker,
		AutoOnFinal:       c.Analysis.AutoOnFinal,
		Tokens:            append([]string(nil), c.Auth.Tokens...),
		Settings:          SettingsFromConfig(c),
	}
}

// SettingsFromConfig is the admin default applied to new sessions.
func SettingsFromConfig(c *cfg.Root) orchestrator.Settings {
	return orchestrator.Settings{Instructions: c.Analysis.Instructions}.Apply(c.Analysis.Weights, nil)
}
