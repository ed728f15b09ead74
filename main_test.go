package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/callpulse/cache"
	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/orchestrator"
)

func TestSplitSpeaker(t *testing.T) {
	for _, tt := range []struct {
		in, speaker, text string
	}{
		{"Prospect: too expensive", "Prospect", "too expensive"},
		{"no speaker here", "", "no speaker here"},
		{"Rep:  ratio: 3:1 ", "Rep", "ratio: 3:1"},
	} {
		speaker, text := splitSpeaker(tt.in)
		assert.Equal(t, tt.speaker, speaker, tt.in)
		assert.Equal(t, tt.text, text, tt.in)
	}
}

func TestRender(t *testing.T) {
	combined := orchestrator.Combine([]orchestrator.Result{
		{Category: orchestrator.Sentiment, Score: 80, Label: "positive", Items: []orchestrator.Item{}},
	}, nil)

	for _, tt := range []struct {
		name string
		ev   event.Out
		want []string
	}{
		{"session", event.Session("abc"), []string{"session abc"}},
		{"provisional", event.TranscriptChunk("can I", false), []string{"can I"}},
		{"partial", event.Partial(2, "objections", orchestrator.Result{
			Score: 30, Label: "negative", Items: []orchestrator.Item{{ID: "obj1", Text: "too pricey"}},
		}), []string{"[run 2]", "objections", "30", "obj1 too pricey"}},
		{"final", event.Final(2, combined), []string{"overall", "54.3", "degraded: buying_signals"}},
		{"scripts", event.Scripts(3, orchestrator.ScriptsResult{Scripts: []cache.Script{
			{ID: "obj4_1", Text: "Totally fair.", Cached: true},
		}}), []string{"[run 3]", "obj4_1 (cached): Totally fair."}},
		{"error", event.Error(event.CodeAuth, "nope"), []string{"auth_failed: nope"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := render(tt.ev)
			for _, w := range tt.want {
				assert.Contains(t, got, w)
			}
		})
	}

	assert.Empty(t, render(event.Stream(1, "start", "")))
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  name: pulse-test\npool:\n  main: 3\n  aux: 1\n"), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	require.NoError(t, rootCmd.Execute())

	s := out.String()
	assert.True(t, strings.Contains(s, "name: pulse-test"), s)
	assert.Contains(t, s, "main: 3")
	assert.Contains(t, s, "driver: sqlite")
}
