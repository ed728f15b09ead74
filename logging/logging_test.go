package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/callpulse/config"
)

func TestApplyJSON(t *testing.T) {
	l := logrus.New()
	var buf bytes.Buffer
	if err := apply(l, cfg.Log{Level: "debug", Format: "json"}, &buf); err != nil {
		t.Fatal(err)
	}
	l.WithField("component", "scheduler").Debug("run started")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["component"] != "scheduler" || rec["msg"] != "run started" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestApplyLevelFilters(t *testing.T) {
	l := logrus.New()
	var buf bytes.Buffer
	if err := apply(l, cfg.Log{Level: "warn"}, &buf); err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("level filter broken: %q", out)
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	for _, c := range []cfg.Log{{Level: "loud"}, {Level: "info", Format: "xml"}} {
		if err := apply(logrus.New(), c, &bytes.Buffer{}); err == nil {
			t.Errorf("apply(%+v) = nil, want error", c)
		}
	}
}
