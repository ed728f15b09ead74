package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskSpec tells the scoring collaborator what one category asks for.
type TaskSpec struct {
	Instructions string `yaml:"instructions"`
	// TimeoutMs overrides the default per-call timeout when positive.
	TimeoutMs int `yaml:"timeout_ms"`
}

func (s TaskSpec) timeout(def time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return def
}

func DefaultSpecs() map[Category]TaskSpec {
	return map[Category]TaskSpec{
		Sentiment:     {Instructions: "Rate the prospect's overall sentiment toward the offer."},
		Engagement:    {Instructions: "Rate how engaged the prospect is in the conversation."},
		BuyingSignals: {Instructions: "List statements that indicate intent to buy."},
		Objections:    {Instructions: "List objections raised by the prospect with the signal each relates to and its likelihood."},
		PainPoints:    {Instructions: "List problems the prospect describes in their current situation."},
		NextSteps:     {Instructions: "List concrete next steps agreed or proposed."},
		TalkBalance:   {Instructions: "Rate how evenly speaking time is shared between the parties."},
		Scripts:       {Instructions: "Write a short script the rep can say to handle each objection."},
	}
}

type specFile struct {
	Tasks map[Category]TaskSpec `yaml:"tasks"`
}

// LoadSpecs overlays the task file at path on the defaults. Fields left empty in the
// file keep their default.
func LoadSpecs(path string) (map[Category]TaskSpec, error) {
	specs := DefaultSpecs()
	if path == "" {
		return specs, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task specs: %w", err)
	}
	var f specFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse task specs %s: %w", path, err)
	}
	for cat, s := range f.Tasks {
		if !cat.valid() {
			return nil, fmt.Errorf("task specs %s: unknown category %q", path, cat)
		}
		cur := specs[cat]
		if s.Instructions != "" {
			cur.Instructions = s.Instructions
		}
		if s.TimeoutMs > 0 {
			cur.TimeoutMs = s.TimeoutMs
		}
		specs[cat] = cur
	}
	return specs, nil
}
