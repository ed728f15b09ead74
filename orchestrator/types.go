package orchestrator

import (
	"fmt"
	"math"
	"sort"
)

type Category string

const (
	Sentiment     Category = "sentiment"
	Engagement    Category = "engagement"
	BuyingSignals Category = "buying_signals"
	Objections    Category = "objections"
	PainPoints    Category = "pain_points"
	NextSteps     Category = "next_steps"
	TalkBalance   Category = "talk_balance"

	// Scripts is the dependent task fed by Objections.
	Scripts Category = "scripts"
)

// Independent lists the categories scored on every run, in schema order.
var Independent = []Category{
	Sentiment, Engagement, BuyingSignals, Objections, PainPoints, NextSteps, TalkBalance,
}

func (c Category) valid() bool {
	for _, x := range Independent {
		if x == c {
			return true
		}
	}
	return c == Scripts
}

// itemPrefix names run-local item identifiers, e.g. obj1, obj2.
func (c Category) itemPrefix() string {
	switch c {
	case Objections:
		return "obj"
	case PainPoints:
		return "pain"
	case BuyingSignals:
		return "sig"
	case NextSteps:
		return "step"
	default:
		return string(c) + "_"
	}
}

type Item struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Indicator   string  `json:"indicator,omitempty"`
	Probability float64 `json:"probability"`
}

// Result is one category's output. Score is on a 0-100 scale.
type Result struct {
	Category Category `json:"category"`
	Score    float64  `json:"score"`
	Label    string   `json:"label"`
	Summary  string   `json:"summary,omitempty"`
	Items    []Item   `json:"items"`
	// Degraded marks the neutral default used when the task failed, timed out or
	// returned nothing.
	Degraded bool `json:"degraded,omitempty"`
	// Fallback marks probabilities replaced by the presentation ramp.
	Fallback bool `json:"fallback,omitempty"`
}

const (
	NeutralScore = 50
	NeutralLabel = "neutral"
)

// Neutral is the documented stand-in for a category without a usable result.
func Neutral(c Category) Result {
	return Result{Category: c, Score: NeutralScore, Label: NeutralLabel, Items: []Item{}, Degraded: true}
}

func labelFor(score float64) string {
	switch {
	case score < 40:
		return "negative"
	case score > 60:
		return "positive"
	default:
		return NeutralLabel
	}
}

// Combined is the fixed-schema merge of every independent category.
type Combined struct {
	Sentiment     Result `json:"sentiment"`
	Engagement    Result `json:"engagement"`
	BuyingSignals Result `json:"buying_signals"`
	Objections    Result `json:"objections"`
	PainPoints    Result `json:"pain_points"`
	NextSteps     Result `json:"next_steps"`
	TalkBalance   Result `json:"talk_balance"`

	Overall  float64    `json:"overall"`
	Degraded []Category `json:"degraded,omitempty"`
}

func (c *Combined) slot(cat Category) *Result {
	switch cat {
	case Sentiment:
		return &c.Sentiment
	case Engagement:
		return &c.Engagement
	case BuyingSignals:
		return &c.BuyingSignals
	case Objections:
		return &c.Objections
	case PainPoints:
		return &c.PainPoints
	case NextSteps:
		return &c.NextSteps
	case TalkBalance:
		return &c.TalkBalance
	default:
		panic(fmt.Sprintf("orchestrator: no slot for %q", cat))
	}
}

// Get returns the result for an independent category.
func (c *Combined) Get(cat Category) Result { return *c.slot(cat) }

// Combine fills every slot, substituting the neutral default for anything missing,
// and computes the weighted overall score. Unknown or non-positive weights count as
// zero; categories without a weight count as one.
func Combine(results []Result, weights map[string]float64) *Combined {
	c := &Combined{}
	have := make(map[Category]bool, len(results))
	for _, r := range results {
		if r.Category == "" || !r.Category.valid() || r.Category == Scripts {
			continue
		}
		*c.slot(r.Category) = r
		have[r.Category] = true
	}

	var sum, total float64
	for _, cat := range Independent {
		if !have[cat] {
			*c.slot(cat) = Neutral(cat)
		}
		r := c.slot(cat)
		if r.Degraded {
			c.Degraded = append(c.Degraded, cat)
		}
		w := 1.0
		if v, ok := weights[string(cat)]; ok {
			w = math.Max(v, 0)
		}
		sum += w * r.Score
		total += w
	}
	if total > 0 {
		c.Overall = math.Round(sum/total*10) / 10
	} else {
		c.Overall = NeutralScore
	}
	sort.Slice(c.Degraded, func(i, j int) bool { return c.Degraded[i] < c.Degraded[j] })
	return c
}

// Settings are the admin parameters a session applies to every run.
type Settings struct {
	Weights      map[string]float64 `json:"weights,omitempty"`
	Instructions string             `json:"instructions,omitempty"`
}

func (s Settings) Clone() Settings {
	out := Settings{Instructions: s.Instructions}
	if s.Weights != nil {
		out.Weights = make(map[string]float64, len(s.Weights))
		for k, v := range s.Weights {
			out.Weights[k] = v
		}
	}
	return out
}

// Apply overlays non-nil values. Weight entries merge by key.
func (s Settings) Apply(weights map[string]float64, instructions *string) Settings {
	out := s.Clone()
	if len(weights) > 0 && out.Weights == nil {
		out.Weights = make(map[string]float64, len(weights))
	}
	for k, v := range weights {
		out.Weights[k] = v
	}
	if instructions != nil {
		out.Instructions = *instructions
	}
	return out
}
