// Package window keeps a bounded per-session transcript history and renders
// truncated views of it for consumers with different budgets.
package window

import (
	"strings"
	"sync"
)

// Consumer selects a view budget.
type Consumer int

const (
	// Primary feeds the independent scoring tasks.
	Primary Consumer = iota
	// Scripts feeds the latency-sensitive script generation.
	Scripts
)

func (c Consumer) String() string {
	switch c {
	case Primary:
		return "primary"
	case Scripts:
		return "scripts"
	default:
		return "unknown"
	}
}

type Limits struct {
	MaxLines int
	MaxChars int
}

type Utterance struct {
	Speaker string
	Text    string
}

func (u Utterance) line() string {
	if u.Speaker == "" {
		return u.Text
	}
	return u.Speaker + ": " + u.Text
}

type Config struct {
	MaxEntries int
	// Lookahead bounds how far a mid-line cut may move forward to reach a line start.
	Lookahead int
	Limits    map[Consumer]Limits
}

type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries []Utterance
}

func New(cfg Config) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1
	}
	return &Manager{cfg: cfg}
}

// AppendUtterance adds a line, dropping the oldest when the history is full.
// Blank text is ignored.
func (m *Manager) AppendUtterance(speaker, text string) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Utterance{Speaker: strings.TrimSpace(speaker), Text: text})
	if over := len(m.entries) - m.cfg.MaxEntries; over > 0 {
		// copy so the dropped prefix does not pin the backing array
		m.entries = append([]Utterance(nil), m.entries[over:]...)
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// ViewFor renders the newest history that fits the consumer's line and character caps.
// A consumer without configured limits gets an empty view.
func (m *Manager) ViewFor(c Consumer) string {
	lim, ok := m.cfg.Limits[c]
	if !ok || lim.MaxLines <= 0 || lim.MaxChars <= 0 {
		return ""
	}

	m.mu.Lock()
	start := len(m.entries) - lim.MaxLines
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(m.entries)-start)
	for _, u := range m.entries[start:] {
		lines = append(lines, u.line())
	}
	m.mu.Unlock()

	return Truncate(strings.Join(lines, "\n"), lim.MaxChars, m.cfg.Lookahead)
}

// Truncate keeps at most maxChars runes from the end of s. When the cut lands inside
// a line it moves forward to the next line start if one is within lookahead runes;
// otherwise the raw cut is kept.
func Truncate(s string, maxChars, lookahead int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	cut := len(r) - maxChars
	if r[cut-1] == '\n' {
		return string(r[cut:])
	}
	end := cut + lookahead
	if end > len(r) {
		end = len(r)
	}
	for i := cut; i < end; i++ {
		if r[i] == '\n' {
			return string(r[i+1:])
		}
	}
	return string(r[cut:])
}
