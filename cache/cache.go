// Package cache stores generated handling scripts by a content fingerprint of the
// objection they answer, so an objection that reappears in a later run is served
// the same text under its new identifier.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Item is one detected objection as seen by the current run.
type Item struct {
	// ID is the run-local identifier, e.g. "obj4".
	ID string
	// Text is the objection as phrased by the prospect.
	Text string
	// Indicator links the objection to the signal it relates to.
	Indicator string
}

// Script is a generated handling script presented under a run-local identifier.
type Script struct {
	ID          string `json:"id"`
	ObjectionID string `json:"objectionId"`
	Text        string `json:"text"`
	Cached      bool   `json:"cached"`
}

// Generator produces script bodies for the given misses, keyed by Item.ID.
type Generator func(ctx context.Context, misses []Item) (map[string][]string, error)

type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded insertion-order (FIFO) cache. Stored bodies are never mutated.
type Cache struct {
	max int

	mu      sync.Mutex
	entries map[string][]string
	order   []string // ring of fingerprints in insertion order
	head    int
	stats   Stats
}

func New(max int) *Cache {
	if max <= 0 {
		max = 1
	}
	return &Cache{
		max:     max,
		entries: make(map[string][]string, max),
		order:   make([]string, 0, max),
	}
}

// Fingerprint normalises the objection text to lowercase letters and digits and
// appends the indicator: "Can I sleep on it?" with indicator 11 -> "canisleeponit_11".
func Fingerprint(it Item) string {
	var b strings.Builder
	for _, r := range strings.ToLower(it.Text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	b.WriteByte('_')
	b.WriteString(strings.TrimSpace(it.Indicator))
	return b.String()
}

// present assigns run-local identifiers at the read boundary: "<item.ID>_<n>".
func present(it Item, bodies []string, cached bool) []Script {
	out := make([]Script, 0, len(bodies))
	for i, body := range bodies {
		out = append(out, Script{
			ID:          it.ID + "_" + strconv.Itoa(i+1),
			ObjectionID: it.ID,
			Text:        body,
			Cached:      cached,
		})
	}
	return out
}

// LookupOrGenerate serves cached scripts for known fingerprints and calls gen once
// with all misses. New results are stored before being merged. Output follows the
// order of items. On generator failure the hits are still returned with the error.
func (c *Cache) LookupOrGenerate(ctx context.Context, items []Item, gen Generator) ([]Script, error) {
	hits := make(map[string][]string, len(items))
	var misses []Item

	c.mu.Lock()
	for _, it := range items {
		if bodies, ok := c.entries[Fingerprint(it)]; ok {
			hits[it.ID] = bodies
			c.stats.Hits++
			continue
		}
		misses = append(misses, it)
		c.stats.Misses++
	}
	c.mu.Unlock()

	var genErr error
	fresh := map[string][]string{}
	if len(misses) > 0 && gen != nil {
		fresh, genErr = gen(ctx, misses)
		if genErr == nil {
			c.mu.Lock()
			for _, it := range misses {
				if bodies := fresh[it.ID]; len(bodies) > 0 {
					c.putLocked(Fingerprint(it), bodies)
				}
			}
			c.mu.Unlock()
		}
	}

	var out []Script
	for _, it := range items {
		if bodies, ok := hits[it.ID]; ok {
			out = append(out, present(it, bodies, true)...)
		} else if genErr == nil {
			out = append(out, present(it, fresh[it.ID], false)...)
		}
	}
	return out, genErr
}

// Get returns the stored bodies for a fingerprint.
func (c *Cache) Get(fingerprint string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bodies, ok := c.entries[fingerprint]
	return append([]string(nil), bodies...), ok
}

func (c *Cache) putLocked(key string, bodies []string) {
	if _, ok := c.entries[key]; ok {
		return
	}
	stored := append([]string(nil), bodies...)
	if len(c.order) < c.max {
		c.order = append(c.order, key)
	} else {
		evicted := c.order[c.head]
		delete(c.entries, evicted)
		c.stats.Evictions++
		c.order[c.head] = key
		c.head = (c.head + 1) % c.max
	}
	c.entries[key] = stored
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
