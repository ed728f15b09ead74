package window

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(maxEntries int) *Manager {
	return New(Config{
		MaxEntries: maxEntries,
		Lookahead:  20,
		Limits: map[Consumer]Limits{
			Primary: {MaxLines: 10, MaxChars: 400},
			Scripts: {MaxLines: 3, MaxChars: 60},
		},
	})
}

func TestAppendDropsOldest(t *testing.T) {
	m := newManager(3)
	for i := 1; i <= 5; i++ {
		m.AppendUtterance("rep", fmt.Sprintf("line %d", i))
	}
	require.Equal(t, 3, m.Len())
	assert.Equal(t, "rep: line 3\nrep: line 4\nrep: line 5", m.ViewFor(Primary))
}

func TestAppendIgnoresBlank(t *testing.T) {
	m := newManager(3)
	m.AppendUtterance("rep", "   ")
	m.AppendUtterance("rep", "")
	assert.Equal(t, 0, m.Len())
}

func TestViewForLineCap(t *testing.T) {
	m := newManager(50)
	for i := 1; i <= 6; i++ {
		m.AppendUtterance("p", fmt.Sprintf("%d", i))
	}
	assert.Equal(t, "p: 4\np: 5\np: 6", m.ViewFor(Scripts))
}

func TestViewForUnknownConsumer(t *testing.T) {
	m := newManager(5)
	m.AppendUtterance("p", "hello")
	assert.Equal(t, "", m.ViewFor(Consumer(42)))
}

func TestClear(t *testing.T) {
	m := newManager(5)
	m.AppendUtterance("p", "hello")
	m.Clear()
	assert.Equal(t, "", m.ViewFor(Primary))
}

func TestTruncate(t *testing.T) {
	for _, tt := range []struct {
		name      string
		in        string
		max, look int
		want      string
	}{
		{"fits", "a\nb", 10, 5, "a\nb"},
		{"cut on boundary", "aaaa\nbbbb", 4, 5, "bbbb"},
		{"advance to next line", "aaaa\nbbbb\ncc", 6, 5, "cc"},
		{"cut lands on newline", "aaaa\nbbbb\ncc", 8, 5, "bbbb\ncc"},
		{"no boundary in lookahead", "aaaaaaaaaa\nb", 8, 2, "aaaaaa\nb"},
		{"cut right after newline", "aa\nbbb", 3, 5, "bbb"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max, tt.look))
		})
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	got := Truncate(strings.Repeat("é", 10), 4, 0)
	assert.Equal(t, 4, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

// View output never exceeds either cap, whatever the history looks like.
func TestViewForBounds(t *testing.T) {
	m := newManager(100)
	for i := 0; i < 100; i++ {
		m.AppendUtterance(fmt.Sprintf("speaker%d", i%3), strings.Repeat("word ", i%17+1))
		for _, c := range []Consumer{Primary, Scripts} {
			lim := m.cfg.Limits[c]
			v := m.ViewFor(c)
			assert.LessOrEqual(t, utf8.RuneCountInString(v), lim.MaxChars)
			if v != "" {
				assert.LessOrEqual(t, strings.Count(v, "\n")+1, lim.MaxLines)
			}
		}
	}
}
