package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/maastricht-university/callpulse/event"
	"github.com/maastricht-university/callpulse/orchestrator"
)

var (
	tailURL       string
	tailAudio     string
	tailChunk     int
	tailEvery     time.Duration
	tailSay       []string
	tailAnalyze   bool
	tailToken     string
	tailShowStale bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect to a server and print a session's events",
	Long: `tail opens a session, optionally streams an audio file and sends transcript
lines, then prints every event it receives. Events from a run older than the newest
run seen are dropped.

Example:
  callpulse tail --say "Prospect: it's too expensive" --analyze`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailURL, "url", "ws://localhost:8080/ws", "session endpoint")
	tailCmd.Flags().StringVar(&tailAudio, "audio", "", "audio file to stream as binary frames")
	tailCmd.Flags().IntVar(&tailChunk, "chunk", 3200, "audio bytes per frame")
	tailCmd.Flags().DurationVar(&tailEvery, "every", 100*time.Millisecond, "delay between audio frames")
	tailCmd.Flags().StringArrayVar(&tailSay, "say", nil, `final transcript line "Speaker: text" (repeatable)`)
	tailCmd.Flags().BoolVar(&tailAnalyze, "analyze", false, "request an analysis run after sending input")
	tailCmd.Flags().StringVar(&tailToken, "token", "", "auth token")
	tailCmd.Flags().BoolVar(&tailShowStale, "show-stale", false, "print stale events instead of dropping them")
}

var (
	colorCyan   = lipgloss.Color("#00FFFF")
	colorYellow = lipgloss.Color("#FFFF00")
	colorRed    = lipgloss.Color("#FF0000")
	colorGray   = lipgloss.Color("#666666")
	colorGreen  = lipgloss.Color("#00FF00")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	runStyle     = lipgloss.NewStyle().Foreground(colorGray)
	partialStyle = lipgloss.NewStyle().Foreground(colorYellow)
	scoreStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	staleStyle   = lipgloss.NewStyle().Faint(true)
)

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, _, err := websocket.Dial(ctx, tailURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", tailURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 << 20)

	go func() {
		if err := sendInput(ctx, conn); err != nil && ctx.Err() == nil {
			fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("send: "+err.Error()))
		}
	}()

	var filter event.RunFilter
	out := cmd.OutOrStdout()
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		var ev event.Out
		if err := json.Unmarshal(b, &ev); err != nil {
			fmt.Fprintln(out, errorStyle.Render("undecodable event: "+err.Error()))
			continue
		}
		if !filter.Accept(ev) {
			if tailShowStale {
				fmt.Fprintln(out, staleStyle.Render("stale "+render(ev)))
			}
			continue
		}
		if line := render(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func sendInput(ctx context.Context, conn *websocket.Conn) error {
	if tailToken != "" {
		if err := writeJSON(ctx, conn, event.In{Type: event.TypeAuth, Token: tailToken}); err != nil {
			return err
		}
	}
	for _, line := range tailSay {
		speaker, text := splitSpeaker(line)
		if err := writeJSON(ctx, conn, event.In{Type: event.TypeTranscript, Speaker: speaker, Text: text, IsFinal: true}); err != nil {
			return err
		}
	}
	if tailAudio != "" {
		if err := streamAudio(ctx, conn, tailAudio); err != nil {
			return err
		}
	}
	if tailAnalyze {
		return writeJSON(ctx, conn, event.In{Type: event.TypeAnalyze})
	}
	return nil
}

func splitSpeaker(line string) (string, string) {
	speaker, text, ok := strings.Cut(line, ":")
	if !ok {
		return "", strings.TrimSpace(line)
	}
	return strings.TrimSpace(speaker), strings.TrimSpace(text)
}

func streamAudio(ctx context.Context, conn *websocket.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if tailChunk <= 0 {
		tailChunk = 3200
	}
	buf := make([]byte, tailChunk)
	tick := time.NewTicker(tailEvery)
	defer tick.Stop()
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// render formats one event as a single line; stream markers render empty.
func render(ev event.Out) string {
	run := ""
	if ev.RunID != nil {
		run = runStyle.Render(fmt.Sprintf("[run %d] ", *ev.RunID))
	}
	switch ev.Type {
	case event.TypeSession:
		return titleStyle.Render("session " + ev.SessionID)
	case event.TypeTranscriptChunk:
		if ev.IsFinal != nil && !*ev.IsFinal {
			return partialStyle.Render("… " + ev.Text)
		}
		return "» " + ev.Text
	case event.TypePartial:
		var r orchestrator.Result
		if err := json.Unmarshal(ev.Data, &r); err != nil {
			return run + ev.Category + " (unreadable)"
		}
		line := fmt.Sprintf("%-15s %s %s", ev.Category, scoreStyle.Render(fmt.Sprintf("%3.0f", r.Score)), r.Label)
		if r.Degraded {
			line += " (degraded)"
		}
		for _, it := range r.Items {
			line += fmt.Sprintf("\n    %s %s", it.ID, it.Text)
		}
		return run + line
	case event.TypeFinal:
		var c orchestrator.Combined
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return run + "final (unreadable)"
		}
		line := "overall " + scoreStyle.Render(fmt.Sprintf("%.1f", c.Overall))
		if len(c.Degraded) > 0 {
			parts := make([]string, len(c.Degraded))
			for i, d := range c.Degraded {
				parts[i] = string(d)
			}
			line += " degraded: " + strings.Join(parts, ", ")
		}
		return run + titleStyle.Render("final ") + line
	case event.TypeStream:
		if ev.Text == "" {
			return ""
		}
		return run + partialStyle.Render(ev.Text)
	case event.TypeScripts:
		var res orchestrator.ScriptsResult
		if err := json.Unmarshal(ev.Data, &res); err != nil {
			return run + "scripts (unreadable)"
		}
		lines := []string{run + titleStyle.Render("scripts")}
		for _, s := range res.Scripts {
			tag := ""
			if s.Cached {
				tag = " (cached)"
			}
			lines = append(lines, fmt.Sprintf("    %s%s: %s", s.ID, tag, s.Text))
		}
		if res.Degraded {
			lines = append(lines, errorStyle.Render("    generation failed"))
		}
		return strings.Join(lines, "\n")
	case event.TypeError:
		msg := ev.Message
		if ev.Code != "" {
			msg = ev.Code + ": " + msg
		}
		return run + errorStyle.Render("error "+msg)
	default:
		return runStyle.Render("? " + string(ev.Type))
	}
}
