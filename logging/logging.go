// Package logging configures the process-wide logrus logger and hands out
// component-scoped entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/callpulse/config"
)

// Setup applies level and format from config to the standard logrus logger.
func Setup(c cfg.Log) error {
	return apply(logrus.StandardLogger(), c, os.Stderr)
}

func apply(l *logrus.Logger, c cfg.Log, out io.Writer) error {
	lvl := c.Level
	if lvl == "" {
		lvl = "info"
	}
	level, err := logrus.ParseLevel(lvl)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	l.SetOutput(out)

	switch strings.ToLower(c.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	default:
		return fmt.Errorf("log format %q: want text or json", c.Format)
	}
	return nil
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Session narrows a component entry to one session.
func Session(l *logrus.Entry, sessionID string) *logrus.Entry {
	return l.WithField("session", sessionID)
}

// Discard is a silent entry for tests and optional collaborators.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
