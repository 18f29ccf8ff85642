package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

var levelTags = []struct {
	tag   []byte
	level Level
}{
	{[]byte("[DEBUG]"), LevelDebug},
	{[]byte("[INFO]"), LevelInfo},
	{[]byte("[WARN]"), LevelWarn},
	{[]byte("[ERROR]"), LevelError},
}

// LevelWriter drops log lines tagged below Min. Lines without a tag count as info.
// It expects one line per Write, which is how *log.Logger writes.
type LevelWriter struct {
	Out io.Writer
	Min Level
}

func (w LevelWriter) Write(p []byte) (int, error) {
	if lineLevel(p) < w.Min {
		return len(p), nil
	}
	return w.Out.Write(p)
}

func lineLevel(p []byte) Level {
	for _, t := range levelTags {
		if bytes.Contains(p, t.tag) {
			return t.level
		}
	}
	return LevelInfo
}

// New returns a logger writing to out through a LevelWriter.
func New(out io.Writer, prefix string, min Level) *log.Logger {
	return log.New(LevelWriter{Out: out, Min: min}, prefix, log.LstdFlags|log.Lmicroseconds)
}
