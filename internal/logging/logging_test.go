package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"warning", LogLevelWarn},
		{"warn", LogLevelWarn},
		{" error ", LogLevelError},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), LogLevelInfo, "queue")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Infof("claim id=%d worker=%s", 7, "w1")

	got := strings.TrimSpace(buf.String())
	want := "2026-01-02T03:04:05Z INFO queue: claim id=7 worker=w1"
	if got != want {
		t.Errorf("line: got %q, want %q", got, want)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), LogLevelWarn, "lock")

	l.Debugf("dropped")
	l.Infof("dropped")
	l.Warnf("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("unexpected debug/info output: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN lock: kept") {
		t.Errorf("missing warn line: %q", buf.String())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), LogLevelDebug, "root").With("worker")
	l.Debugf("tick")
	if !strings.Contains(buf.String(), "DEBUG worker: tick") {
		t.Errorf("component not switched: %q", buf.String())
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Infof("no panic")
}
