package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v (%v)", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestJSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "proctor"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.WithComponent("detector").Info("violation raised", "type", "tab_switch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if entry["msg"] != "violation raised" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["type"] != "tab_switch" {
		t.Errorf("type = %v", entry["type"])
	}
	if entry["component"] != "detector" {
		t.Errorf("component = %v", entry["component"])
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("starting", "session_token", "abc123", "invitation_token", "inv-9", "violation_type", "window_blur")

	out := buf.String()
	if strings.Contains(out, "abc123") || strings.Contains(out, "inv-9") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "window_blur") {
		t.Errorf("non-secret value dropped: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&Config{Level: LevelWarn, Writer: &buf})
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info entry should be filtered")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn entry missing")
	}
}

func TestSetLevelReachesChildren(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&Config{Level: LevelWarn, Writer: &buf})
	child := l.WithComponent("detector")

	child.Debug("before")
	l.SetLevel(LevelDebug)
	child.Debug("after")

	if strings.Contains(buf.String(), "before") {
		t.Error("debug entry logged before the level changed")
	}
	if !strings.Contains(buf.String(), "after") {
		t.Error("child did not pick up the new level")
	}
	if l.Level() != LevelDebug {
		t.Errorf("Level() = %v", l.Level())
	}
}

func TestRequestIDContext(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&Config{Level: LevelInfo, Format: FormatJSON, Writer: &buf, Component: "proctor"})

	id := l.NewRequestID()
	if !strings.HasPrefix(id, "proctor-") {
		t.Errorf("request id = %q", id)
	}
	ctx := ContextWithRequestID(context.Background(), id)
	if RequestIDFromContext(ctx) != id {
		t.Error("request id not carried by context")
	}
	l.WithContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), id) {
		t.Errorf("request id missing from %s", buf.String())
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("expected empty request id")
	}
}

// =============================================================================
// Rotator
// =============================================================================

func TestRotatorSizeRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRotator(RotateConfig{Path: filepath.Join(dir, "proctor.log"), MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("OpenRotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(r.Backups()); got != 2 {
		t.Errorf("expected 2 rotated files, got %d", got)
	}
	info, err := os.Stat(filepath.Join(dir, "proctor.log"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file size = %d", info.Size())
	}
}

func TestRotatorDailyRotationCompresses(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRotator(RotateConfig{Path: filepath.Join(dir, "j.log"), MaxSize: 10, Compress: true})
	if err != nil {
		t.Fatalf("OpenRotator: %v", err)
	}
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	r.now = func() time.Time { return day }
	r.opened = day

	r.Write([]byte("first\n"))
	day = day.Add(2 * time.Minute)
	r.Write([]byte("second\n"))
	r.Close()

	backups := r.Backups()
	if len(backups) != 1 || !strings.HasSuffix(backups[0], ".gz") {
		t.Errorf("expected one gzip backup, got %v", backups)
	}
}

// =============================================================================
// Journal
// =============================================================================

func readJournal(t *testing.T, buf *bytes.Buffer) []JournalEvent {
	t.Helper()
	var out []JournalEvent
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var ev JournalEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestJournalSessionLifecycle(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf, "proctor")

	ctx := ContextWithRequestID(context.Background(), "req-1")
	j.SessionStarted(ctx, "local-1", true, nil)
	j.Violation(ctx, "tab_switch", "Switched away from the tab", time.Unix(100, 0))
	j.Permission(ctx, "webcam", errors.New("denied"))
	j.SessionCompleted(ctx, "timer")
	j.Failure(ctx, "upload", errors.New("boom"))

	events := readJournal(t, &buf)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[0].EventType != JournalSessionResumed || events[0].SessionID != "local-1" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Action != "tab_switch" || events[1].SessionID != "local-1" || events[1].RequestID != "req-1" {
		t.Errorf("unexpected violation event %+v", events[1])
	}
	if events[2].Result != "denied" || events[2].Error != "denied" {
		t.Errorf("unexpected permission event %+v", events[2])
	}
	if events[4].SessionID != "" {
		t.Errorf("session id should be cleared after completion, got %q", events[4].SessionID)
	}
	for _, ev := range events {
		if ev.Component != "proctor" {
			t.Errorf("component = %q", ev.Component)
		}
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	if err := j.Violation(context.Background(), "tab_switch", "", time.Now()); err != nil {
		t.Errorf("nil journal returned %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil close returned %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestJournalWriteFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	l, _ := New(&Config{Level: LevelDebug, Writer: &buf})
	j := NewJournal(failingWriter{}, "proctor")
	j.SetLogger(l)

	err := j.Violation(context.Background(), "tab_switch", "", time.Now())
	if err == nil {
		t.Fatal("expected write error")
	}
	if !strings.Contains(buf.String(), "journal write failed") {
		t.Errorf("failure not logged: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("cause not logged: %q", buf.String())
	}
}
