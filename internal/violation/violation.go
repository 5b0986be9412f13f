// Package violation defines proctoring violation events and the
// append-only per-attempt violation log.
package violation

import (
	"sync"
	"time"
)

// Type identifies what the candidate did.
type Type string

// Violation types. The string values are sent to the backend as the
// activity and clip violation type.
const (
	TypeTabSwitch          Type = "tab_switch"
	TypeWindowBlur         Type = "window_blur"
	TypeMultipleMonitors   Type = "multiple_monitors"
	TypeScreenShareStopped Type = "screen_share_stopped"
	TypeProhibitedShortcut Type = "prohibited_shortcut"
)

// Known reports whether t is one of the defined violation types.
func (t Type) Known() bool {
	switch t {
	case TypeTabSwitch, TypeWindowBlur, TypeMultipleMonitors,
		TypeScreenShareStopped, TypeProhibitedShortcut:
		return true
	}
	return false
}

// Event is an immutable record of one detected violation.
type Event struct {
	Type        Type      `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Log is the ordered, append-only record of violations for one attempt.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records ev at the end of the log.
func (l *Log) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of the log in append order.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded violations.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Count returns how many violations of type t were recorded.
func (l *Log) Count(t Type) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
