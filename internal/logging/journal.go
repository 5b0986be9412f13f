package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// JournalEventType names a proctoring journal entry.
type JournalEventType string

// Journal event types.
const (
	JournalSessionStarted   JournalEventType = "session_started"
	JournalSessionResumed   JournalEventType = "session_resumed"
	JournalSessionCompleted JournalEventType = "session_completed"
	JournalPermission       JournalEventType = "permission"
	JournalViolation        JournalEventType = "violation"
	JournalClipCaptured     JournalEventType = "clip_captured"
	JournalStreamLost       JournalEventType = "stream_lost"
	JournalStreamReacquired JournalEventType = "stream_reacquired"
	JournalSubmission       JournalEventType = "submission"
	JournalError            JournalEventType = "error"
)

// JournalEvent is one line of the proctoring journal.
type JournalEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	EventType JournalEventType `json:"event_type"`
	Component string           `json:"component"`
	SessionID string           `json:"session_id,omitempty"`
	Action    string           `json:"action"`
	Result    string           `json:"result"` // "success", "failure", "denied"
	Details   map[string]any   `json:"details,omitempty"`
	Error     string           `json:"error,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// Journal appends JSON lines describing what happened during a proctored
// session. It never records tokens; SessionID is a local identifier.
type Journal struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	sessionID string
	now       func() time.Time
	log       *Logger
}

// NewJournal writes entries to w.
func NewJournal(w io.Writer, component string) *Journal {
	j := &Journal{w: w, component: component, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

// OpenJournal writes entries to a rotated file.
func OpenJournal(cfg RotateConfig, component string) (*Journal, error) {
	r, err := OpenRotator(cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return NewJournal(r, component), nil
}

// SetSessionID sets the identifier stamped on later entries.
func (j *Journal) SetSessionID(id string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionID = id
}

// SetLogger sets the logger that receives failed writes at debug level.
func (j *Journal) SetLogger(l *Logger) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log = l
}

// Record writes one entry, filling in defaults. A failed write is also
// logged, so callers may ignore the returned error.
func (j *Journal) Record(ctx context.Context, ev JournalEvent) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.writeLocked(ctx, ev)
	if err != nil && j.log != nil {
		j.log.Debug("journal write failed", "event_type", string(ev.EventType), "error", err)
	}
	return err
}

func (j *Journal) writeLocked(ctx context.Context, ev JournalEvent) error {

	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now().UTC()
	}
	if ev.Component == "" {
		ev.Component = j.component
	}
	if ev.SessionID == "" {
		ev.SessionID = j.sessionID
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if ev.Result == "" {
		ev.Result = "success"
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	return nil
}

// SessionStarted records a new or resumed session.
func (j *Journal) SessionStarted(ctx context.Context, sessionID string, resumed bool, details map[string]any) error {
	if j == nil {
		return nil
	}
	j.SetSessionID(sessionID)
	ev := JournalEvent{EventType: JournalSessionStarted, Action: "session_started", Details: details}
	if resumed {
		ev.EventType = JournalSessionResumed
		ev.Action = "session_resumed"
	}
	return j.Record(ctx, ev)
}

// SessionCompleted records the end of a session and clears the identifier.
func (j *Journal) SessionCompleted(ctx context.Context, reason string) error {
	if j == nil {
		return nil
	}
	err := j.Record(ctx, JournalEvent{
		EventType: JournalSessionCompleted,
		Action:    "session_completed",
		Details:   map[string]any{"reason": reason},
	})
	j.SetSessionID("")
	return err
}

// Permission records the outcome of a device permission prompt.
func (j *Journal) Permission(ctx context.Context, device string, err error) error {
	ev := JournalEvent{EventType: JournalPermission, Action: "request_" + device}
	if err != nil {
		ev.Result = "denied"
		ev.Error = err.Error()
	}
	return j.Record(ctx, ev)
}

// Violation records a detected violation.
func (j *Journal) Violation(ctx context.Context, kind, description string, at time.Time) error {
	return j.Record(ctx, JournalEvent{
		EventType: JournalViolation,
		Action:    kind,
		Details: map[string]any{
			"description": description,
			"occurred_at": at.UTC().Format(time.RFC3339Nano),
		},
	})
}

// ClipCaptured records an assembled clip.
func (j *Journal) ClipCaptured(ctx context.Context, name string, chunks int, partial bool, size int) error {
	return j.Record(ctx, JournalEvent{
		EventType: JournalClipCaptured,
		Action:    "clip_captured",
		Details: map[string]any{
			"file":    name,
			"chunks":  chunks,
			"partial": partial,
			"bytes":   size,
		},
	})
}

// Stream records a lost or reacquired screen stream.
func (j *Journal) Stream(ctx context.Context, lost bool, err error) error {
	ev := JournalEvent{EventType: JournalStreamReacquired, Action: "screen_reacquired"}
	if lost {
		ev.EventType = JournalStreamLost
		ev.Action = "screen_lost"
	}
	if err != nil {
		ev.Result = "failure"
		ev.Error = err.Error()
	}
	return j.Record(ctx, ev)
}

// Submission records a manual or forced submission.
func (j *Journal) Submission(ctx context.Context, forced bool, answers int, err error) error {
	ev := JournalEvent{
		EventType: JournalSubmission,
		Action:    "manual_submit",
		Details:   map[string]any{"answers": answers},
	}
	if forced {
		ev.Action = "forced_submit"
	}
	if err != nil {
		ev.Result = "failure"
		ev.Error = err.Error()
	}
	return j.Record(ctx, ev)
}

// Failure records an operation that failed.
func (j *Journal) Failure(ctx context.Context, operation string, err error) error {
	ev := JournalEvent{EventType: JournalError, Action: operation, Result: "failure"}
	if err != nil {
		ev.Error = err.Error()
	}
	return j.Record(ctx, ev)
}

// Close closes the underlying writer if it is closable.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
