// Package report delivers proctoring telemetry to the backend. Delivery is
// fire-and-forget: each call spawns a goroutine, never blocks the caller
// and never retries. Failures are logged and counted.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proctor/internal/api"
	"proctor/internal/capture"
	"proctor/internal/logging"
	"proctor/internal/metrics"
	"proctor/internal/session"
	"proctor/internal/violation"
)

const defaultTimeout = 30 * time.Second

// Backend is the part of the API client the reporter uses.
type Backend interface {
	LogActivity(ctx context.Context, token string, act api.Activity) error
	UploadClip(ctx context.Context, token string, clip api.ClipUpload) error
}

// Reporter posts violation activity records and clips for one attempt.
type Reporter struct {
	backend Backend
	handle  *session.Handle
	log     *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	metrics *metrics.Client
	journal *logging.Journal

	wg sync.WaitGroup
}

// New returns a reporter that reads the session token from handle.
func New(backend Backend, handle *session.Handle, log *logging.Logger) *Reporter {
	if log == nil {
		log = logging.Discard()
	}
	return &Reporter{
		backend: backend,
		handle:  handle,
		log:     log.WithComponent("report"),
		timeout: defaultTimeout,
	}
}

// SetTimeout bounds each delivery.
func (r *Reporter) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetMetrics attaches client metrics.
func (r *Reporter) SetMetrics(m *metrics.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// SetJournal attaches the proctoring journal.
func (r *Reporter) SetJournal(j *logging.Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = j
}

func (r *Reporter) hooks() (*metrics.Client, *logging.Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics, r.journal
}

// ReportViolation posts ev as an activity record.
func (r *Reporter) ReportViolation(ev violation.Event) {
	m, j := r.hooks()
	if m != nil {
		m.Violation(string(ev.Type))
	}
	_ = j.Violation(context.Background(), string(ev.Type), ev.Description, ev.Timestamp)

	token := r.handle.Token()
	if token == "" {
		r.dropped("activity", string(ev.Type))
		return
	}
	act := api.Activity{
		Type: string(ev.Type),
		Data: map[string]any{
			"description": ev.Description,
			"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.backend.LogActivity(ctx, token, act); err != nil {
			r.log.Warn("activity post failed", "type", act.Type, "error", err)
			if m != nil {
				m.ActivityFailed.Inc()
			}
			return
		}
		if m != nil {
			m.ActivityPosted.Inc()
		}
	}()
}

// UploadClip assembles clip and uploads it. It has the signature of the
// capture buffer's clip sink.
func (r *Reporter) UploadClip(clip capture.Clip) {
	m, j := r.hooks()
	blob := clip.Blob()
	name := clip.FileName()
	if m != nil {
		m.ClipsEmitted.Inc()
		if clip.Partial {
			m.ClipsPartial.Inc()
		}
		m.ClipBytes.Observe(float64(len(blob)))
	}
	_ = j.ClipCaptured(context.Background(), name, clip.Len(), clip.Partial, len(blob))

	token := r.handle.Token()
	if token == "" {
		r.dropped("clip", name)
		return
	}
	upload := api.ClipUpload{
		FileName:      name,
		Data:          blob,
		ViolationType: string(clip.Violation.Type),
		Description:   clip.Violation.Description,
		OccurredAt:    clip.Violation.Timestamp,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		start := time.Now()
		err := r.backend.UploadClip(ctx, token, upload)
		if m != nil {
			m.UploadDuration.ObserveDuration(time.Since(start))
		}
		if err != nil {
			r.log.Warn("clip upload failed", "file", name, "bytes", len(blob), "error", err)
			if m != nil {
				m.ClipUploadFailed.Inc()
			}
			_ = j.Failure(context.Background(), "upload_clip", fmt.Errorf("%s: %w", name, err))
			return
		}
		r.log.Info("clip uploaded", "file", name, "bytes", len(blob), "partial", clip.Partial)
		if m != nil {
			m.ClipsUploaded.Inc()
		}
	}()
}

func (r *Reporter) dropped(kind, what string) {
	r.log.Debug("no session token, report dropped", "kind", kind, "item", what)
	if m, _ := r.hooks(); m != nil {
		m.ReportsDropped.Inc()
	}
}

// Wait blocks until every in-flight delivery has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}
