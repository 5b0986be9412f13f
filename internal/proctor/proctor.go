// Package proctor assembles one proctored attempt: it wires the
// bootstrap, detector, capture buffer, recorder, reporter and attempt
// runtime together and exposes the operations a host UI drives.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctor/internal/api"
	"proctor/internal/attempt"
	"proctor/internal/bootstrap"
	"proctor/internal/capture"
	"proctor/internal/clock"
	"proctor/internal/config"
	"proctor/internal/detector"
	"proctor/internal/logging"
	"proctor/internal/media"
	"proctor/internal/metrics"
	"proctor/internal/recorder"
	"proctor/internal/report"
	"proctor/internal/session"
	"proctor/internal/violation"
)

var (
	// ErrNotInSession is returned by operations that need a live session.
	ErrNotInSession = errors.New("proctor: session not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("proctor: closed")
)

// Backend is the assessment backend. *api.Client implements it.
type Backend interface {
	bootstrap.Backend
	report.Backend
	attempt.Backend
	Questions(ctx context.Context, token string) ([]api.Question, error)
}

// Signals are the browser-side events the host forwards.
type Signals interface {
	VisibilityHidden() bool
	FocusLost() bool
	Shortcut(combo string) bool
	CheckTopology() bool
}

// Deps are the platform services an attempt runs on.
type Deps struct {
	Backend  Backend
	Devices  media.Devices
	Encoders media.EncoderFactory

	// Optional.
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Journal  *logging.Journal
	Topology detector.TopologyProbe
}

// Session is one proctored attempt.
type Session struct {
	id      string
	cfg     *config.Config
	deps    Deps
	log     *logging.Logger
	metrics *metrics.Client
	journal *logging.Journal
	handle  *session.Handle

	events   *violation.Log
	detector *detector.Detector
	buffer   *capture.Buffer
	recorder *recorder.Controller
	reporter *report.Reporter
	boot     *bootstrap.Machine

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    *bootstrap.Started
	attempt    *attempt.Runtime
	closed     bool
	onBlocked  func(bool)
	onComplete func(attempt.Outcome)
}

// New wires an attempt for invitation. Nothing talks to the backend
// until Open.
func New(cfg *config.Config, invitation string, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	id := uuid.NewString()
	log := deps.Logger.With("attempt_id", id)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:      id,
		cfg:     cfg.Clone(),
		deps:    deps,
		log:     log.WithComponent("proctor"),
		metrics: metrics.NewClient(deps.Metrics),
		journal: deps.Journal,
		handle:  session.NewHandle(invitation),
		events:  violation.NewLog(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.journal.SetSessionID(id)
	s.journal.SetLogger(s.log)

	s.reporter = report.New(deps.Backend, s.handle, log)
	s.reporter.SetTimeout(s.cfg.RequestTimeout())
	s.reporter.SetMetrics(s.metrics)
	s.reporter.SetJournal(s.journal)

	s.buffer = capture.NewBuffer(s.cfg.BufferConfig(), s.reporter.UploadClip)

	s.detector = detector.New(detectorConfig(s.cfg), deps.Clock, s.events, log)
	s.detector.SetTrigger(s.buffer.Trigger)
	s.detector.SetReporter(s.reporter)
	if deps.Topology != nil {
		s.detector.SetTopologyProbe(deps.Topology)
	}

	s.recorder = recorder.New(recorderConfig(s.cfg), deps.Encoders, s.buffer, deps.Clock, log)
	s.recorder.SetMetrics(s.metrics)
	s.recorder.SetStreamLostHandler(s.streamLost)
	s.recorder.SetStateHandler(s.recorderState)

	s.boot = bootstrap.New(deps.Backend, deps.Devices, s.handle, log)
	s.boot.SetGrace(s.detector)
	s.boot.SetJournal(s.journal)
	s.boot.OnSession(s.sessionStarted)
	return s
}

// ID returns the local attempt identifier stamped on logs and the journal.
func (s *Session) ID() string { return s.id }

// Handle returns the session token holder.
func (s *Session) Handle() *session.Handle { return s.handle }

// Bootstrap returns the bootstrap state machine.
func (s *Session) Bootstrap() *bootstrap.Machine { return s.boot }

// Recorder returns the recording controller.
func (s *Session) Recorder() *recorder.Controller { return s.recorder }

// Violations returns the violation log.
func (s *Session) Violations() *violation.Log { return s.events }

// Metrics returns the client metrics.
func (s *Session) Metrics() *metrics.Client { return s.metrics }

// Signals returns the detector entry points for browser events.
func (s *Session) Signals() Signals { return s.detector }

// SetWarningHandler sets the hook that shows transient warnings.
func (s *Session) SetWarningHandler(fn func(detector.Warning)) {
	s.detector.SetWarningHandler(fn)
}

// OnBlocked sets the hook run when the screen-share block starts or ends.
func (s *Session) OnBlocked(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBlocked = fn
}

// OnComplete sets the hook run once the attempt is submitted.
func (s *Session) OnComplete(fn func(attempt.Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// Open validates the invitation. A resumable session is entered at once
// and Open returns with the attempt running.
func (s *Session) Open(ctx context.Context) (*api.Validation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v, err := s.boot.ValidateInvitation(ctx)
	if err != nil {
		_ = s.journal.Failure(ctx, "validate_invitation", err)
		return nil, err
	}
	if v.IsResuming {
		if err := s.enter(ctx); err != nil {
			return v, err
		}
	}
	return v, nil
}

// RequestPermissions asks for the screen share and webcam.
func (s *Session) RequestPermissions(ctx context.Context) (bootstrap.Permissions, error) {
	if err := s.checkOpen(); err != nil {
		return bootstrap.Permissions{}, err
	}
	return s.boot.RequestPermissions(ctx)
}

// Start starts the session and the attempt. Calling it again after the
// session went live but the attempt failed to load retries the load.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.boot.State() != bootstrap.StateInSession {
		if _, err := s.boot.StartTest(ctx); err != nil {
			_ = s.journal.Failure(ctx, "start_test", err)
			return err
		}
	}
	return s.enter(ctx)
}

// Attempt returns the running attempt, or nil before Start.
func (s *Session) Attempt() *attempt.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Submit submits the attempt on the candidate's confirmed request.
func (s *Session) Submit(ctx context.Context, confirmed bool) (attempt.Outcome, error) {
	rt := s.Attempt()
	if rt == nil {
		return attempt.Outcome{}, ErrNotInSession
	}
	return rt.Submit(ctx, confirmed)
}

// Blocked reports whether the attempt waits for the screen to be shared
// again.
func (s *Session) Blocked() bool {
	return s.recorder.State() == recorder.StateBlocked
}

// Reshare prompts for a new screen share and resumes recording with it.
// A share of anything but the entire screen is rejected and the block
// stays.
func (s *Session) Reshare(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.Blocked() {
		return recorder.ErrNotBlocked
	}

	s.detector.BeginGrace()
	stream, err := s.deps.Devices.RequestScreen(ctx)
	s.detector.EndGrace()
	if err != nil {
		_ = s.journal.Permission(ctx, "screen", err)
		return fmt.Errorf("proctor: reshare: %w", err)
	}

	err = s.recorder.Reacquire(stream)
	_ = s.journal.Stream(ctx, false, err)
	if err != nil {
		s.log.Warn("screen share rejected", "surface", string(stream.Surface()), "error", err)
		return err
	}
	s.log.Info("screen share restored")
	return nil
}

// Close tears the attempt down: the countdown and polling stop, recording
// stops with a final flush and in-flight reports finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rt := s.attempt
	s.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}
	s.detector.Stop()
	s.recorder.Stop()
	s.reporter.Wait()
	s.cancel()
	return nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// sessionStarted runs inside the bootstrap once the session is live.
func (s *Session) sessionStarted(st bootstrap.Started) {
	s.mu.Lock()
	s.started = &st
	s.mu.Unlock()

	_ = s.journal.SessionStarted(s.ctx, s.id, st.Resumed, map[string]any{
		"test_id":           st.Test.ID,
		"remaining_seconds": st.Session.TimeRemainingSeconds,
		"screen":            st.Screen != nil,
		"webcam":            st.Webcam != nil,
	})
}

// enter loads the questions and starts recording, detection and the
// countdown. It is a no-op once the attempt runs.
func (s *Session) enter(ctx context.Context) error {
	s.mu.Lock()
	st := s.started
	if s.attempt != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if st == nil {
		return ErrNotInSession
	}

	questions, err := s.deps.Backend.Questions(ctx, s.handle.Token())
	if err != nil {
		_ = s.journal.Failure(ctx, "load_questions", err)
		return &attempt.RetryableError{Err: fmt.Errorf("load questions: %w", err)}
	}

	rt := attempt.New(attemptConfig(s.cfg), questions, st.Session.TimeRemaining(), s.deps.Backend, s.handle, s.deps.Clock, s.log)
	rt.SetRecorder(s.recorder)
	rt.SetMetrics(s.metrics)
	rt.SetJournal(s.journal)
	rt.OnComplete(s.completed)

	s.mu.Lock()
	if s.attempt != nil {
		s.mu.Unlock()
		return nil
	}
	s.attempt = rt
	s.mu.Unlock()

	if err := s.recorder.Start(st.Screen, st.Webcam); err != nil {
		s.log.Warn("recording not started", "error", err)
	}
	s.detector.Start(s.ctx)
	rt.Start(s.ctx)

	s.log.Info("attempt running",
		"questions", len(questions),
		"remaining", st.Session.TimeRemaining().Round(time.Second),
		"resumed", st.Resumed,
		"recording", s.recorder.State().String())
	return nil
}

func (s *Session) streamLost() {
	s.detector.ScreenShareStopped()
	_ = s.journal.Stream(s.ctx, true, nil)
}

func (s *Session) recorderState(st recorder.State) {
	blocked := st == recorder.StateBlocked
	s.mu.Lock()
	rt := s.attempt
	hook := s.onBlocked
	s.mu.Unlock()

	if rt != nil {
		if rt.Blocked() == blocked {
			return
		}
		rt.SetBlocked(blocked)
	}
	if hook != nil {
		hook(blocked)
	}
}

func (s *Session) completed(out attempt.Outcome) {
	reason := "manual"
	if out.Forced {
		reason = "timer"
	}
	_ = s.journal.SessionCompleted(s.ctx, reason)
	s.detector.Stop()

	s.mu.Lock()
	hook := s.onComplete
	s.mu.Unlock()
	if hook != nil {
		hook(out)
	}
}
