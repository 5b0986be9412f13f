// Package bootstrap drives an attempt from invitation to live session.
//
// Device permissions are always acquired before the backend is asked to
// start the session. A screen-share prompt can navigate the page on some
// platforms; acquiring first keeps the invitation unconsumed if that
// happens. A start that the backend rejects as "already used" is recovered
// by validating the invitation again and resuming the session it reports.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proctor/internal/api"
	"proctor/internal/logging"
	"proctor/internal/media"
	"proctor/internal/session"
)

var (
	// ErrStartInProgress is returned when StartTest is called while a
	// start is already in flight.
	ErrStartInProgress = errors.New("bootstrap: session start already in progress")

	// ErrScreenRequired is returned by StartTest before the screen share
	// permission is held.
	ErrScreenRequired = errors.New("bootstrap: screen share permission required")

	// ErrWrongSurface is returned when the shared surface is not the
	// entire screen. The stream has already been stopped.
	ErrWrongSurface = errors.New("bootstrap: share your entire screen")

	// ErrNotValidated is returned for operations that need a validated
	// invitation.
	ErrNotValidated = errors.New("bootstrap: invitation not validated")

	// ErrInvalid is returned for every operation once the invitation was
	// found invalid.
	ErrInvalid = errors.New("bootstrap: invitation cannot be used")

	// ErrInSession is returned once the session is live.
	ErrInSession = errors.New("bootstrap: session already started")

	// ErrBusy is returned when an operation overlaps another one.
	ErrBusy = errors.New("bootstrap: another operation is in progress")
)

// State is the bootstrap state.
type State int

const (
	StateNotRequested State = iota
	StateValidating
	StateInvalid
	StateRequestingPermissions
	StatePermissionsPartial
	StatePermissionsGranted
	StateStartingSession
	StateInSession
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateNotRequested:
		return "not_requested"
	case StateValidating:
		return "validating"
	case StateInvalid:
		return "invalid"
	case StateRequestingPermissions:
		return "requesting_permissions"
	case StatePermissionsPartial:
		return "permissions_partial"
	case StatePermissionsGranted:
		return "permissions_granted"
	case StateStartingSession:
		return "starting_session"
	case StateInSession:
		return "in_session"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Permissions records which devices were granted. Grants are never
// revoked within an attempt.
type Permissions struct {
	Screen bool
	Webcam bool
}

// Started describes a live session handed to the rest of the attempt.
type Started struct {
	Session api.Session
	Test    api.Test
	Screen  media.Stream
	Webcam  media.Stream
	Resumed bool
}

// RetryableError is a failure the user can retry from the same screen.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s failed, please try again: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Backend is the part of the API client the bootstrap uses.
type Backend interface {
	ValidateInvitation(ctx context.Context, invitation string) (*api.Validation, error)
	StartSession(ctx context.Context, invitation string) (*api.Session, error)
}

// Grace brackets permission prompts so the dialogs do not raise
// violations. detector.Detector implements it.
type Grace interface {
	BeginGrace()
	EndGrace()
}

// Machine is the bootstrap state machine for one attempt.
type Machine struct {
	backend Backend
	devices media.Devices
	handle  *session.Handle
	log     *logging.Logger

	mu        sync.Mutex
	grace     Grace
	journal   *logging.Journal
	state     State
	validated bool
	invalid   error
	perms     Permissions
	screen    media.Stream
	webcam    media.Stream
	test      api.Test
	pending   []State

	onSession func(Started)
	onState   func(State)
}

// New returns a machine for the invitation held by handle.
func New(backend Backend, devices media.Devices, handle *session.Handle, log *logging.Logger) *Machine {
	if log == nil {
		log = logging.Discard()
	}
	return &Machine{
		backend: backend,
		devices: devices,
		handle:  handle,
		log:     log.WithComponent("bootstrap"),
	}
}

// SetGrace sets the grace bracket used around permission prompts.
func (m *Machine) SetGrace(g Grace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grace = g
}

// SetJournal attaches the proctoring journal.
func (m *Machine) SetJournal(j *logging.Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

// OnSession sets the hook run once the session is live.
func (m *Machine) OnSession(fn func(Started)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSession = fn
}

// OnState sets the hook run after each state change.
func (m *Machine) OnState(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Permissions returns the granted permissions.
func (m *Machine) Permissions() Permissions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms
}

// Test returns the test of the validated invitation.
func (m *Machine) Test() api.Test {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.test
}

// ValidateInvitation checks the invitation. An invitation with a session
// already in progress resumes that session directly and returns with the
// machine InSession. Invalid or unpublished invitations move the machine
// to Invalid for good.
func (m *Machine) ValidateInvitation(ctx context.Context) (*api.Validation, error) {
	m.mu.Lock()
	if m.state == StateInvalid {
		err := m.invalid
		m.unlock()
		return nil, err
	}
	if m.state != StateNotRequested || m.validated {
		m.unlock()
		return nil, ErrBusy
	}
	m.transitionLocked(StateValidating)
	m.unlock()

	v, err := m.backend.ValidateInvitation(ctx, m.handle.Invitation())
	if err != nil {
		m.mu.Lock()
		if errors.Is(err, api.ErrInvalidInvitation) || errors.Is(err, api.ErrNotPublished) {
			m.invalid = fmt.Errorf("%w: %w", ErrInvalid, err)
			m.transitionLocked(StateInvalid)
			err = m.invalid
		} else {
			m.transitionLocked(StateNotRequested)
			err = &RetryableError{Op: "validate invitation", Err: err}
		}
		m.unlock()
		m.log.Warn("invitation validation failed", "error", err)
		return nil, err
	}

	m.mu.Lock()
	m.validated = true
	m.test = v.Test
	if !v.IsResuming || v.Session == nil {
		m.transitionLocked(StateNotRequested)
		m.unlock()
		m.log.Info("invitation valid", "test", v.Test.ID)
		return v, nil
	}
	m.unlock()

	if err := m.resume(*v.Session); err != nil {
		m.restore(StateNotRequested)
		return nil, &RetryableError{Op: "resume session", Err: err}
	}
	return v, nil
}

// RequestPermissions prompts for the screen share, then the webcam.
// The screen share is mandatory and must capture the entire screen; the
// webcam is best-effort. Streams already granted are never requested
// again, so calling this from PermissionsPartial only retries the webcam.
func (m *Machine) RequestPermissions(ctx context.Context) (Permissions, error) {
	m.mu.Lock()
	switch {
	case m.state == StateInvalid:
		err := m.invalid
		m.unlock()
		return Permissions{}, err
	case m.state == StateInSession:
		perms := m.perms
		m.unlock()
		return perms, ErrInSession
	case !m.validated:
		m.unlock()
		return Permissions{}, ErrNotValidated
	case m.state == StatePermissionsGranted:
		perms := m.perms
		m.unlock()
		return perms, nil
	case m.state != StateNotRequested && m.state != StatePermissionsPartial:
		m.unlock()
		return Permissions{}, ErrBusy
	}
	prev := m.state
	needScreen := !m.perms.Screen
	grace := m.grace
	journal := m.journal
	m.transitionLocked(StateRequestingPermissions)
	m.unlock()

	if grace != nil {
		grace.BeginGrace()
		defer grace.EndGrace()
	}

	if needScreen {
		screen, err := m.devices.RequestScreen(ctx)
		if err == nil && screen.Surface() != media.SurfaceMonitor {
			m.log.Warn("rejected screen share surface", "surface", string(screen.Surface()))
			screen.Stop()
			err = ErrWrongSurface
		}
		_ = journal.Permission(ctx, "screen", err)
		if err != nil {
			m.mu.Lock()
			m.transitionLocked(prev)
			perms := m.perms
			m.unlock()
			return perms, fmt.Errorf("bootstrap: screen share: %w", err)
		}
		m.mu.Lock()
		m.screen = screen
		m.perms.Screen = true
		m.unlock()
	}

	webcam, err := m.devices.RequestWebcam(ctx)
	_ = journal.Permission(ctx, "webcam", err)
	if err != nil {
		m.log.Warn("webcam unavailable, continuing without it", "error", err)
	}

	m.mu.Lock()
	defer m.unlock()
	if err == nil {
		m.webcam = webcam
		m.perms.Webcam = true
	}
	if m.perms.Webcam {
		m.transitionLocked(StatePermissionsGranted)
	} else {
		m.transitionLocked(StatePermissionsPartial)
	}
	return m.perms, nil
}

// StartTest asks the backend to start the session. It refuses before the
// screen share is held and returns ErrStartInProgress, without a network
// call, while another start is in flight.
func (m *Machine) StartTest(ctx context.Context) (*api.Session, error) {
	m.mu.Lock()
	switch m.state {
	case StateStartingSession:
		m.unlock()
		return nil, ErrStartInProgress
	case StateInSession, StateResuming:
		m.unlock()
		return nil, ErrInSession
	case StateInvalid:
		err := m.invalid
		m.unlock()
		return nil, err
	case StatePermissionsGranted, StatePermissionsPartial:
	default:
		screen := m.perms.Screen
		m.unlock()
		if !screen {
			return nil, ErrScreenRequired
		}
		return nil, ErrBusy
	}
	prev := m.state
	m.transitionLocked(StateStartingSession)
	m.unlock()

	invitation := m.handle.Invitation()
	sess, err := m.backend.StartSession(ctx, invitation)
	if err == nil {
		if err := m.live(*sess, false); err != nil {
			m.restore(prev)
			return nil, &RetryableError{Op: "start test", Err: err}
		}
		return sess, nil
	}

	if api.IsAlreadyUsed(err) {
		m.log.Info("invitation already used, recovering session")
		v, verr := m.backend.ValidateInvitation(ctx, invitation)
		switch {
		case verr == nil && v.IsResuming && v.Session != nil:
			if rerr := m.resume(*v.Session); rerr != nil {
				m.restore(prev)
				return nil, &RetryableError{Op: "start test", Err: rerr}
			}
			return v.Session, nil
		case verr != nil && (errors.Is(verr, api.ErrInvalidInvitation) || errors.Is(verr, api.ErrNotPublished)):
			m.mu.Lock()
			m.invalid = fmt.Errorf("%w: %w", ErrInvalid, verr)
			m.transitionLocked(StateInvalid)
			err := m.invalid
			m.unlock()
			return nil, err
		case verr != nil:
			err = verr
		}
	}

	m.log.Warn("session start failed", "error", err)
	m.restore(prev)
	return nil, &RetryableError{Op: "start test", Err: err}
}

func (m *Machine) restore(prev State) {
	m.mu.Lock()
	defer m.unlock()
	m.transitionLocked(prev)
}

// resume enters the session reported by validation, passing through
// Resuming.
func (m *Machine) resume(sess api.Session) error {
	m.mu.Lock()
	m.transitionLocked(StateResuming)
	m.unlock()
	m.log.Info("resuming session", "remaining_seconds", sess.TimeRemainingSeconds)
	return m.live(sess, true)
}

func (m *Machine) live(sess api.Session, resumed bool) error {
	if err := m.handle.SetToken(sess.Token, sess.StartedAt, resumed); err != nil {
		return err
	}

	m.mu.Lock()
	m.transitionLocked(StateInSession)
	started := Started{
		Session: sess,
		Test:    m.test,
		Screen:  m.screen,
		Webcam:  m.webcam,
		Resumed: resumed,
	}
	hook := m.onSession
	m.unlock()

	m.log.Info("session live", "resumed", resumed, "screen", started.Screen != nil, "webcam", started.Webcam != nil)
	if hook != nil {
		hook(started)
	}
	return nil
}

// transitionLocked sets the state and queues it for the state hook, which
// unlock runs once the lock is released.
func (m *Machine) transitionLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.pending = append(m.pending, s)
}

func (m *Machine) unlock() {
	pending := m.pending
	m.pending = nil
	hook := m.onState
	m.mu.Unlock()
	if hook == nil {
		return
	}
	for _, s := range pending {
		hook(s)
	}
}
