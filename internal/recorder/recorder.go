// Package recorder owns the encoder lifecycle for one proctored attempt:
// profile selection, feeding chunks into the rolling capture buffer, and
// recovery when the screen share is lost.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"proctor/internal/capture"
	"proctor/internal/clock"
	"proctor/internal/logging"
	"proctor/internal/media"
	"proctor/internal/metrics"
)

var (
	// ErrWrongSurface is returned when a replacement screen share does
	// not capture the entire screen.
	ErrWrongSurface = errors.New("recorder: screen share must capture the entire screen")

	// ErrStopped is returned for operations after Stop.
	ErrStopped = errors.New("recorder: stopped")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("recorder: already started")

	// ErrNotBlocked is returned by Reacquire while a screen stream is live.
	ErrNotBlocked = errors.New("recorder: screen share is active")

	// ErrNoSupportedProfile is returned when no configured profile can be
	// encoded.
	ErrNoSupportedProfile = errors.New("recorder: no supported encoding profile")
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateDegraded
	StateBlocked
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDegraded:
		return "degraded"
	case StateBlocked:
		return "blocked"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Buffer is the chunk sink. capture.Buffer implements it.
type Buffer interface {
	SetInit(c capture.Chunk)
	OnChunk(c capture.Chunk)
	Flush() bool
	Reset()
}

// Config controls encoding.
type Config struct {
	// Timeslice is the chunk emission interval.
	Timeslice time.Duration

	// Profiles is the preference list, best first.
	Profiles []media.Profile
}

// Controller runs the encoder over the screen and webcam streams.
type Controller struct {
	mu      sync.Mutex
	feedMu  sync.Mutex // serialises buffer access between chunks and teardown
	cfg     Config
	factory media.EncoderFactory
	buffer  Buffer
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Client

	state   State
	screen  media.Stream
	webcam  media.Stream
	encoder media.Encoder
	profile media.Profile
	gen     uint64
	seq     uint64

	onStreamLost func()
	onState      func(State)
}

// New creates an idle controller.
func New(cfg Config, factory media.EncoderFactory, buffer Buffer, clk clock.Clock, log *logging.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{
		cfg:     cfg,
		factory: factory,
		buffer:  buffer,
		clock:   clk,
		log:     log.WithComponent("recorder"),
	}
}

// SetStreamLostHandler sets the hook run when the screen share ends. It
// runs before the in-flight capture is flushed, so a trigger raised from
// it still sees the pre-trigger window.
func (c *Controller) SetStreamLostHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStreamLost = fn
}

// SetStateHandler sets the hook run after each state change.
func (c *Controller) SetStateHandler(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// SetMetrics attaches client metrics.
func (c *Controller) SetMetrics(m *metrics.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the profile of the current encoder run.
func (c *Controller) Profile() media.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Screen returns the live screen stream, or nil.
func (c *Controller) Screen() media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen
}

// Start begins recording screen and webcam. Either may be nil. Encoder
// failures leave the controller Degraded rather than failing the attempt;
// starting without a screen stream leaves it Blocked until Reacquire.
func (c *Controller) Start(screen, webcam media.Stream) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateIdle:
	default:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}

	c.webcam = webcam
	if screen == nil {
		c.setStateLocked(StateBlocked)
		c.log.Warn("starting without a screen stream")
		hook := c.onState
		c.mu.Unlock()
		notify(hook, StateBlocked)
		return nil
	}

	c.attachScreenLocked(screen)
	state := c.startEncoderLocked()
	hook := c.onState
	c.mu.Unlock()

	notify(hook, state)
	return nil
}

// Reacquire resumes recording on a replacement screen share. Streams that
// do not capture the entire screen are stopped and rejected with
// ErrWrongSurface, leaving the controller blocked.
func (c *Controller) Reacquire(stream media.Stream) error {
	if stream == nil {
		return fmt.Errorf("recorder: nil stream")
	}
	if stream.Surface() != media.SurfaceMonitor {
		stream.Stop()
		c.log.Warn("rejected replacement share", "surface", string(stream.Surface()))
		return ErrWrongSurface
	}

	c.mu.Lock()
	switch {
	case c.state == StateStopped:
		c.mu.Unlock()
		stream.Stop()
		return ErrStopped
	case c.screen != nil:
		c.mu.Unlock()
		stream.Stop()
		return ErrNotBlocked
	}

	c.attachScreenLocked(stream)
	state := c.startEncoderLocked()
	hook := c.onState
	c.mu.Unlock()

	c.log.Info("screen share reacquired", "state", state.String())
	notify(hook, state)
	return nil
}

// Stop flushes any in-flight capture, stops the encoder and every stream.
// It is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	enc := c.encoder
	screen, webcam := c.screen, c.webcam
	c.encoder, c.screen, c.webcam = nil, nil, nil
	c.setStateLocked(StateStopped)
	hook := c.onState
	c.mu.Unlock()

	c.feedMu.Lock()
	c.buffer.Flush()
	c.buffer.Reset()
	c.feedMu.Unlock()

	stopEncoder(enc, c.log)
	for _, s := range []media.Stream{screen, webcam} {
		if s != nil {
			s.Stop()
		}
	}
	notify(hook, StateStopped)
}

func (c *Controller) attachScreenLocked(screen media.Stream) {
	c.screen = screen
	screen.OnEnded(func() { c.streamLost(screen) })
}

// streamLost tears down the encoder run after the screen share ends.
func (c *Controller) streamLost(screen media.Stream) {
	c.mu.Lock()
	if c.screen != screen || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	enc := c.encoder
	c.encoder = nil
	c.screen = nil
	c.setStateLocked(StateBlocked)
	lost := c.onStreamLost
	hook := c.onState
	m := c.metrics
	c.mu.Unlock()

	c.log.Warn("screen share ended")
	if m != nil {
		m.StreamLosses.Inc()
	}
	if lost != nil {
		lost()
	}

	c.feedMu.Lock()
	c.buffer.Flush()
	stopEncoder(enc, c.log)
	c.buffer.Reset()
	c.feedMu.Unlock()

	notify(hook, StateBlocked)
}

// startEncoderLocked starts a new encoder run and returns the resulting
// state.
func (c *Controller) startEncoderLocked() State {
	streams := []media.Stream{c.screen}
	if c.webcam != nil {
		streams = append(streams, c.webcam)
	}

	profile, err := c.selectProfileLocked(streams)
	if err == nil {
		err = c.runEncoderLocked(profile, streams)
	}
	if err != nil {
		c.log.Warn("recording unavailable, continuing without it", "error", err)
		if c.metrics != nil {
			c.metrics.DegradedStarts.Inc()
		}
		c.setStateLocked(StateDegraded)
		return StateDegraded
	}

	c.log.Info("recording started", "mime_type", profile.MIMEType)
	c.setStateLocked(StateRecording)
	return StateRecording
}

// selectProfileLocked walks the preference list and returns the first
// profile that is supported and for which an encoder can be constructed.
// The probe encoder is discarded.
func (c *Controller) selectProfileLocked(streams []media.Stream) (media.Profile, error) {
	for _, p := range c.cfg.Profiles {
		if !c.factory.Supported(p) {
			c.log.Debug("profile unsupported", "mime_type", p.MIMEType)
			continue
		}
		probe, err := c.factory.NewEncoder(p, streams)
		if err != nil {
			c.log.Debug("profile rejected", "mime_type", p.MIMEType, "error", err)
			continue
		}
		stopEncoder(probe, c.log)
		return p, nil
	}
	return media.Profile{}, ErrNoSupportedProfile
}

func (c *Controller) runEncoderLocked(profile media.Profile, streams []media.Stream) error {
	enc, err := c.factory.NewEncoder(profile, streams)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}

	c.gen++
	c.seq = 0
	gen := c.gen
	if err := enc.Start(c.cfg.Timeslice, func(data []byte) { c.chunk(gen, data) }); err != nil {
		stopEncoder(enc, c.log)
		return fmt.Errorf("start encoder: %w", err)
	}

	c.encoder = enc
	c.profile = profile
	if c.metrics != nil {
		c.metrics.EncoderStarts.Inc()
	}
	return nil
}

// chunk receives encoder output. The first chunk of a run is the
// InitSegment; chunks from superseded runs are dropped.
func (c *Controller) chunk(gen uint64, data []byte) {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.seq++
	ch := capture.Chunk{Seq: c.seq, Data: data, ProducedAt: c.clock.Now()}
	c.mu.Unlock()

	if ch.Seq == 1 {
		c.buffer.SetInit(ch)
		return
	}
	c.buffer.OnChunk(ch)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	if c.metrics != nil {
		c.metrics.RecordingState.Set(int64(s))
	}
}

func stopEncoder(enc media.Encoder, log *logging.Logger) {
	if enc == nil {
		return
	}
	if err := enc.Stop(); err != nil {
		log.Debug("encoder stop failed", "error", err)
	}
}

func notify(hook func(State), s State) {
	if hook != nil {
		hook(s)
	}
}
