package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"proctor/internal/clock"
	"proctor/internal/webm"
)

var streamSeq atomic.Uint64

// SyntheticStream is an in-process Stream. End simulates the user revoking
// the capture.
type SyntheticStream struct {
	id      string
	kind    Kind
	surface Surface

	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded []func()
}

// NewSyntheticStream returns a live stream of the given kind and surface.
func NewSyntheticStream(kind Kind, surface Surface) *SyntheticStream {
	return &SyntheticStream{
		id:      fmt.Sprintf("%s-%d", kind, streamSeq.Add(1)),
		kind:    kind,
		surface: surface,
	}
}

func (s *SyntheticStream) ID() string       { return s.id }
func (s *SyntheticStream) Kind() Kind       { return s.kind }
func (s *SyntheticStream) Surface() Surface { return s.surface }

// OnEnded registers fn for End.
func (s *SyntheticStream) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

// Stop stops the stream without running OnEnded callbacks.
func (s *SyntheticStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Stopped reports whether Stop was called.
func (s *SyntheticStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// End ends a live stream and runs its OnEnded callbacks. Ending a stopped
// or already ended stream does nothing.
func (s *SyntheticStream) End() {
	s.mu.Lock()
	if s.stopped || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	callbacks := append([]func(){}, s.onEnded...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// ScreenResponse scripts one RequestScreen outcome.
type ScreenResponse struct {
	Surface Surface
	Err     error
}

// SyntheticDevices answers permission prompts from a script. Screen
// requests consume Screen in order and then grant entire-screen shares.
type SyntheticDevices struct {
	mu        sync.Mutex
	Screen    []ScreenResponse
	WebcamErr error

	// OnPrompt, when set, runs while each prompt is open.
	OnPrompt func(kind Kind)

	screenCalls int
	webcamCalls int
	streams     []*SyntheticStream
}

// RequestScreen returns the next scripted screen share.
func (d *SyntheticDevices) RequestScreen(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.screenCalls++
	resp := ScreenResponse{Surface: SurfaceMonitor}
	if len(d.Screen) > 0 {
		resp = d.Screen[0]
		d.Screen = d.Screen[1:]
	}
	prompt := d.OnPrompt
	d.mu.Unlock()

	if prompt != nil {
		prompt(KindScreen)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	s := NewSyntheticStream(KindScreen, resp.Surface)
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// RequestWebcam grants a camera stream unless WebcamErr is set.
func (d *SyntheticDevices) RequestWebcam(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.webcamCalls++
	err := d.WebcamErr
	prompt := d.OnPrompt
	d.mu.Unlock()

	if prompt != nil {
		prompt(KindWebcam)
	}
	if err != nil {
		return nil, err
	}

	s := NewSyntheticStream(KindWebcam, SurfaceNone)
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Calls returns how many screen and webcam prompts were shown.
func (d *SyntheticDevices) Calls() (screen, webcam int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenCalls, d.webcamCalls
}

// LastScreen returns the most recently granted screen stream.
func (d *SyntheticDevices) LastScreen() *SyntheticStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.streams) - 1; i >= 0; i-- {
		if d.streams[i].kind == KindScreen {
			return d.streams[i]
		}
	}
	return nil
}

// SyntheticEncoderFactory creates SyntheticEncoders that emit one chunk
// per timeslice on Clock.
type SyntheticEncoderFactory struct {
	Clock clock.Clock

	// Supports lists supported MIME types. Empty means every profile
	// is supported.
	Supports []string

	// NewErr, when set, fails every NewEncoder call.
	NewErr error

	// StartErr, when set, fails every Start call.
	StartErr error

	mu       sync.Mutex
	encoders []*SyntheticEncoder
}

// Supported reports whether p.MIMEType is in Supports.
func (f *SyntheticEncoderFactory) Supported(p Profile) bool {
	if len(f.Supports) == 0 {
		return true
	}
	for _, m := range f.Supports {
		if m == p.MIMEType {
			return true
		}
	}
	return false
}

// NewEncoder returns an unstarted encoder.
func (f *SyntheticEncoderFactory) NewEncoder(p Profile, streams []Stream) (Encoder, error) {
	if !f.Supported(p) {
		return nil, ErrUnsupportedProfile
	}
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	clk := f.Clock
	if clk == nil {
		clk = clock.Real()
	}
	e := &SyntheticEncoder{
		profile:  p,
		streams:  append([]Stream(nil), streams...),
		clock:    clk,
		startErr: f.StartErr,
	}
	f.mu.Lock()
	f.encoders = append(f.encoders, e)
	f.mu.Unlock()
	return e, nil
}

// Encoders returns every encoder the factory constructed, probes included.
func (f *SyntheticEncoderFactory) Encoders() []*SyntheticEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*SyntheticEncoder(nil), f.encoders...)
}

// SyntheticEncoder emits a WebM header chunk followed by fake cluster
// chunks.
type SyntheticEncoder struct {
	profile  Profile
	streams  []Stream
	clock    clock.Clock
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	seq     uint64
	timer   *clock.Timer
}

// Profile returns the encoder's profile.
func (e *SyntheticEncoder) Profile() Profile { return e.profile }

// Start schedules chunk emission every timeslice.
func (e *SyntheticEncoder) Start(timeslice time.Duration, onChunk func([]byte)) error {
	if e.startErr != nil {
		return e.startErr
	}
	if timeslice <= 0 {
		return fmt.Errorf("media: invalid timeslice %s", timeslice)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("media: encoder already started")
	}
	e.started = true

	var tick func()
	tick = func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.seq++
		data := clusterBytes(e.seq)
		if e.seq == 1 {
			data = append(webm.Header(), data...)
		}
		e.timer = e.clock.AfterFunc(timeslice, tick)
		e.mu.Unlock()

		onChunk(data)
	}
	e.timer = e.clock.AfterFunc(timeslice, tick)
	return nil
}

// Stop cancels future chunks.
func (e *SyntheticEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.timer.Stop()
	return nil
}

// Started reports whether Start succeeded.
func (e *SyntheticEncoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stopped reports whether Stop was called.
func (e *SyntheticEncoder) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Emitted returns how many chunks have been produced.
func (e *SyntheticEncoder) Emitted() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// clusterBytes fakes a Matroska Cluster carrying seq.
func clusterBytes(seq uint64) []byte {
	out := []byte{0x1F, 0x43, 0xB6, 0x75, 0x88}
	return binary.BigEndian.AppendUint64(out, seq)
}
