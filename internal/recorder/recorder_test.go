package recorder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/capture"
	"proctor/internal/clock"
	"proctor/internal/media"
	"proctor/internal/metrics"
	"proctor/internal/violation"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type clipSink struct {
	mu    sync.Mutex
	clips []capture.Clip
}

func (s *clipSink) handle(c capture.Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, c)
}

func (s *clipSink) all() []capture.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Clip(nil), s.clips...)
}

type fixture struct {
	clock   *clock.FakeClock
	factory *media.SyntheticEncoderFactory
	buffer  *capture.Buffer
	sink    *clipSink
	ctrl    *Controller
	screen  *media.SyntheticStream
	webcam  *media.SyntheticStream
}

func newFixture(t *testing.T, supports ...string) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(epoch), sink: &clipSink{}}
	f.factory = &media.SyntheticEncoderFactory{Clock: f.clock, Supports: supports}
	f.buffer = capture.NewBuffer(capture.Config{PreChunks: 3, PostChunks: 2, ChunkDuration: time.Second}, f.sink.handle)
	profiles := []media.Profile{
		{MIMEType: "video/webm;codecs=vp9,opus"},
		{MIMEType: "video/webm;codecs=vp8"},
		{MIMEType: "video/webm"},
	}
	f.ctrl = New(Config{Timeslice: time.Second, Profiles: profiles}, f.factory, f.buffer, f.clock, nil)
	f.screen = media.NewSyntheticStream(media.KindScreen, media.SurfaceMonitor)
	f.webcam = media.NewSyntheticStream(media.KindWebcam, media.SurfaceNone)
	return f
}

func seqs(chunks []capture.Chunk) []uint64 {
	out := make([]uint64, len(chunks))
	for i, c := range chunks {
		out[i] = c.Seq
	}
	return out
}

func tabSwitch(at time.Time) violation.Event {
	return violation.Event{Type: violation.TypeTabSwitch, Description: "left", Timestamp: at}
}

// =============================================================================
// Start and profile selection
// =============================================================================

func TestStartSelectsFirstSupportedProfile(t *testing.T) {
	f := newFixture(t, "video/webm;codecs=vp8", "video/webm")
	require.NoError(t, f.ctrl.Start(f.screen, f.webcam))

	assert.Equal(t, StateRecording, f.ctrl.State())
	assert.Equal(t, "video/webm;codecs=vp8", f.ctrl.Profile().MIMEType)

	encoders := f.factory.Encoders()
	require.Len(t, encoders, 2, "probe plus the real encoder")
	assert.True(t, encoders[0].Stopped(), "probe is discarded")
	assert.False(t, encoders[0].Started())
	assert.True(t, encoders[1].Started())
}

func TestFirstChunkBecomesInitSegment(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))

	assert.False(t, f.buffer.Recording())
	f.clock.Advance(time.Second)
	assert.True(t, f.buffer.Recording())
	assert.Equal(t, 0, f.buffer.Buffered())

	f.clock.Advance(3 * time.Second)
	assert.Equal(t, 3, f.buffer.Buffered())
}

func TestNoSupportedProfileDegrades(t *testing.T) {
	f := newFixture(t, "video/mp4")
	m := metrics.NewClient(metrics.NewRegistry("t"))
	f.ctrl.SetMetrics(m)

	require.NoError(t, f.ctrl.Start(f.screen, nil))
	assert.Equal(t, StateDegraded, f.ctrl.State())
	assert.Empty(t, f.factory.Encoders())
	assert.Equal(t, uint64(1), m.DegradedStarts.Value())
	assert.Equal(t, int64(StateDegraded), m.RecordingState.Value())
}

func TestEncoderStartFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.factory.StartErr = errors.New("device busy")

	require.NoError(t, f.ctrl.Start(f.screen, nil))
	assert.Equal(t, StateDegraded, f.ctrl.State())
	f.clock.Advance(5 * time.Second)
	assert.False(t, f.buffer.Recording())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))
	assert.ErrorIs(t, f.ctrl.Start(f.screen, nil), ErrAlreadyStarted)
}

// =============================================================================
// Stream loss and reacquire
// =============================================================================

func TestStreamLossNotifiesBeforeFlush(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, f.webcam))
	f.clock.Advance(6 * time.Second) // init + chunks 2..6

	var states []State
	f.ctrl.SetStateHandler(func(s State) { states = append(states, s) })
	f.ctrl.SetStreamLostHandler(func() {
		assert.True(t, f.buffer.Trigger(violation.Event{
			Type:      violation.TypeScreenShareStopped,
			Timestamp: f.clock.Now(),
		}))
	})

	f.screen.End()

	clips := f.sink.all()
	require.Len(t, clips, 1)
	assert.Equal(t, violation.TypeScreenShareStopped, clips[0].Violation.Type)
	assert.Equal(t, []uint64{4, 5, 6}, seqs(clips[0].Chunks))
	assert.True(t, clips[0].Partial)
	assert.Equal(t, 4*time.Second, clips[0].Duration)

	assert.Equal(t, StateBlocked, f.ctrl.State())
	assert.Equal(t, []State{StateBlocked}, states)
	assert.False(t, f.buffer.Recording())
	assert.Nil(t, f.ctrl.Screen())
	assert.True(t, f.factory.Encoders()[1].Stopped())
	assert.False(t, f.webcam.Stopped(), "webcam survives screen loss")

	f.clock.Advance(5 * time.Second)
	assert.Len(t, f.sink.all(), 1)
}

func TestStreamLossRightAfterClipUploadsNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))
	f.clock.Advance(6 * time.Second)

	require.True(t, f.buffer.Trigger(tabSwitch(f.clock.Now())))
	f.clock.Advance(2 * time.Second)
	require.Len(t, f.sink.all(), 1)

	f.ctrl.SetStreamLostHandler(func() {
		f.buffer.Trigger(violation.Event{
			Type:      violation.TypeScreenShareStopped,
			Timestamp: f.clock.Now(),
		})
	})
	f.screen.End()

	clips := f.sink.all()
	require.Len(t, clips, 1, "no clip without media chunks")
	assert.Equal(t, violation.TypeTabSwitch, clips[0].Violation.Type)
	assert.Equal(t, StateBlocked, f.ctrl.State())
}

func TestReacquireRejectsWrongSurface(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))
	f.screen.End()

	window := media.NewSyntheticStream(media.KindScreen, media.SurfaceWindow)
	assert.ErrorIs(t, f.ctrl.Reacquire(window), ErrWrongSurface)
	assert.True(t, window.Stopped())
	assert.Equal(t, StateBlocked, f.ctrl.State())
}

func TestReacquireResumesRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, f.webcam))
	f.clock.Advance(3 * time.Second)
	f.ctrl.mu.Lock()
	oldGen := f.ctrl.gen
	f.ctrl.mu.Unlock()

	f.screen.End()

	replacement := media.NewSyntheticStream(media.KindScreen, media.SurfaceMonitor)
	require.NoError(t, f.ctrl.Reacquire(replacement))
	assert.Equal(t, StateRecording, f.ctrl.State())
	assert.Same(t, replacement, f.ctrl.Screen())

	// a late chunk from the superseded run is dropped
	f.ctrl.chunk(oldGen, []byte{0xFF})
	assert.False(t, f.buffer.Recording())

	f.clock.Advance(3 * time.Second)
	assert.True(t, f.buffer.Recording())
	assert.Equal(t, 2, f.buffer.Buffered())

	// a second loss of the replacement is handled too
	replacement.End()
	assert.Equal(t, StateBlocked, f.ctrl.State())
}

func TestReacquireWhileRecording(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))

	extra := media.NewSyntheticStream(media.KindScreen, media.SurfaceMonitor)
	assert.ErrorIs(t, f.ctrl.Reacquire(extra), ErrNotBlocked)
	assert.True(t, extra.Stopped())
	assert.False(t, f.screen.Stopped())
}

func TestStartWithoutScreenThenReacquire(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(nil, f.webcam))
	assert.Equal(t, StateBlocked, f.ctrl.State())

	require.NoError(t, f.ctrl.Reacquire(f.screen))
	assert.Equal(t, StateRecording, f.ctrl.State())
	require.Len(t, f.factory.Encoders(), 2)
}

// =============================================================================
// Stop
// =============================================================================

func TestStopFlushesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, f.webcam))
	f.clock.Advance(4 * time.Second)
	require.True(t, f.buffer.Trigger(tabSwitch(f.clock.Now())))
	f.clock.Advance(time.Second)

	f.ctrl.Stop()
	f.ctrl.Stop()

	clips := f.sink.all()
	require.Len(t, clips, 1)
	assert.True(t, clips[0].Partial)
	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs(clips[0].Chunks))

	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.True(t, f.screen.Stopped())
	assert.True(t, f.webcam.Stopped())
	assert.False(t, f.buffer.Recording())

	assert.ErrorIs(t, f.ctrl.Start(f.screen, nil), ErrStopped)
	late := media.NewSyntheticStream(media.KindScreen, media.SurfaceMonitor)
	assert.ErrorIs(t, f.ctrl.Reacquire(late), ErrStopped)
	assert.True(t, late.Stopped())
}

func TestStreamEndAfterStopIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctrl.Start(f.screen, nil))
	called := false
	f.ctrl.SetStreamLostHandler(func() { called = true })
	f.ctrl.Stop()

	f.screen.End()
	assert.False(t, called)
	assert.Equal(t, StateStopped, f.ctrl.State())
}
