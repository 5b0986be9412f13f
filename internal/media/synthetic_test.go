package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/clock"
	"proctor/internal/webm"
)

func TestSyntheticEncoderEmitsHeaderFirst(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	factory := &SyntheticEncoderFactory{Clock: clk}
	enc, err := factory.NewEncoder(Profile{MIMEType: "video/webm"}, nil)
	require.NoError(t, err)

	var chunks [][]byte
	require.NoError(t, enc.Start(time.Second, func(b []byte) { chunks = append(chunks, b) }))

	clk.Advance(3 * time.Second)
	require.Len(t, chunks, 3)

	_, _, ok := webm.Locate(chunks[0])
	assert.True(t, ok, "first chunk carries the container header")
	_, _, ok = webm.Locate(chunks[1])
	assert.False(t, ok)

	require.NoError(t, enc.Stop())
	clk.Advance(3 * time.Second)
	assert.Len(t, chunks, 3)
}

func TestSyntheticEncoderStopBeforeStart(t *testing.T) {
	factory := &SyntheticEncoderFactory{}
	enc, err := factory.NewEncoder(Profile{MIMEType: "video/webm"}, nil)
	require.NoError(t, err)
	assert.NoError(t, enc.Stop())
}

func TestSyntheticFactorySupports(t *testing.T) {
	factory := &SyntheticEncoderFactory{Supports: []string{"video/webm;codecs=vp8"}}
	assert.True(t, factory.Supported(Profile{MIMEType: "video/webm;codecs=vp8"}))
	assert.False(t, factory.Supported(Profile{MIMEType: "video/webm;codecs=vp9"}))

	_, err := factory.NewEncoder(Profile{MIMEType: "video/webm;codecs=vp9"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProfile)
}

func TestSyntheticStreamEndRunsCallbacksOnce(t *testing.T) {
	s := NewSyntheticStream(KindScreen, SurfaceMonitor)
	ended := 0
	s.OnEnded(func() { ended++ })

	s.End()
	s.End()
	assert.Equal(t, 1, ended)
}

func TestSyntheticStreamStopSuppressesEnd(t *testing.T) {
	s := NewSyntheticStream(KindScreen, SurfaceMonitor)
	ended := false
	s.OnEnded(func() { ended = true })

	s.Stop()
	s.End()
	assert.False(t, ended)
	assert.True(t, s.Stopped())
}

func TestSyntheticDevicesScript(t *testing.T) {
	d := &SyntheticDevices{
		Screen: []ScreenResponse{
			{Surface: SurfaceWindow},
			{Err: ErrPickerCancelled},
		},
		WebcamErr: ErrPermissionDenied,
	}
	ctx := context.Background()

	s, err := d.RequestScreen(ctx)
	require.NoError(t, err)
	assert.Equal(t, SurfaceWindow, s.Surface())

	_, err = d.RequestScreen(ctx)
	assert.ErrorIs(t, err, ErrPickerCancelled)

	s, err = d.RequestScreen(ctx)
	require.NoError(t, err)
	assert.Equal(t, SurfaceMonitor, s.Surface())
	assert.Same(t, s, d.LastScreen())

	_, err = d.RequestWebcam(ctx)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	screen, webcam := d.Calls()
	assert.Equal(t, 3, screen)
	assert.Equal(t, 1, webcam)
}
