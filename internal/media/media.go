// Package media defines the capture surfaces the proctoring pipeline
// drives: device permission prompts, media streams and chunk-producing
// encoders. Hosts implement these on top of their platform media APIs;
// synthetic.go provides an in-process implementation for tests and the
// simulator.
package media

import (
	"context"
	"errors"
	"time"
)

// Surface is the kind of display surface a screen share captures.
type Surface string

// Display surfaces reported by screen-share pickers.
const (
	SurfaceMonitor Surface = "monitor"
	SurfaceWindow  Surface = "window"
	SurfaceBrowser Surface = "browser"
	SurfaceNone    Surface = ""
)

// Kind distinguishes screen from camera streams.
type Kind int

const (
	KindScreen Kind = iota
	KindWebcam
)

func (k Kind) String() string {
	switch k {
	case KindScreen:
		return "screen"
	case KindWebcam:
		return "webcam"
	default:
		return "unknown"
	}
}

// Stream is a live capture stream.
type Stream interface {
	// ID identifies the stream for logging.
	ID() string

	// Kind reports whether this is a screen or webcam stream.
	Kind() Kind

	// Surface reports the captured display surface. Webcam streams
	// return SurfaceNone.
	Surface() Surface

	// OnEnded registers fn to run when the stream ends outside the
	// caller's control, such as the user revoking a screen share. Stop
	// does not invoke it.
	OnEnded(fn func())

	// Stop stops every track of the stream. It is idempotent.
	Stop()
}

// Devices requests capture permissions from the user.
type Devices interface {
	// RequestScreen prompts for a screen share.
	RequestScreen(ctx context.Context) (Stream, error)

	// RequestWebcam prompts for camera access.
	RequestWebcam(ctx context.Context) (Stream, error)
}

// Profile is an encoding configuration an encoder may support.
type Profile struct {
	MIMEType           string `toml:"mime_type" json:"mime_type" yaml:"mime_type"`
	VideoBitsPerSecond int    `toml:"video_bits_per_second" json:"video_bits_per_second" yaml:"video_bits_per_second"`
}

// Encoder turns streams into a sequence of chunks.
type Encoder interface {
	// Start begins encoding and calls onChunk once per timeslice with
	// the encoded bytes, sequentially and in production order. The
	// first chunk carries the container header. onChunk is never invoked
	// before Start returns.
	Start(timeslice time.Duration, onChunk func(data []byte)) error

	// Stop ends encoding. It must not wait for an in-progress onChunk
	// call to return, and it is safe on an encoder that never started.
	Stop() error
}

// EncoderFactory creates encoders for a profile.
type EncoderFactory interface {
	// Supported reports whether the platform can encode p.
	Supported(p Profile) bool

	// NewEncoder constructs an encoder over streams.
	NewEncoder(p Profile, streams []Stream) (Encoder, error)
}

var (
	// ErrPermissionDenied is returned when the user refuses a prompt.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrPickerCancelled is returned when the user dismisses a picker.
	ErrPickerCancelled = errors.New("media: picker cancelled")

	// ErrUnsupportedProfile is returned for profiles the platform
	// cannot encode.
	ErrUnsupportedProfile = errors.New("media: unsupported encoding profile")
)
