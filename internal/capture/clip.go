package capture

import (
	"fmt"
	"time"

	"proctor/internal/violation"
	"proctor/internal/webm"
)

// Clip is an assembled violation recording: the InitSegment of the encoder
// run followed by the pre- and post-trigger chunks in production order.
type Clip struct {
	Violation violation.Event
	Init      Chunk
	Chunks    []Chunk

	// Partial is set when the clip was flushed before the post-trigger
	// window filled.
	Partial bool

	// Duration is the declared clip length: every chunk, the InitSegment
	// included, counts as one nominal chunk duration.
	Duration time.Duration
}

// Len returns the number of chunks in the clip including the InitSegment.
func (c Clip) Len() int {
	return 1 + len(c.Chunks)
}

// Blob concatenates the clip's chunks and patches its container duration.
func (c Clip) Blob() []byte {
	size := len(c.Init.Data)
	for _, ch := range c.Chunks {
		size += len(ch.Data)
	}
	out := make([]byte, 0, size)
	out = append(out, c.Init.Data...)
	for _, ch := range c.Chunks {
		out = append(out, ch.Data...)
	}
	return webm.PatchDuration(out, c.Duration)
}

// FileName returns the upload name: "{type}_{epoch-ms}.webm".
func (c Clip) FileName() string {
	return fmt.Sprintf("%s_%d.webm", c.Violation.Type, c.Violation.Timestamp.UnixMilli())
}
