// Package capture keeps a rolling window of recent media chunks and
// assembles violation clips that bracket the moment of a violation.
//
// While idle, chunks go into a pre-trigger ring of PreChunks entries. A
// trigger snapshots the ring and starts collecting PostChunks further
// chunks; once they arrive the clip (InitSegment + pre + post) is handed to
// the clip sink and the buffer returns to idle. At most one capture is in
// flight: triggers during a capture are absorbed into it.
package capture

import (
	"sync"
	"time"

	"proctor/internal/violation"
)

// Config sizes the capture windows.
type Config struct {
	// PreChunks is the number of chunks kept before a trigger.
	PreChunks int

	// PostChunks is the number of chunks collected after a trigger.
	PostChunks int

	// ChunkDuration is the nominal length of one encoder chunk.
	ChunkDuration time.Duration
}

// DefaultConfig returns ten seconds before and after each violation at one
// chunk per second.
func DefaultConfig() Config {
	return Config{
		PreChunks:     10,
		PostChunks:    10,
		ChunkDuration: time.Second,
	}
}

// Phase is the capture state tag.
type Phase int

const (
	// Idle means chunks feed the pre-trigger ring.
	Idle Phase = iota
	// Capturing means chunks feed the post-trigger window.
	Capturing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// State is a snapshot of the buffer. Pre, Post and Violation are only set
// while Capturing.
type State struct {
	Phase     Phase
	Pre       []Chunk
	Post      []Chunk
	Violation violation.Event
}

// capturing holds an in-flight capture.
type capturing struct {
	pre       []Chunk
	post      []Chunk
	violation violation.Event
}

// Buffer is the rolling capture buffer for one recording session.
type Buffer struct {
	mu     sync.Mutex
	config Config
	init   *Chunk
	ring   *ring
	active *capturing
	onClip func(Clip)
}

// NewBuffer returns an idle buffer that hands finished clips to onClip.
// onClip is called without the buffer lock held and may be nil.
func NewBuffer(cfg Config, onClip func(Clip)) *Buffer {
	if cfg.PreChunks < 0 {
		cfg.PreChunks = 0
	}
	if cfg.PostChunks < 0 {
		cfg.PostChunks = 0
	}
	return &Buffer{
		config: cfg,
		ring:   newRing(cfg.PreChunks),
		onClip: onClip,
	}
}

// SetInit installs the InitSegment of a new encoder run. The previous
// InitSegment, the ring and any in-flight capture belong to the old run and
// are discarded.
func (b *Buffer) SetInit(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.init = &c
	b.ring.reset()
	b.active = nil
}

// Recording reports whether an InitSegment is held, meaning an encoder run
// is live.
func (b *Buffer) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.init != nil
}

// OnChunk accepts the next chunk in production order.
func (b *Buffer) OnChunk(c Chunk) {
	b.mu.Lock()
	if b.active == nil {
		b.ring.push(c)
		b.mu.Unlock()
		return
	}

	b.active.post = append(b.active.post, c)
	if len(b.active.post) < b.config.PostChunks {
		b.mu.Unlock()
		return
	}

	clip, _ := b.assembleLocked(false)
	b.mu.Unlock()
	b.emit(clip)
}

// Trigger starts a capture for ev. It returns false, changing nothing, when
// a capture is already in flight or no encoder run is live.
func (b *Buffer) Trigger(ev violation.Event) bool {
	b.mu.Lock()
	if b.active != nil || b.init == nil {
		b.mu.Unlock()
		return false
	}

	b.active = &capturing{
		pre:       b.ring.snapshot(),
		post:      make([]Chunk, 0, b.config.PostChunks),
		violation: ev,
	}

	// With no post window the clip is complete at trigger time.
	if b.config.PostChunks == 0 {
		clip, ok := b.assembleLocked(false)
		b.mu.Unlock()
		if ok {
			b.emit(clip)
		}
		return true
	}
	b.mu.Unlock()
	return true
}

// Flush emits an in-flight capture with whatever post-trigger chunks have
// arrived and returns to idle. It returns false when nothing was emitted:
// no capture was in flight, or it held no media chunks yet.
func (b *Buffer) Flush() bool {
	b.mu.Lock()
	if b.active == nil || b.init == nil {
		b.active = nil
		b.mu.Unlock()
		return false
	}
	clip, ok := b.assembleLocked(len(b.active.post) < b.config.PostChunks)
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.emit(clip)
	return true
}

// Reset drops the InitSegment, the ring and any in-flight capture without
// emitting anything.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.init = nil
	b.ring.reset()
	b.active = nil
}

// State returns a snapshot of the capture state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return State{Phase: Idle}
	}
	return State{
		Phase:     Capturing,
		Pre:       append([]Chunk(nil), b.active.pre...),
		Post:      append([]Chunk(nil), b.active.post...),
		Violation: b.active.violation,
	}
}

// Buffered returns the number of chunks in the pre-trigger ring.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.len()
}

// assembleLocked builds the clip for the in-flight capture and resets the
// buffer to idle. ok is false when the capture holds no media chunks; such
// a clip would be an InitSegment alone and is dropped. Caller must hold
// b.mu and have checked b.active.
func (b *Buffer) assembleLocked(partial bool) (clip Clip, ok bool) {
	if len(b.active.pre)+len(b.active.post) == 0 {
		b.active = nil
		b.ring.reset()
		return Clip{}, false
	}
	chunks := make([]Chunk, 0, len(b.active.pre)+len(b.active.post))
	chunks = append(chunks, b.active.pre...)
	chunks = append(chunks, b.active.post...)

	clip = Clip{
		Violation: b.active.violation,
		Init:      *b.init,
		Chunks:    chunks,
		Partial:   partial,
		Duration:  time.Duration(1+len(chunks)) * b.config.ChunkDuration,
	}

	b.active = nil
	b.ring.reset()
	return clip, true
}

func (b *Buffer) emit(clip Clip) {
	if b.onClip != nil {
		b.onClip(clip)
	}
}
