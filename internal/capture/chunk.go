package capture

import "time"

// Chunk is one encoder data segment. Chunks are never mutated after the
// recorder creates them.
type Chunk struct {
	Seq        uint64
	Data       []byte
	ProducedAt time.Time
}

// ring is a fixed-capacity FIFO of chunks. Pushing onto a full ring evicts
// the oldest chunk.
type ring struct {
	buf   []Chunk
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Chunk, capacity)}
}

func (r *ring) push(c Chunk) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = c
		r.size++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the ring contents oldest first.
func (r *ring) snapshot() []Chunk {
	out := make([]Chunk, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) reset() {
	clear(r.buf)
	r.start = 0
	r.size = 0
}

func (r *ring) len() int { return r.size }
