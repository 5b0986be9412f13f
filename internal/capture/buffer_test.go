package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/violation"
	"proctor/internal/webm"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clipSink struct {
	mu    sync.Mutex
	clips []Clip
}

func (s *clipSink) handle(c Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, c)
}

func (s *clipSink) all() []Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Clip(nil), s.clips...)
}

func chunk(seq uint64) Chunk {
	return Chunk{
		Seq:        seq,
		Data:       []byte{byte(seq)},
		ProducedAt: epoch.Add(time.Duration(seq) * time.Second),
	}
}

func initChunk() Chunk {
	return Chunk{Seq: 0, Data: webm.Header(), ProducedAt: epoch}
}

func newTestBuffer(pre, post int) (*Buffer, *clipSink) {
	sink := &clipSink{}
	b := NewBuffer(Config{PreChunks: pre, PostChunks: post, ChunkDuration: time.Second}, sink.handle)
	b.SetInit(initChunk())
	return b, sink
}

func seqs(chunks []Chunk) []uint64 {
	out := make([]uint64, len(chunks))
	for i, c := range chunks {
		out[i] = c.Seq
	}
	return out
}

func tabSwitch() violation.Event {
	return violation.Event{Type: violation.TypeTabSwitch, Description: "tab hidden", Timestamp: epoch.Add(time.Minute)}
}

// =============================================================================
// Rolling window
// =============================================================================

func TestRingEvictsOldest(t *testing.T) {
	b, _ := newTestBuffer(3, 2)
	for seq := uint64(1); seq <= 7; seq++ {
		b.OnChunk(chunk(seq))
	}
	assert.Equal(t, 3, b.Buffered())

	require.True(t, b.Trigger(tabSwitch()))
	assert.Equal(t, []uint64{5, 6, 7}, seqs(b.State().Pre))
}

func TestClipContainsPrePostAndInit(t *testing.T) {
	const pre, post = 4, 3

	for _, history := range []int{pre, pre + 1, pre + 9} {
		b, sink := newTestBuffer(pre, post)
		seq := uint64(1)
		for i := 0; i < history; i++ {
			b.OnChunk(chunk(seq))
			seq++
		}

		require.True(t, b.Trigger(tabSwitch()))
		for i := 0; i < post; i++ {
			b.OnChunk(chunk(seq))
			seq++
		}

		clips := sink.all()
		require.Len(t, clips, 1)
		clip := clips[0]
		assert.Equal(t, pre+post+1, clip.Len())
		assert.False(t, clip.Partial)
		assert.Equal(t, uint64(0), clip.Init.Seq)

		got := seqs(clip.Chunks)
		for i := 1; i < len(got); i++ {
			assert.Equal(t, got[i-1]+1, got[i], "chunks out of production order")
		}
		assert.Equal(t, uint64(history-pre+1), got[0])
		assert.Equal(t, time.Duration(pre+post+1)*time.Second, clip.Duration)
		assert.Equal(t, Idle, b.State().Phase)
		assert.Equal(t, 0, b.Buffered())
	}
}

func TestClipWithShortHistory(t *testing.T) {
	b, sink := newTestBuffer(5, 2)
	b.OnChunk(chunk(1))
	require.True(t, b.Trigger(tabSwitch()))
	b.OnChunk(chunk(2))
	b.OnChunk(chunk(3))

	clips := sink.all()
	require.Len(t, clips, 1)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(clips[0].Chunks))
	assert.Equal(t, 4*time.Second, clips[0].Duration)
}

// =============================================================================
// Trigger semantics
// =============================================================================

func TestTriggerWhileCapturingIsNoop(t *testing.T) {
	b, sink := newTestBuffer(2, 3)
	b.OnChunk(chunk(1))
	b.OnChunk(chunk(2))

	first := tabSwitch()
	require.True(t, b.Trigger(first))
	b.OnChunk(chunk(3))
	before := b.State()

	second := violation.Event{Type: violation.TypeWindowBlur, Timestamp: epoch.Add(2 * time.Minute)}
	assert.False(t, b.Trigger(second))
	assert.Equal(t, before, b.State())

	b.OnChunk(chunk(4))
	b.OnChunk(chunk(5))

	clips := sink.all()
	require.Len(t, clips, 1)
	assert.Equal(t, first, clips[0].Violation)
}

func TestTriggerWithoutRecordingIsNoop(t *testing.T) {
	sink := &clipSink{}
	b := NewBuffer(DefaultConfig(), sink.handle)

	assert.False(t, b.Recording())
	assert.False(t, b.Trigger(tabSwitch()))
	assert.Equal(t, Idle, b.State().Phase)
}

func TestTriggerWithZeroPostEmitsImmediately(t *testing.T) {
	b, sink := newTestBuffer(2, 0)
	b.OnChunk(chunk(1))
	require.True(t, b.Trigger(tabSwitch()))

	clips := sink.all()
	require.Len(t, clips, 1)
	assert.Equal(t, 2, clips[0].Len())
	assert.Equal(t, Idle, b.State().Phase)
}

// =============================================================================
// Flush / reset
// =============================================================================

func TestFlushEmitsPartialClip(t *testing.T) {
	b, sink := newTestBuffer(3, 5)
	b.OnChunk(chunk(1))
	b.OnChunk(chunk(2))
	require.True(t, b.Trigger(tabSwitch()))
	b.OnChunk(chunk(3))

	require.True(t, b.Flush())

	clips := sink.all()
	require.Len(t, clips, 1)
	assert.True(t, clips[0].Partial)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(clips[0].Chunks))
	assert.Equal(t, 4*time.Second, clips[0].Duration)
	assert.Equal(t, Idle, b.State().Phase)

	assert.False(t, b.Flush(), "second flush has nothing to emit")
	assert.Len(t, sink.all(), 1)
}

func TestFlushWithoutMediaEmitsNothing(t *testing.T) {
	b, sink := newTestBuffer(3, 5)
	require.True(t, b.Trigger(tabSwitch()))

	assert.False(t, b.Flush())
	assert.Empty(t, sink.all())
	assert.Equal(t, Idle, b.State().Phase)

	b.OnChunk(chunk(1))
	require.True(t, b.Trigger(tabSwitch()))
	require.True(t, b.Flush())
	require.Len(t, sink.all(), 1)
	assert.Equal(t, []uint64{1}, seqs(sink.all()[0].Chunks))
}

func TestZeroPostWithoutMediaEmitsNothing(t *testing.T) {
	b, sink := newTestBuffer(2, 0)
	require.True(t, b.Trigger(tabSwitch()))
	assert.Empty(t, sink.all())
	assert.Equal(t, Idle, b.State().Phase)
}

func TestFlushIdleEmitsNothing(t *testing.T) {
	b, sink := newTestBuffer(3, 5)
	b.OnChunk(chunk(1))
	assert.False(t, b.Flush())
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, b.Buffered(), "flush while idle keeps the ring")
}

func TestSetInitDiscardsPreviousRun(t *testing.T) {
	b, sink := newTestBuffer(3, 2)
	b.OnChunk(chunk(1))
	require.True(t, b.Trigger(tabSwitch()))

	b.SetInit(Chunk{Seq: 100, Data: webm.Header()})
	assert.Equal(t, Idle, b.State().Phase)
	assert.Equal(t, 0, b.Buffered())

	b.OnChunk(chunk(101))
	b.OnChunk(chunk(102))
	assert.Empty(t, sink.all())
}

func TestResetStopsRecording(t *testing.T) {
	b, sink := newTestBuffer(3, 2)
	b.OnChunk(chunk(1))
	require.True(t, b.Trigger(tabSwitch()))

	b.Reset()

	assert.False(t, b.Recording())
	assert.False(t, b.Flush())
	assert.False(t, b.Trigger(tabSwitch()))
	assert.Empty(t, sink.all())
}

// =============================================================================
// Clip assembly
// =============================================================================

func TestClipBlobIsPatched(t *testing.T) {
	b, sink := newTestBuffer(2, 1)
	b.OnChunk(chunk(1))
	b.OnChunk(chunk(2))
	require.True(t, b.Trigger(tabSwitch()))
	b.OnChunk(chunk(3))

	clips := sink.all()
	require.Len(t, clips, 1)
	blob := clips[0].Blob()

	header := webm.Header()
	assert.Len(t, blob, len(header)+3)
	assert.Equal(t, []byte{1, 2, 3}, blob[len(header):])

	got, ok := webm.ReadDuration(blob)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, got)
}

func TestClipFileName(t *testing.T) {
	clip := Clip{Violation: violation.Event{
		Type:      violation.TypeMultipleMonitors,
		Timestamp: time.UnixMilli(1767225600123),
	}}
	assert.Equal(t, "multiple_monitors_1767225600123.webm", clip.FileName())
}

func TestConcurrentChunksAndFlush(t *testing.T) {
	b, sink := newTestBuffer(10, 1000)
	for seq := uint64(1); seq <= 10; seq++ {
		b.OnChunk(chunk(seq))
	}
	require.True(t, b.Trigger(tabSwitch()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(11); seq < 200; seq++ {
			b.OnChunk(chunk(seq))
		}
	}()
	b.Flush()
	wg.Wait()

	clips := sink.all()
	require.Len(t, clips, 1)
	assert.True(t, clips[0].Partial)
	assert.GreaterOrEqual(t, len(clips[0].Chunks), 10)
}
