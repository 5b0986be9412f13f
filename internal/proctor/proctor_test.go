package proctor

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctor/internal/api"
	"proctor/internal/attempt"
	"proctor/internal/bootstrap"
	"proctor/internal/clock"
	"proctor/internal/config"
	"proctor/internal/logging"
	"proctor/internal/media"
	"proctor/internal/metrics"
	"proctor/internal/mockbackend"
	"proctor/internal/recorder"
	"proctor/internal/violation"
)

type harness struct {
	t       *testing.T
	clock   *clock.FakeClock
	store   *mockbackend.Store
	seeded  mockbackend.Seeded
	client  *api.Client
	cfg     *config.Config
	journal bytes.Buffer
}

func newHarness(t *testing.T, durationMinutes int) *harness {
	t.Helper()
	h := &harness{t: t, clock: clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))}

	store, err := mockbackend.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	h.seeded, err = mockbackend.Seed(context.Background(), store, h.clock.Now(), durationMinutes)
	require.NoError(t, err)

	srv := httptest.NewServer(mockbackend.NewRouter(store, mockbackend.Options{
		Clock:    h.clock,
		Registry: metrics.NewRegistry("backend"),
	}))
	t.Cleanup(srv.Close)
	h.client = api.New(srv.URL, 5*time.Second)

	h.cfg = config.DefaultConfig()
	h.cfg.Capture.PreChunks = 2
	h.cfg.Capture.PostChunks = 2
	h.cfg.Detector.GracePeriodMs = 500
	return h
}

type attemptRig struct {
	session  *Session
	devices  *media.SyntheticDevices
	encoders *media.SyntheticEncoderFactory
}

func (h *harness) newSession() *attemptRig {
	rig := &attemptRig{
		devices:  &media.SyntheticDevices{},
		encoders: &media.SyntheticEncoderFactory{Clock: h.clock},
	}
	rig.session = New(h.cfg, h.seeded.Invitation, Deps{
		Backend:  h.client,
		Devices:  rig.devices,
		Encoders: rig.encoders,
		Clock:    h.clock,
		Logger:   logging.Discard(),
		Metrics:  metrics.NewRegistry("client"),
		Journal:  logging.NewJournal(&h.journal, "proctor"),
	})
	return rig
}

// begin runs validation, permissions and start, then lets the grace
// window close.
func (h *harness) begin(rig *attemptRig) {
	h.t.Helper()
	ctx := context.Background()

	v, err := rig.session.Open(ctx)
	require.NoError(h.t, err)
	require.False(h.t, v.IsResuming)

	perms, err := rig.session.RequestPermissions(ctx)
	require.NoError(h.t, err)
	require.True(h.t, perms.Screen)

	require.NoError(h.t, rig.session.Start(ctx))
	h.clock.Advance(time.Second)
}

func (h *harness) sessionToken(invitation string) string {
	h.t.Helper()
	sess, err := h.store.SessionForInvitation(context.Background(), invitation)
	require.NoError(h.t, err)
	return sess.Token
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestAttemptLifecycle(t *testing.T) {
	h := newHarness(t, 30)
	rig := h.newSession()
	s := rig.session

	var outcome *attempt.Outcome
	s.OnComplete(func(o attempt.Outcome) { outcome = &o })

	h.begin(rig)
	assert.Equal(t, bootstrap.StateInSession, s.Bootstrap().State())
	assert.Equal(t, recorder.StateRecording, s.Recorder().State())
	require.NotNil(t, s.Attempt())
	assert.Len(t, s.Attempt().Questions(), 3)

	h.clock.Advance(3 * time.Second)
	assert.True(t, s.Signals().VisibilityHidden())
	h.clock.Advance(3 * time.Second)

	rt := s.Attempt()
	_, q, ok := rt.Current()
	require.True(t, ok)
	require.NoError(t, rt.SaveCode(q.ID, "func Sum(xs []int) int { return 0 }", "go"))

	out, err := s.Submit(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, out.Forced)
	assert.Equal(t, 3, out.Submitted)
	assert.Zero(t, out.Failed)
	require.NotNil(t, outcome)
	assert.Equal(t, recorder.StateStopped, s.Recorder().State())

	require.NoError(t, s.Close())

	ctx := context.Background()
	token := h.sessionToken(h.seeded.Invitation)
	stored, err := h.store.Session(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, stored.Status)

	answers, err := h.store.Answers(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "go", answers[q.ID].Language)

	acts, err := h.store.Activities(ctx, token)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, string(violation.TypeTabSwitch), acts[0].Type)

	clips, err := h.store.Clips(ctx, token)
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, string(violation.TypeTabSwitch), clips[0].ViolationType)
	assert.True(t, api.VerifyClipDigest(clips[0].Digest, clips[0].Data))

	assert.Equal(t, uint64(1), s.Metrics().ClipsUploaded.Value())
	assert.Equal(t, uint64(1), s.Metrics().ActivityPosted.Value())

	journal := h.journal.String()
	assert.Contains(t, journal, `"session_started"`)
	assert.Contains(t, journal, `"session_completed"`)
	assert.Contains(t, journal, s.ID())
	assert.NotContains(t, journal, token)
}

func TestSignalsSuppressedDuringGrace(t *testing.T) {
	h := newHarness(t, 30)
	rig := h.newSession()
	s := rig.session
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.RequestPermissions(ctx)
	require.NoError(t, err)

	assert.False(t, s.Signals().FocusLost())
	h.clock.Advance(time.Second)
	assert.True(t, s.Signals().FocusLost())
	require.NoError(t, s.Close())
}

func TestTimerForcesSubmission(t *testing.T) {
	h := newHarness(t, 1)
	rig := h.newSession()
	s := rig.session

	h.begin(rig)
	h.clock.Advance(time.Minute)

	out, done := s.Attempt().Completed()
	require.True(t, done)
	assert.True(t, out.Forced)
	assert.Equal(t, 3, out.Submitted)
	require.NoError(t, s.Close())

	stored, err := h.store.Session(context.Background(), h.sessionToken(h.seeded.Invitation))
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, stored.Status)
}

func TestStartRequiresScreen(t *testing.T) {
	h := newHarness(t, 30)
	rig := h.newSession()
	defer rig.session.Close()

	_, err := rig.session.Open(context.Background())
	require.NoError(t, err)
	err = rig.session.Start(context.Background())
	assert.ErrorIs(t, err, bootstrap.ErrScreenRequired)
	assert.Nil(t, rig.session.Attempt())
}

func TestOperationsAfterClose(t *testing.T) {
	h := newHarness(t, 30)
	rig := h.newSession()
	require.NoError(t, rig.session.Close())
	require.NoError(t, rig.session.Close())

	_, err := rig.session.Open(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = rig.session.Submit(context.Background(), true)
	assert.ErrorIs(t, err, ErrNotInSession)
}

// =============================================================================
// Screen share recovery
// =============================================================================

func TestScreenShareLossBlocksAttempt(t *testing.T) {
	h := newHarness(t, 30)
	rig := h.newSession()
	s := rig.session
	defer s.Close()

	var blocked []bool
	s.OnBlocked(func(b bool) { blocked = append(blocked, b) })

	h.begin(rig)
	h.clock.Advance(2 * time.Second)

	rig.devices.LastScreen().End()
	assert.True(t, s.Blocked())
	assert.True(t, s.Attempt().Blocked())
	assert.ErrorIs(t, s.Attempt().Next(), attempt.ErrBlocked)
	assert.Equal(t, 1, s.Violations().Count(violation.TypeScreenShareStopped))

	rig.devices.Screen = []media.ScreenResponse{{Surface: media.SurfaceWindow}}
	err := s.Reshare(context.Background())
	assert.ErrorIs(t, err, recorder.ErrWrongSurface)
	assert.True(t, s.Blocked())

	require.NoError(t, s.Reshare(context.Background()))
	assert.False(t, s.Blocked())
	assert.False(t, s.Attempt().Blocked())
	assert.Equal(t, recorder.StateRecording, s.Recorder().State())
	assert.Equal(t, []bool{true, false}, blocked)

	assert.ErrorIs(t, s.Reshare(context.Background()), recorder.ErrNotBlocked)
}

func TestResumeAfterReload(t *testing.T) {
	h := newHarness(t, 30)
	first := h.newSession()
	h.begin(first)
	h.clock.Advance(5 * time.Minute)
	require.NoError(t, first.session.Close())

	second := h.newSession()
	s := second.session
	defer s.Close()

	v, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.True(t, v.IsResuming)
	assert.Equal(t, bootstrap.StateInSession, s.Bootstrap().State())
	assert.Equal(t, h.sessionToken(h.seeded.Invitation), s.Handle().Token())

	rt := s.Attempt()
	require.NotNil(t, rt)
	require.NotNil(t, v.Session)
	assert.InDelta(t, float64(25*time.Minute), float64(rt.Remaining()), float64(2*time.Second))
	assert.Equal(t, v.Session.TimeRemaining(), rt.Remaining())
	assert.True(t, s.Blocked())
	assert.True(t, rt.Blocked())

	require.NoError(t, s.Reshare(context.Background()))
	assert.False(t, rt.Blocked())
}
