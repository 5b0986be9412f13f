package mockbackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"proctor/internal/api"
	"proctor/internal/clock"
	"proctor/internal/health"
	"proctor/internal/logging"
	"proctor/internal/metrics"
)

// maxClipBytes bounds one violation-clip upload.
const maxClipBytes = 64 << 20

// Options configure the HTTP handlers.
type Options struct {
	Clock    clock.Clock
	Logger   *logging.Logger
	Registry *metrics.Registry

	// ClipDir, when set, also receives uploaded clips as files.
	ClipDir string

	// MetricsPath, when set, serves Registry in Prometheus format.
	MetricsPath string
}

type server struct {
	store   *Store
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Server
	clipDir string
}

// NewRouter returns the backend REST API over store.
func NewRouter(store *Store, opts Options) *http.ServeMux {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &server{
		store:   store,
		clock:   opts.Clock,
		log:     opts.Logger.WithComponent("mockbackend"),
		metrics: metrics.NewServer(opts.Registry),
		clipDir: opts.ClipDir,
	}

	checks := health.NewChecker()
	checks.Register("database", true, store.Ping)
	if opts.ClipDir != "" {
		checks.Register("clip_dir", false, health.DirCheck(opts.ClipDir))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.route("health", checks.Handler().ServeHTTP))
	mux.HandleFunc("GET /api/v1/invitations/{token}/validate", s.route("validate", s.validate))
	mux.HandleFunc("POST /api/v1/sessions/start", s.route("start", s.start))
	mux.HandleFunc("GET /api/v1/sessions/{token}/questions", s.route("questions", s.questions))
	mux.HandleFunc("POST /api/v1/sessions/{token}/submit", s.route("submit", s.submit))
	mux.HandleFunc("POST /api/v1/sessions/{token}/activity", s.route("activity", s.activity))
	mux.HandleFunc("POST /api/v1/sessions/{token}/complete", s.route("complete", s.complete))
	mux.HandleFunc("POST /api/v1/sessions/{token}/violation-clip", s.route("violation_clip", s.violationClip))

	if opts.MetricsPath != "" {
		registry := opts.Registry
		if registry == nil {
			registry = metrics.Default()
		}
		mux.Handle("GET "+opts.MetricsPath, registry.HTTPHandler())
	}
	return mux
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// route wraps a handler with request logging and metrics.
func (s *server) route(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = s.log.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), id))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)

		s.metrics.Request(name, sw.status)
		s.log.WithContext(r.Context()).Debug("request handled",
			"route", name,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", "operation", op, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (s *server) remaining(sess Session, t Test) int {
	total := time.Duration(t.DurationMinutes) * time.Minute
	left := total - s.clock.Now().Sub(sess.StartedAt)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

func (s *server) sessionView(sess Session, t Test) *api.Session {
	return &api.Session{
		Token:                sess.Token,
		Status:               sess.Status,
		TimeRemainingSeconds: s.remaining(sess, t),
		StartedAt:            sess.StartedAt,
	}
}

func (s *server) testView(r *http.Request, t Test) (api.Test, error) {
	qs, err := s.store.Questions(r.Context(), t.ID)
	if err != nil {
		return api.Test{}, err
	}
	return api.Test{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		DurationMinutes: t.DurationMinutes,
		QuestionCount:   len(qs),
	}, nil
}

// invitationTest loads an invitation and its published test, writing the
// error response when either check fails.
func (s *server) invitationTest(w http.ResponseWriter, r *http.Request, token string) (Invitation, Test, bool) {
	inv, err := s.store.Invitation(r.Context(), token)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Invitation not found")
		return Invitation{}, Test{}, false
	}
	if err != nil {
		s.internal(w, "load_invitation", err)
		return Invitation{}, Test{}, false
	}
	t, err := s.store.Test(r.Context(), inv.TestID)
	if err != nil {
		s.internal(w, "load_test", err)
		return Invitation{}, Test{}, false
	}
	if !t.Published {
		writeError(w, http.StatusForbidden, "Test is not published")
		return Invitation{}, Test{}, false
	}
	return inv, t, true
}

func (s *server) validate(w http.ResponseWriter, r *http.Request) {
	inv, t, ok := s.invitationTest(w, r, r.PathValue("token"))
	if !ok {
		return
	}
	view, err := s.testView(r, t)
	if err != nil {
		s.internal(w, "load_questions", err)
		return
	}

	if inv.Used() {
		sess, err := s.store.SessionForInvitation(r.Context(), inv.Token)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.internal(w, "load_session", err)
			return
		}
		if err == nil && sess.Status == api.StatusInProgress && s.remaining(sess, t) > 0 {
			writeJSON(w, http.StatusOK, api.Validation{
				Test:       view,
				IsResuming: true,
				Session:    s.sessionView(sess, t),
			})
			return
		}
		writeError(w, http.StatusGone, "Invitation already used")
		return
	}
	if !s.clock.Now().Before(inv.ExpiresAt) {
		writeError(w, http.StatusGone, "Invitation has expired")
		return
	}
	writeJSON(w, http.StatusOK, api.Validation{Test: view})
}

func (s *server) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvitationToken string `json:"invitation_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.InvitationToken == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "invitation_token is required"}},
		})
		return
	}

	inv, t, ok := s.invitationTest(w, r, req.InvitationToken)
	if !ok {
		return
	}
	if !inv.Used() && !s.clock.Now().Before(inv.ExpiresAt) {
		writeError(w, http.StatusGone, "Invitation has expired")
		return
	}

	sess, err := s.store.StartSession(r.Context(), inv.Token, s.clock.Now())
	if errors.Is(err, ErrAlreadyUsed) {
		writeError(w, http.StatusBadRequest, "Invitation already used")
		return
	}
	if err != nil {
		s.internal(w, "start_session", err)
		return
	}
	s.log.Info("session started", "test_id", t.ID)
	writeJSON(w, http.StatusOK, s.sessionView(sess, t))
}

// liveSession loads the session named in the path and its test. Completed
// sessions are rejected unless allowCompleted is set.
func (s *server) liveSession(w http.ResponseWriter, r *http.Request, allowCompleted bool) (Session, Test, bool) {
	sess, err := s.store.Session(r.Context(), r.PathValue("token"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return Session{}, Test{}, false
	}
	if err != nil {
		s.internal(w, "load_session", err)
		return Session{}, Test{}, false
	}
	if !allowCompleted && sess.Status == api.StatusCompleted {
		writeError(w, http.StatusBadRequest, "Session already completed")
		return Session{}, Test{}, false
	}
	inv, err := s.store.Invitation(r.Context(), sess.Invitation)
	if err != nil {
		s.internal(w, "load_invitation", err)
		return Session{}, Test{}, false
	}
	t, err := s.store.Test(r.Context(), inv.TestID)
	if err != nil {
		s.internal(w, "load_test", err)
		return Session{}, Test{}, false
	}
	return sess, t, true
}

func (s *server) questions(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.liveSession(w, r, false)
	if !ok {
		return
	}
	qs, err := s.store.Questions(r.Context(), t.ID)
	if err != nil {
		s.internal(w, "load_questions", err)
		return
	}
	if qs == nil {
		qs = []api.Question{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	sess, t, ok := s.liveSession(w, r, false)
	if !ok {
		return
	}
	var sub api.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	qs, err := s.store.Questions(r.Context(), t.ID)
	if err != nil {
		s.internal(w, "load_questions", err)
		return
	}
	var question *api.Question
	for i := range qs {
		if qs[i].ID == sub.QuestionID {
			question = &qs[i]
			break
		}
	}
	if question == nil {
		writeError(w, http.StatusNotFound, "Question not found")
		return
	}

	if err := s.store.SaveAnswer(r.Context(), sess.Token, sub, s.clock.Now()); err != nil {
		s.internal(w, "save_answer", err)
		return
	}
	result := api.SubmitResult{QuestionID: sub.QuestionID, Status: "submitted"}
	if question.Type == api.QuestionCoding {
		result.Status = "queued"
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) activity(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.liveSession(w, r, true)
	if !ok {
		return
	}
	var act api.Activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if act.Type == "" {
		writeError(w, http.StatusBadRequest, "activity_type is required")
		return
	}
	if err := s.store.AddActivity(r.Context(), sess.Token, act, s.clock.Now()); err != nil {
		s.internal(w, "add_activity", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "logged"})
}

func (s *server) complete(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.liveSession(w, r, true)
	if !ok {
		return
	}
	now := s.clock.Now().UTC()
	err := s.store.CompleteSession(r.Context(), sess.Token, now)
	if errors.Is(err, ErrAlreadyCompleted) {
		writeError(w, http.StatusBadRequest, "Session already completed")
		return
	}
	if err != nil {
		s.internal(w, "complete_session", err)
		return
	}
	s.log.Info("session completed")
	writeJSON(w, http.StatusOK, api.Completion{Status: api.StatusCompleted, CompletedAt: now})
}

func (s *server) violationClip(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.liveSession(w, r, true)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxClipBytes)
	if err := r.ParseMultipartForm(maxClipBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("clip")
	if err != nil {
		writeError(w, http.StatusBadRequest, "clip file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable clip")
		return
	}

	digest := r.Header.Get(api.DigestHeader)
	if !api.VerifyClipDigest(digest, data) {
		writeError(w, http.StatusBadRequest, "Clip digest mismatch")
		return
	}

	clip := Clip{
		SessionToken:  sess.Token,
		FileName:      filepath.Base(hdr.Filename),
		ViolationType: r.FormValue("violation_type"),
		Description:   r.FormValue("description"),
		OccurredAt:    r.FormValue("occurred_at"),
		Digest:        digest,
		Data:          data,
	}
	if err := s.store.AddClip(r.Context(), clip, s.clock.Now()); err != nil {
		s.internal(w, "add_clip", err)
		return
	}
	if s.clipDir != "" {
		if err := s.writeClipFile(clip); err != nil {
			s.log.Warn("clip file not written", "file", clip.FileName, "error", err)
		}
	}
	s.metrics.ClipStored(clip.ViolationType, len(data))
	s.log.Info("clip stored", "file", clip.FileName, "type", clip.ViolationType, "size", len(data))
	writeJSON(w, http.StatusCreated, map[string]any{"file_name": clip.FileName, "size": len(data)})
}

func (s *server) writeClipFile(c Clip) error {
	dir := filepath.Join(s.clipDir, filepath.Base(c.SessionToken))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create clip directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, c.FileName), c.Data, 0644)
}
