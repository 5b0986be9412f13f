// Package attempt runs the timed test-taking session: the question list,
// the candidate's answers, the countdown and the completion sequence.
//
// At most one completion runs at a time. The countdown reaching zero
// forces completion without confirmation; if a manual submission is in
// flight at that moment, the forced path waits for it and runs only if it
// fails.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proctor/internal/api"
	"proctor/internal/clock"
	"proctor/internal/logging"
	"proctor/internal/metrics"
	"proctor/internal/session"
)

var (
	ErrBlocked          = errors.New("attempt: screen share lost, share your screen to continue")
	ErrCompleted        = errors.New("attempt: already submitted")
	ErrSubmitInProgress = errors.New("attempt: submission in progress")
	ErrNotConfirmed     = errors.New("attempt: submission not confirmed")
	ErrNoQuestion       = errors.New("attempt: no such question")
	ErrNoSession        = errors.New("attempt: no session token")
)

// RetryableError is a submission failure the candidate can retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("submission failed, please try again: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Backend is the part of the API client the runtime uses.
type Backend interface {
	Submit(ctx context.Context, token string, sub api.Submission) (*api.SubmitResult, error)
	Complete(ctx context.Context, token string) (*api.Completion, error)
}

// Recorder is stopped, flushing any in-flight clip, before answers are
// submitted. recorder.Controller implements it.
type Recorder interface {
	Stop()
}

// Config controls the runtime.
type Config struct {
	// Tick is the countdown granularity.
	Tick time.Duration

	// DefaultLanguage is used for coding questions without a language.
	DefaultLanguage string
}

// Answer is the candidate's latest answer to one question.
type Answer struct {
	QuestionID      string
	Code            string
	Language        string
	SelectedOptions []string
	Text            string
	UpdatedAt       time.Time
}

func (a Answer) clone() Answer {
	a.SelectedOptions = append([]string(nil), a.SelectedOptions...)
	return a
}

// Outcome describes a finished completion.
type Outcome struct {
	Forced           bool
	AlreadyCompleted bool
	Submitted        int
	Failed           int
	Results          []api.SubmitResult
}

// Runtime is one timed attempt.
type Runtime struct {
	cfg     Config
	backend Backend
	handle  *session.Handle
	clock   clock.Clock
	log     *logging.Logger

	mu        sync.Mutex
	questions []api.Question
	answers   map[string]*Answer
	current   int
	remaining time.Duration
	timer     *clock.Timer
	ctx       context.Context
	started   bool
	expired   bool
	blocked   bool

	submitting   bool
	forcePending bool
	completed    bool
	outcome      Outcome

	recorder   Recorder
	metrics    *metrics.Client
	journal    *logging.Journal
	onTick     func(time.Duration)
	onComplete func(Outcome)
}

// New returns a runtime with default answers for questions and remaining
// time on the clock.
func New(cfg Config, questions []api.Question, remaining time.Duration, backend Backend, handle *session.Handle, clk clock.Clock, log *logging.Logger) *Runtime {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Discard()
	}
	r := &Runtime{
		cfg:       cfg,
		backend:   backend,
		handle:    handle,
		clock:     clk,
		log:       log.WithComponent("attempt"),
		questions: append([]api.Question(nil), questions...),
		answers:   make(map[string]*Answer, len(questions)),
		remaining: remaining,
		ctx:       context.Background(),
	}
	now := clk.Now()
	for _, q := range r.questions {
		r.answers[q.ID] = r.defaultAnswer(q, now)
	}
	return r
}

func (r *Runtime) defaultAnswer(q api.Question, now time.Time) *Answer {
	a := &Answer{QuestionID: q.ID, UpdatedAt: now}
	if q.Type == api.QuestionCoding {
		a.Code = q.StarterCode
		a.Language = q.Language
		if a.Language == "" {
			a.Language = r.cfg.DefaultLanguage
		}
	}
	return a
}

// SetRecorder sets the recorder stopped at completion.
func (r *Runtime) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// SetMetrics attaches client metrics.
func (r *Runtime) SetMetrics(m *metrics.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// SetJournal attaches the proctoring journal.
func (r *Runtime) SetJournal(j *logging.Journal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = j
}

// OnTick sets the hook run with the remaining time after every tick.
func (r *Runtime) OnTick(fn func(time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTick = fn
}

// OnComplete sets the hook run once the attempt completes. The in-flight
// flag is already cleared when it runs.
func (r *Runtime) OnComplete(fn func(Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = fn
}

// Start begins the countdown. ctx bounds the forced completion. Time that
// is already up forces completion immediately.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.completed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ctx = ctx
	if r.remaining <= 0 {
		r.expired = true
		r.mu.Unlock()
		r.forceSubmit()
		return
	}
	r.timer = r.clock.AfterFunc(r.cfg.Tick, r.tick)
	r.mu.Unlock()
}

// Stop cancels the countdown without completing.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer.Stop()
	r.timer = nil
}

func (r *Runtime) tick() {
	r.mu.Lock()
	if r.completed || r.timer == nil {
		r.mu.Unlock()
		return
	}
	r.remaining -= r.cfg.Tick
	if r.remaining <= 0 {
		r.remaining = 0
		r.expired = true
		r.timer = nil
	} else {
		r.timer = r.clock.AfterFunc(r.cfg.Tick, r.tick)
	}
	remaining, expired := r.remaining, r.expired
	hook, m := r.onTick, r.metrics
	r.mu.Unlock()

	if m != nil {
		m.RemainingSeconds.Set(int64(remaining / time.Second))
	}
	if hook != nil {
		hook(remaining)
	}
	if expired {
		r.log.Info("time is up, submitting")
		r.forceSubmit()
	}
}

// Remaining returns the time left.
func (r *Runtime) Remaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Expired reports whether the countdown reached zero.
func (r *Runtime) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired
}

// SetBlocked blocks or unblocks candidate interaction while the screen
// share is lost. The countdown keeps running.
func (r *Runtime) SetBlocked(blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = blocked
}

// Blocked reports whether interaction is blocked.
func (r *Runtime) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// Completed reports whether the attempt completed, and how.
func (r *Runtime) Completed() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.completed
}

// Submitting reports whether a completion is in flight.
func (r *Runtime) Submitting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitting
}

// Questions returns the question list.
func (r *Runtime) Questions() []api.Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Question(nil), r.questions...)
}

// Current returns the index and question being viewed.
func (r *Runtime) Current() (int, api.Question, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.questions) == 0 {
		return 0, api.Question{}, false
	}
	return r.current, r.questions[r.current], true
}

// Next moves to the following question.
func (r *Runtime) Next() error {
	return r.move(func(i int) int { return i + 1 })
}

// Prev moves to the preceding question.
func (r *Runtime) Prev() error {
	return r.move(func(i int) int { return i - 1 })
}

// GoTo moves to question index i.
func (r *Runtime) GoTo(i int) error {
	return r.move(func(int) int { return i })
}

func (r *Runtime) move(to func(int) int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.interactiveLocked(); err != nil {
		return err
	}
	i := to(r.current)
	if i < 0 || i >= len(r.questions) {
		return ErrNoQuestion
	}
	r.current = i
	return nil
}

func (r *Runtime) interactiveLocked() error {
	switch {
	case r.completed:
		return ErrCompleted
	case r.blocked:
		return ErrBlocked
	}
	return nil
}

// Answer returns the latest answer to a question.
func (r *Runtime) Answer(questionID string) (Answer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.answers[questionID]
	if !ok {
		return Answer{}, false
	}
	return a.clone(), true
}

// SaveCode records a coding answer. An empty language keeps the current
// one.
func (r *Runtime) SaveCode(questionID, code, language string) error {
	return r.edit(questionID, func(a *Answer) {
		a.Code = code
		if language != "" {
			a.Language = language
		}
	})
}

// SelectOptions records a multiple-choice answer.
func (r *Runtime) SelectOptions(questionID string, options ...string) error {
	return r.edit(questionID, func(a *Answer) {
		a.SelectedOptions = append([]string(nil), options...)
	})
}

// SaveText records a free-text answer.
func (r *Runtime) SaveText(questionID, text string) error {
	return r.edit(questionID, func(a *Answer) {
		a.Text = text
	})
}

func (r *Runtime) edit(questionID string, fn func(*Answer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.interactiveLocked(); err != nil {
		return err
	}
	a, ok := r.answers[questionID]
	if !ok {
		return ErrNoQuestion
	}
	fn(a)
	a.UpdatedAt = r.clock.Now()
	return nil
}

// Submit completes the attempt on the candidate's confirmed request.
func (r *Runtime) Submit(ctx context.Context, confirmed bool) (Outcome, error) {
	if !confirmed {
		return Outcome{}, ErrNotConfirmed
	}
	r.mu.Lock()
	if err := r.interactiveLocked(); err != nil {
		r.mu.Unlock()
		return Outcome{}, err
	}
	if r.submitting {
		r.mu.Unlock()
		return Outcome{}, ErrSubmitInProgress
	}
	r.submitting = true
	r.mu.Unlock()

	out, err := r.complete(ctx, false)
	if err == nil {
		return out, nil
	}

	r.mu.Lock()
	deferred := r.forcePending
	r.forcePending = false
	if !deferred {
		r.submitting = false
	}
	fctx := r.ctx
	r.mu.Unlock()
	if !deferred {
		return out, err
	}
	r.log.Info("time ran out during a failed submission, submitting automatically")
	return r.runForced(fctx)
}

func (r *Runtime) forceSubmit() {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	if r.submitting {
		r.forcePending = true
		r.mu.Unlock()
		return
	}
	r.submitting = true
	ctx := r.ctx
	r.mu.Unlock()

	_, _ = r.runForced(ctx)
}

// runForced completes with the in-flight flag already held.
func (r *Runtime) runForced(ctx context.Context) (Outcome, error) {
	out, err := r.complete(ctx, true)
	if err != nil {
		r.mu.Lock()
		r.submitting = false
		r.mu.Unlock()
		r.log.Error("forced submission failed", "error", err)
	}
	return out, err
}

// complete runs stop-recording, submit-every-answer, complete. It must be
// called with the in-flight flag held; on success it clears the flag and
// marks the attempt completed.
func (r *Runtime) complete(ctx context.Context, forced bool) (Outcome, error) {
	r.mu.Lock()
	rec, m, j := r.recorder, r.metrics, r.journal
	subs := make([]api.Submission, 0, len(r.questions))
	for _, q := range r.questions {
		subs = append(subs, submission(q, r.answers[q.ID]))
	}
	r.mu.Unlock()

	out := Outcome{Forced: forced}
	token := r.handle.Token()
	if token == "" {
		_ = j.Submission(ctx, forced, 0, ErrNoSession)
		return out, &RetryableError{Err: ErrNoSession}
	}

	if rec != nil {
		rec.Stop()
	}

	for _, sub := range subs {
		res, err := r.backend.Submit(ctx, token, sub)
		if err != nil {
			out.Failed++
			r.log.Warn("answer submission failed", "question", sub.QuestionID, "error", err)
			continue
		}
		out.Submitted++
		if res != nil {
			out.Results = append(out.Results, *res)
		}
	}

	if _, err := r.backend.Complete(ctx, token); err != nil {
		if !api.IsClientError(err) {
			_ = j.Submission(ctx, forced, out.Submitted, err)
			return out, &RetryableError{Err: err}
		}
		r.log.Info("session already completed", "status", api.StatusCode(err))
		out.AlreadyCompleted = true
	}

	r.mu.Lock()
	r.submitting = false
	r.forcePending = false
	r.completed = true
	r.outcome = out
	r.timer.Stop()
	r.timer = nil
	hook := r.onComplete
	r.mu.Unlock()

	if m != nil {
		m.Submission(forced)
	}
	_ = j.Submission(ctx, forced, out.Submitted, nil)
	r.log.Info("attempt completed", "forced", forced, "submitted", out.Submitted, "failed", out.Failed, "already_completed", out.AlreadyCompleted)
	if hook != nil {
		hook(out)
	}
	return out, nil
}

func submission(q api.Question, a *Answer) api.Submission {
	sub := api.Submission{QuestionID: q.ID}
	if a == nil {
		return sub
	}
	switch q.Type {
	case api.QuestionCoding:
		sub.CodeAnswer = a.Code
		sub.Language = a.Language
	case api.QuestionMCQ:
		sub.MCQSelectedOptions = append([]string(nil), a.SelectedOptions...)
	case api.QuestionText:
		sub.TextAnswer = a.Text
	default:
		sub.CodeAnswer = a.Code
		sub.Language = a.Language
		sub.MCQSelectedOptions = append([]string(nil), a.SelectedOptions...)
		sub.TextAnswer = a.Text
	}
	return sub
}
