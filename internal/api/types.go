package api

import "time"

// Test is the assessment an invitation grants access to.
type Test struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	QuestionCount   int    `json:"question_count,omitempty"`
}

// Session is the backend's view of a started attempt.
type Session struct {
	Token                string    `json:"session_token"`
	Status               string    `json:"status"`
	TimeRemainingSeconds int       `json:"time_remaining_seconds"`
	StartedAt            time.Time `json:"started_at"`
}

// TimeRemaining returns the remaining attempt time.
func (s *Session) TimeRemaining() time.Duration {
	if s == nil || s.TimeRemainingSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeRemainingSeconds) * time.Second
}

// Session statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Validation is the invitation-validate response. Session is set only when
// IsResuming is true.
type Validation struct {
	Test       Test     `json:"test"`
	IsResuming bool     `json:"is_resuming"`
	Session    *Session `json:"session,omitempty"`
}

// QuestionType selects which answer field a question uses.
type QuestionType string

const (
	QuestionCoding QuestionType = "coding"
	QuestionMCQ    QuestionType = "mcq"
	QuestionText   QuestionType = "text"
)

// Option is one choice of a multiple-choice question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is one item of the test.
type Question struct {
	ID          string       `json:"id"`
	Type        QuestionType `json:"question_type"`
	Content     string       `json:"content"`
	Marks       int          `json:"marks"`
	Options     []Option     `json:"options,omitempty"`
	Language    string       `json:"language,omitempty"`
	StarterCode string       `json:"starter_code,omitempty"`
	MultiSelect bool         `json:"multi_select,omitempty"`
}

type questionsResponse struct {
	Questions []Question `json:"questions"`
}

// Submission is one answer sent to session-submit. Exactly one of the
// answer fields is meaningful for a given question type.
type Submission struct {
	QuestionID         string   `json:"question_id"`
	CodeAnswer         string   `json:"code_answer,omitempty"`
	Language           string   `json:"language,omitempty"`
	MCQSelectedOptions []string `json:"mcq_selected_options,omitempty"`
	TextAnswer         string   `json:"text_answer,omitempty"`
}

// SubmitResult is the per-question grading result.
type SubmitResult struct {
	QuestionID  string `json:"question_id"`
	Status      string `json:"status"`
	PassedTests int    `json:"passed_tests,omitempty"`
	TotalTests  int    `json:"total_tests,omitempty"`
}

// Activity is a proctoring activity log entry.
type Activity struct {
	Type string         `json:"activity_type"`
	Data map[string]any `json:"activity_data,omitempty"`
}

// ClipUpload is a violation clip to upload.
type ClipUpload struct {
	FileName      string
	Data          []byte
	ViolationType string
	Description   string
	OccurredAt    time.Time
}

type startRequest struct {
	InvitationToken string `json:"invitation_token"`
}

// Completion is the session-complete response.
type Completion struct {
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}
