package mockbackend

import (
	"context"
	"fmt"
	"time"

	"proctor/internal/api"
)

// Seeded names the fixtures Seed creates.
type Seeded struct {
	TestID string

	// Invitation is valid for a day.
	Invitation string

	// Expired is past its expiry.
	Expired string

	// Unpublished belongs to a draft test.
	Unpublished string
}

// DemoQuestions is the question set of the seeded test.
func DemoQuestions() []api.Question {
	return []api.Question{
		{
			Type:        api.QuestionCoding,
			Content:     "Return the sum of a slice of integers.",
			Marks:       10,
			Language:    "go",
			StarterCode: "func Sum(xs []int) int {\n\treturn 0\n}\n",
		},
		{
			Type:    api.QuestionMCQ,
			Content: "Which keyword starts a goroutine?",
			Marks:   2,
			Options: []api.Option{
				{ID: "a", Text: "go"},
				{ID: "b", Text: "async"},
				{ID: "c", Text: "spawn"},
			},
		},
		{
			Type:    api.QuestionText,
			Content: "Describe when you would use a buffered channel.",
			Marks:   5,
		},
	}
}

// Seed loads a demo test of durationMinutes and its invitations.
func Seed(ctx context.Context, s *Store, now time.Time, durationMinutes int) (Seeded, error) {
	var out Seeded
	var err error

	out.TestID, err = s.CreateTest(ctx, Test{
		Title:           "Go fundamentals",
		Description:     "A short proctored assessment.",
		DurationMinutes: durationMinutes,
		Published:       true,
	}, DemoQuestions())
	if err != nil {
		return Seeded{}, fmt.Errorf("seed test: %w", err)
	}
	draft, err := s.CreateTest(ctx, Test{
		Title:           "Draft",
		DurationMinutes: durationMinutes,
	}, nil)
	if err != nil {
		return Seeded{}, fmt.Errorf("seed draft: %w", err)
	}

	if out.Invitation, err = s.CreateInvitation(ctx, out.TestID, now.Add(24*time.Hour)); err != nil {
		return Seeded{}, fmt.Errorf("seed invitation: %w", err)
	}
	if out.Expired, err = s.CreateInvitation(ctx, out.TestID, now.Add(-time.Hour)); err != nil {
		return Seeded{}, fmt.Errorf("seed invitation: %w", err)
	}
	if out.Unpublished, err = s.CreateInvitation(ctx, draft, now.Add(24*time.Hour)); err != nil {
		return Seeded{}, fmt.Errorf("seed invitation: %w", err)
	}
	return out, nil
}
