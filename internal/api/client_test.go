package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return New(server.URL, 2*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Invitations
// =============================================================================

func TestValidateInvitationResuming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/invitations/inv-1/validate", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"test":        map[string]any{"id": "t1", "title": "Go basics", "duration_minutes": 30},
			"is_resuming": true,
			"session": map[string]any{
				"session_token":          "tok",
				"status":                 "in_progress",
				"time_remaining_seconds": 600,
			},
		})
	})

	v, err := c.ValidateInvitation(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "Go basics", v.Test.Title)
	assert.True(t, v.IsResuming)
	require.NotNil(t, v.Session)
	assert.Equal(t, "tok", v.Session.Token)
	assert.Equal(t, 10*time.Minute, v.Session.TimeRemaining())
}

func TestValidateInvitationStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrInvalidInvitation},
		{"expired", http.StatusGone, ErrInvalidInvitation},
		{"unpublished", http.StatusForbidden, ErrNotPublished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"detail": "nope"})
			})
			_, err := c.ValidateInvitation(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestValidateInvitationResumingWithoutSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"is_resuming": true})
	})
	_, err := c.ValidateInvitation(context.Background(), "x")
	assert.Error(t, err)
}

// =============================================================================
// Sessions
// =============================================================================

func TestStartSessionAlreadyUsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "inv-used", req.InvitationToken)
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invitation already used"})
	})

	_, err := c.StartSession(context.Background(), "inv-used")
	require.Error(t, err)
	assert.True(t, IsAlreadyUsed(err))
	assert.True(t, IsClientError(err))
}

func TestStartSessionRequiresToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "in_progress"})
	})
	_, err := c.StartSession(context.Background(), "inv")
	assert.Error(t, err)
}

func TestQuestionsAndSubmit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions/tok/questions":
			writeJSON(w, http.StatusOK, map[string]any{"questions": []map[string]any{
				{"id": "q1", "question_type": "coding", "content": "sum", "marks": 5, "language": "go"},
				{"id": "q2", "question_type": "mcq", "content": "pick", "options": []map[string]string{{"id": "a", "text": "A"}}},
			}})
		case "/api/v1/sessions/tok/submit":
			var sub Submission
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
			writeJSON(w, http.StatusOK, SubmitResult{QuestionID: sub.QuestionID, Status: "accepted", PassedTests: 2, TotalTests: 3})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	qs, err := c.Questions(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, QuestionCoding, qs[0].Type)
	assert.Equal(t, QuestionMCQ, qs[1].Type)
	assert.Len(t, qs[1].Options, 1)

	res, err := c.Submit(context.Background(), "tok", Submission{QuestionID: "q1", CodeAnswer: "package main"})
	require.NoError(t, err)
	assert.Equal(t, "q1", res.QuestionID)
	assert.Equal(t, 2, res.PassedTests)
}

func TestCompleteBadRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Session already completed"})
	})
	_, err := c.Complete(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.False(t, IsAlreadyUsed(err))
}

func TestLogActivity(t *testing.T) {
	var got Activity
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/tok/activity", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	err := c.LogActivity(context.Background(), "tok", Activity{Type: "tab_switch", Data: map[string]any{"description": "hidden"}})
	require.NoError(t, err)
	assert.Equal(t, "tab_switch", got.Type)
	assert.Equal(t, "hidden", got.Data["description"])
}

// =============================================================================
// Clip upload
// =============================================================================

func TestUploadClipMultipart(t *testing.T) {
	data := []byte("webm-bytes")
	occurred := time.Date(2026, 5, 4, 9, 30, 0, 250*int(time.Millisecond), time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/tok/violation-clip", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "tab_switch", r.FormValue("violation_type"))
		assert.Equal(t, "left the tab", r.FormValue("description"))
		assert.Equal(t, "2026-05-04T09:30:00.250Z", r.FormValue("occurred_at"))

		f, hdr, err := r.FormFile("clip")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		assert.Equal(t, "tab_switch_1777887000250.webm", hdr.Filename)
		body, err := io.ReadAll(f)
		assert.NoError(t, err)
		assert.Equal(t, data, body)
		assert.True(t, VerifyClipDigest(r.Header.Get(DigestHeader), body))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.UploadClip(context.Background(), "tok", ClipUpload{
		FileName:      "tab_switch_1777887000250.webm",
		Data:          data,
		ViolationType: "tab_switch",
		Description:   "left the tab",
		OccurredAt:    occurred,
	})
	require.NoError(t, err)
}

func TestClipDigest(t *testing.T) {
	d := ClipDigest([]byte("abc"))
	assert.Regexp(t, `^blake2b-256=[0-9a-f]{64}$`, d)
	assert.True(t, VerifyClipDigest(d, []byte("abc")))
	assert.False(t, VerifyClipDigest(d, []byte("abd")))
	assert.False(t, VerifyClipDigest("", []byte("abc")))
}

// =============================================================================
// Errors
// =============================================================================

func TestDecodeAPIErrorShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail string", `{"detail":"bad thing"}`, "bad thing"},
		{"detail list", `{"detail":[{"msg":"field required"},{"msg":"too long"}]}`, "field required; too long"},
		{"error key", `{"error":"oops"}`, "oops"},
		{"not json", `<html>`, "500 Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Questions(context.Background(), "tok")
			apiErr := asAPIError(err)
			require.NotNil(t, apiErr)
			assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
			assert.Equal(t, tt.want, apiErr.Message)
		})
	}
}

func TestBaseURLTrimsSlash(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", New("http://127.0.0.1:8080/", 0).BaseURL())
	assert.Equal(t, "http://backend", NewWithHTTPClient("http://backend//", nil).BaseURL())
}
