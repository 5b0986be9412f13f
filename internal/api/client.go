// Package api is the HTTP client for the assessment backend.
package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// DigestHeader carries the clip digest on uploads.
	DigestHeader = "X-Clip-Digest"

	digestPrefix   = "blake2b-256="
	defaultTimeout = 30 * time.Second
	basePath       = "/api/v1"
)

var (
	// ErrInvalidInvitation is returned for unknown or expired invitations.
	ErrInvalidInvitation = errors.New("api: invitation is invalid or expired")

	// ErrNotPublished is returned when the invitation's test is not
	// published.
	ErrNotPublished = errors.New("api: test is not published")
)

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A non-positive timeout uses the
// default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewWithHTTPClient returns a client that sends requests through hc.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ValidateInvitation checks an invitation token. Unknown or expired
// invitations map to ErrInvalidInvitation and unpublished tests to
// ErrNotPublished, both wrapping the *APIError.
func (c *Client) ValidateInvitation(ctx context.Context, invitation string) (*Validation, error) {
	var resp Validation
	path := "/invitations/" + url.PathEscape(invitation) + "/validate"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if apiErr := asAPIError(err); apiErr != nil {
			switch apiErr.StatusCode {
			case http.StatusNotFound, http.StatusGone:
				return nil, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: %w", ErrNotPublished, err)
			}
		}
		return nil, err
	}
	if resp.IsResuming && resp.Session == nil {
		return nil, errors.New("api: resuming validation without a session")
	}
	return &resp, nil
}

// StartSession consumes the invitation and starts the attempt.
func (c *Client) StartSession(ctx context.Context, invitation string) (*Session, error) {
	var resp Session
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/start", startRequest{InvitationToken: invitation}, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("api: start response has no session token")
	}
	return &resp, nil
}

// Questions returns the ordered question list of a session.
func (c *Client) Questions(ctx context.Context, token string) ([]Question, error) {
	var resp questionsResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(token, "questions"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// Submit sends one answer.
func (c *Client) Submit(ctx context.Context, token string, sub Submission) (*SubmitResult, error) {
	var resp SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(token, "submit"), sub, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogActivity records a proctoring activity.
func (c *Client) LogActivity(ctx context.Context, token string, act Activity) error {
	return c.doJSON(ctx, http.MethodPost, sessionPath(token, "activity"), act, nil)
}

// Complete finishes the session.
func (c *Client) Complete(ctx context.Context, token string) (*Completion, error) {
	var resp Completion
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(token, "complete"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadClip posts a violation clip as multipart form data.
func (c *Client) UploadClip(ctx context.Context, token string, clip ClipUpload) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := []struct{ name, value string }{
		{"violation_type", clip.ViolationType},
		{"description", clip.Description},
		{"occurred_at", clip.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("clip", clip.FileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(clip.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+basePath+sessionPath(token, "violation-clip"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(DigestHeader, ClipDigest(clip.Data))
	return c.send(req, nil)
}

// ClipDigest returns the DigestHeader value for data.
func ClipDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// VerifyClipDigest reports whether header matches data.
func VerifyClipDigest(header string, data []byte) bool {
	return header != "" && strings.EqualFold(header, ClipDigest(data))
}

func sessionPath(token, op string) string {
	return "/sessions/" + url.PathEscape(token) + "/" + op
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+basePath+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
