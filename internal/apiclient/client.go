// Package apiclient is a Go client for the voicegen HTTP API. It submits
// jobs, reads tasks and balances, and waits for results with the bounded
// poller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/voicegen-backend/internal/poller"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 4 << 10

// ErrTaskFailed is returned by Wait when the task ended without a result.
var ErrTaskFailed = errors.New("task did not complete")

// APIError is the server's error envelope plus the HTTP status.
type APIError struct {
	StatusCode int
	RequestID  string `json:"request_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	return msg
}

// Task mirrors the task representation of the API.
type Task struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	ExternalHandle string     `json:"external_handle"`
	BillingMode    string     `json:"billing_mode"`
	CostCharged    int64      `json:"cost_charged"`
	Refunded       int64      `json:"refunded"`
	Progress       int        `json:"progress"`
	Metadata       *Metadata  `json:"metadata"`
	ErrorMessage   string     `json:"error_message"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// Metadata holds the locators of a finished task.
type Metadata struct {
	AudioURL string `json:"audio_url"`
	SRTURL   string `json:"srt_url"`
	JSONURL  string `json:"json_url"`
	VoiceID  string `json:"voice_id"`
}

// Terminal reports whether the task will not change any more.
func (t *Task) Terminal() bool {
	switch t.Status {
	case "done", "failed", "expired":
		return true
	}
	return false
}

// SpeechRequest is a text-to-speech job.
type SpeechRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	Model   string  `json:"model,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
	Format  string  `json:"format,omitempty"`
	Async   bool    `json:"async"`
}

// DeleteResult is the answer of a task deletion. RefundCredits counts only
// what this deletion returned.
type DeleteResult struct {
	Success       bool  `json:"success"`
	RefundCredits int64 `json:"refund_credits"`
	Task          Task  `json:"task"`
}

// Client calls one API base URL with a bearer token. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
	poller     *poller.Poller
}

// New builds a client for baseURL (including the API base path, e.g.
// "https://host/api/v1").
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		poller:     poller.New(poller.DefaultInterval, poller.DefaultMaxAttempts),
	}
}

// WithAPIKey returns a copy that sends key as X-API-Key, billing the
// caller's own vendor key.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = key
	return &cp
}

// WithPoller returns a copy that waits with p.
func (c *Client) WithPoller(p *poller.Poller) *Client {
	cp := *c
	cp.poller = p
	return &cp
}

// SubmitSpeech submits a speech job. A non-empty idemKey makes retries
// return the original task.
func (c *Client) SubmitSpeech(ctx context.Context, req SpeechRequest, idemKey string) (*Task, error) {
	var out Task
	hdr := http.Header{}
	if idemKey != "" {
		hdr.Set("Idempotency-Key", idemKey)
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/speech", hdr, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task polls one task once.
func (c *Client) Task(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTask deletes a task, returning the refund the vendor reported.
func (c *Client) DeleteTask(ctx context.Context, id string) (*DeleteResult, error) {
	var out DeleteResult
	if err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the caller's credits.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out struct {
		Credits int64 `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/credits", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

// Wait polls id until it is terminal. A failed or expired task is returned
// with ErrTaskFailed; running out of attempts returns poller.ErrTimeout and
// the last state seen.
func (c *Client) Wait(ctx context.Context, id string) (*Task, error) {
	var last *Task
	err := c.poller.Until(ctx, func(ctx context.Context, _ int) (bool, error) {
		t, err := c.Task(ctx, id)
		if err != nil {
			return false, err
		}
		last = t
		return t.Terminal(), nil
	})
	if err != nil {
		return last, err
	}
	if last.Status != "done" {
		return last, fmt.Errorf("%w: %s %s", ErrTaskFailed, last.Status, last.ErrorMessage)
	}
	return last, nil
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s %s: marshal request: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api %s %s: decode response: %w", method, path, err)
	}
	return nil
}

func parseAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
