package client

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

	"vidatlas/internal/api"
)

// HTTPDoer describes the HTTP client used to reach the daemon.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    HTTPDoer
}

// New returns a client for the API at baseURL. The underlying HTTP client
// carries no global timeout because event streams stay open for a job's
// lifetime; unary calls bound themselves through their context.
func New(baseURL, token string) *Client {
	return NewWithHTTP(baseURL, token, &http.Client{})
}

// NewWithHTTP constructs a client around a caller-supplied HTTP client.
func NewWithHTTP(baseURL, token string, doer HTTPDoer) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    doer,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon api responded %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is the daemon saying a resource does not
// exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Submit asks the daemon to analyze a subject. Cache hits come back with
// Cached set and the payload inline.
func (c *Client) Submit(ctx context.Context, subjectID string, params map[string]string) (*api.AnalysisResponse, error) {
	var resp api.AnalysisResponse
	req := api.AnalysisRequest{SubjectID: subjectID, Params: params}
	if err := c.doJSON(ctx, http.MethodPost, "/api/analyses", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches one job snapshot.
func (c *Client) Job(ctx context.Context, jobID string) (*api.JobView, error) {
	var resp api.JobView
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Jobs lists jobs, optionally filtered by status names.
func (c *Client) Jobs(ctx context.Context, statuses ...string) ([]api.JobView, error) {
	path := "/api/jobs"
	if len(statuses) > 0 {
		query := url.Values{}
		for _, status := range statuses {
			query.Add("status", status)
		}
		path += "?" + query.Encode()
	}
	var resp api.JobListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Result fetches the settled payload for a job.
func (c *Client) Result(ctx context.Context, jobID string) (*api.ResultResponse, error) {
	var resp api.ResultResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/result", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation and returns the job's state after the
// attempt.
func (c *Client) Cancel(ctx context.Context, jobID string) (*api.JobView, error) {
	var resp api.JobView
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EngineStatus fetches the daemon summary.
func (c *Client) EngineStatus(ctx context.Context) (*api.EngineStatus, error) {
	var resp api.EngineStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeAPIError turns an error response into an *APIError, falling back to
// the raw body when it is not the usual {"error": ...} shape.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		message = body.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
