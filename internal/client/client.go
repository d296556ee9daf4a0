// Package client is a Go client for the kiln HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client talks to a kiln server.
type Client struct {
	base string
	http *http.Client
}

// Stats mirrors the server's GET /v1/stats response.
type Stats struct {
	Live struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	} `json:"live"`
	Archive              *model.JobStats         `json:"archive"`
	Sequence             *model.SequenceProgress `json:"sequence"`
	NotificationsPending int                     `json:"notifications_pending"`
}

// New creates a client for the server at baseURL. A nil httpClient gets a
// default with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SubmitJob starts a job. A rejected job is returned as a *model.Error.
func (c *Client) SubmitJob(ctx context.Context, req model.JobRequest) (*model.Job, error) {
	var resp struct {
		Accepted bool         `json:"accepted"`
		Job      *model.Job   `json:"job"`
		Reason   *model.Error `json:"reason"`
	}
	status, err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Accepted {
		if resp.Reason != nil {
			return nil, resp.Reason
		}
		return nil, fmt.Errorf("job rejected: status %d", status)
	}
	return resp.Job, nil
}

// GetJob fetches a live job snapshot.
func (c *Client) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := c.expectOK(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists live jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]model.Job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Jobs []model.Job `json:"jobs"`
	}
	if err := c.expectOK(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CancelJob cancels a job. The result is returned even when the server
// refuses, alongside a *model.Error.
func (c *Client) CancelJob(ctx context.Context, id string) (model.CancelResult, error) {
	var res model.CancelResult
	if _, err := c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, &res); err != nil {
		return res, err
	}
	if !res.Accepted && res.Error != nil {
		return res, res.Error
	}
	return res, nil
}

// CancelAll cancels every live job.
func (c *Client) CancelAll(ctx context.Context) error {
	return c.expectOK(ctx, http.MethodDelete, "/v1/jobs", nil, nil)
}

// SubmitSequence starts a sequence run.
func (c *Client) SubmitSequence(ctx context.Context, req model.SequenceRequest) (model.SequenceAck, error) {
	var resp struct {
		model.SequenceAck
		Error *model.Error `json:"error"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/sequences", req, &resp); err != nil {
		return model.SequenceAck{}, err
	}
	if resp.Error != nil {
		return model.SequenceAck{}, resp.Error
	}
	return resp.SequenceAck, nil
}

// CurrentSequence returns the active run's progress, or nil when idle.
func (c *Client) CurrentSequence(ctx context.Context) (*model.SequenceProgress, error) {
	var p *model.SequenceProgress
	if err := c.expectOK(ctx, http.MethodGet, "/v1/sequences/current", nil, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// CancelSequence cancels the active run and reports whether one was running.
func (c *Client) CancelSequence(ctx context.Context) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.expectOK(ctx, http.MethodDelete, "/v1/sequences/current", nil, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// Stats fetches server statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.expectOK(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Watch streams notifications for a job (or every notification when jobID
// is empty) and calls fn for each one. It returns when the stream ends, ctx
// is cancelled or fn returns an error.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(model.Notification) error) error {
	path := "/v1/events"
	if jobID != "" {
		path = "/v1/jobs/" + url.PathEscape(jobID) + "/events"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default client timeout.
	stream := *c.http
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var event string
	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if event == "done" {
				return nil
			}
			if event != "" {
				var n model.Notification
				if err := json.Unmarshal([]byte(data.String()), &n); err != nil {
					return fmt.Errorf("decode %s event: %w", event, err)
				}
				if err := fn(n); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// expectOK performs a request and treats any non-2xx status as an error.
func (c *Client) expectOK(ctx context.Context, method, path string, body, out any) error {
	status, err := c.do(ctx, method, path, body, out)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, status)
	}
	return nil
}

// do sends a JSON request and decodes the JSON response into out. Error
// responses that carry a model error are returned as that error, except for
// bodies out knows how to hold (rejections with a result payload).
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *model.Error `json:"error"`
		}
		// Only a plain error envelope is turned into an error here; richer
		// rejection bodies are decoded into out for the caller to inspect.
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil && !richRejection(raw) {
			return resp.StatusCode, envelope.Error
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// richRejection reports whether an error body carries an accepted flag,
// meaning it is a typed rejection rather than a bare error envelope.
func richRejection(raw []byte) bool {
	var probe map[string]json.RawMessage
	if json.Unmarshal(raw, &probe) != nil {
		return false
	}
	_, ok := probe["accepted"]
	return ok
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error *model.Error `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		return envelope.Error
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
