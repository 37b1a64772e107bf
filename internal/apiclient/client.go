// Package apiclient is the HTTP client for the operatord API, shared by
// the CLI and the monitor dashboard.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/operatord/internal/httpapi"
	"github.com/fyrsmithlabs/operatord/internal/scheduler"
)

// Client talks to one operatord instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateTask submits a goal and returns the new task id.
func (c *Client) CreateTask(ctx context.Context, goal string, priority int, backendName string) (string, error) {
	body := httpapi.CreateTaskRequest{Goal: goal, Priority: priority, Backend: backendName}
	var resp httpapi.CreateTaskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", body, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// GetTask fetches one task snapshot.
func (c *Client) GetTask(ctx context.Context, id string) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, nil, &snap)
	return snap, err
}

// ListTasks fetches all task snapshots, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]scheduler.Snapshot, error) {
	var snaps []scheduler.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &snaps)
	return snaps, err
}

// Pause suspends a running task.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/pause", nil, nil)
}

// Resume unparks a paused task.
func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/resume", nil, nil)
}

// Cancel requests cooperative cancellation.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
}

// Prune removes a terminal task and purges its memory scope.
func (c *Client) Prune(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+id, nil, nil)
}

// Stats fetches scheduler statistics.
func (c *Client) Stats(ctx context.Context) (scheduler.Statistics, error) {
	var stats scheduler.Statistics
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats)
	return stats, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
