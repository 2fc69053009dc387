// Package client talks to the scriptqueue HTTP API and polls tasks to
// completion.
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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/podushkina/scriptqueue/internal/gateway"
)

const (
	DefaultInterval    = 1500 * time.Millisecond
	DefaultMaxAttempts = 20
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrGaveUp means the task was still running after the last attempt.
	ErrGaveUp = errors.New("gave up waiting for task")

	errRunning = errors.New("task still running")
)

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

type submitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) Submit(ctx context.Context, code, language string) (string, error) {
	body, err := json.Marshal(submitRequest{Code: code, Language: language})
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) Status(ctx context.Context, id string) (gateway.Status, error) {
	var st gateway.Status
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &st)
	return st, err
}

func (c *Client) Artifacts(ctx context.Context) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/artifacts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// ArtifactURL is the address a browser can open for an artifact listed by
// Artifacts or reported in a task's files.
func (c *Client) ArtifactURL(name string) string {
	return c.base + "/api/artifacts/" + name
}

// Wait polls id every interval until it reaches a terminal state, for at most
// maxAttempts polls. Non-positive arguments fall back to the defaults.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, maxAttempts int) (gateway.Status, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var last gateway.Status
	op := func() error {
		st, err := c.Status(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = st
		if !st.Status.Terminal() {
			return errRunning
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errRunning) {
			return last, fmt.Errorf("%w %s after %d attempts (last state %s)", ErrGaveUp, id, maxAttempts, last.Status)
		}
		return last, err
	}
	return last, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var e apiError
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
