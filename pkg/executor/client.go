package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to the browser executor over HTTP. A run is one long
// POST whose response body streams ndjson events; prompt replies go back
// on a side channel request.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an executor client. The HTTP client carries no
// overall timeout: runs are bounded by the caller's context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

var _ Executor = (*Client)(nil)

// Run starts the task and consumes the event stream until the outcome
// line. Stream errors and malformed lines fail the run; the caller maps
// that to a worker_exception failure.
func (c *Client) Run(ctx context.Context, task Task, onEvent EventHandler) (*Outcome, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/apply", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting executor run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("executor returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed executor event: %w", err)
		}

		if ev.Type == StreamOutcome {
			if ev.Outcome == nil {
				return nil, fmt.Errorf("outcome event without outcome body")
			}
			return ev.Outcome, nil
		}

		reply, err := onEvent(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("handling %s event: %w", ev.Type, err)
		}
		if ev.Type == StreamCaptcha || ev.Type == StreamTwoFactor {
			if err := c.sendReply(ctx, task.ApplicationID, reply); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading executor stream: %w", err)
	}
	return nil, fmt.Errorf("executor stream ended without outcome")
}

// sendReply posts the prompt answer for a running application.
func (c *Client) sendReply(ctx context.Context, applicationID uuid.UUID, reply PromptReply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encoding prompt reply: %w", err)
	}

	url := fmt.Sprintf("%s/v1/apply/%s/prompt", c.baseURL, applicationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building prompt reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending prompt reply: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("prompt reply rejected with status %d", resp.StatusCode)
	}
	return nil
}

// Healthy checks the executor's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executor health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("executor unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
