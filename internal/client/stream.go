package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vidatlas/internal/api"
	"vidatlas/internal/events"
)

// StreamEvent is one frame from a job's SSE stream. The Type comes from the
// frame's event name; the remaining fields come from its data payload and
// are populated per type (phase updates carry phase and progress,
// heartbeats and terminals carry status).
type StreamEvent struct {
	Type     events.Type   `json:"-"`
	JobID    string        `json:"job_id"`
	Phase    string        `json:"phase"`
	Progress float64       `json:"progress"`
	Status   string        `json:"status"`
	Error    *api.JobError `json:"error"`
	TS       time.Time     `json:"ts"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == events.TypeCompleted || e.Type == events.TypeError
}

// Watch follows a job's event stream, invoking handle for every frame. It
// returns nil after the terminal event, ctx's error when the context ends,
// and handle's error when the handler aborts the stream.
func (c *Client) Watch(ctx context.Context, jobID string, handle func(StreamEvent) error) error {
	target := c.baseURL + "/api/jobs/" + url.PathEscape(jobID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		ev, err := readStreamEvent(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("event stream ended before the job settled")
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		if err := handle(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

// readStreamEvent consumes one complete text/event-stream frame.
func readStreamEvent(reader *bufio.Reader) (StreamEvent, error) {
	var name, data string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return StreamEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "" && (name != "" || data != ""):
			ev := StreamEvent{Type: events.Type(name)}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return StreamEvent{}, fmt.Errorf("decode event payload: %w", err)
				}
			}
			return ev, nil
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}
