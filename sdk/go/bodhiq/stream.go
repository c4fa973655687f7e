package bodhiq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// StreamProgress follows a query's progress over server-sent events. It
// calls fn for every update, starting with the latest one the server holds,
// and returns the final status once the run ends. Returning an error from
// fn stops the stream and returns that error.
func (c *Client) StreamProgress(ctx context.Context, id int64, fn func(AgentUpdate) error) (*Done, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+queryPath(id, "/progress"), nil)
	if err != nil {
		return nil, fmt.Errorf("bodhiq: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bodhiq: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		if err := handleResponse(resp, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("bodhiq: progress stream: unexpected status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "" && data == "" {
				continue
			}
			done, err := dispatch(event, data, fn)
			if err != nil || done != nil {
				return done, err
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("bodhiq: read progress stream: %w", err)
	}
	return nil, fmt.Errorf("bodhiq: progress stream ended before completion")
}

func dispatch(event, data string, fn func(AgentUpdate) error) (*Done, error) {
	switch event {
	case "done":
		var d Done
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("bodhiq: decode done event: %w", err)
		}
		return &d, nil
	case "agent_update":
		var u AgentUpdate
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			return nil, fmt.Errorf("bodhiq: decode agent update: %w", err)
		}
		return nil, fn(u)
	}
	return nil, nil
}
