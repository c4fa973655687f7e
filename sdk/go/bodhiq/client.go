package bodhiq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the bodhiq server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID identifies the caller. Queries are scoped to it.
	UserID string

	// APIKey is exchanged for a JWT. When empty the client sends UserID in
	// the X-User-ID header, which only servers with auth disabled accept.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used. Progress streams need a client without a
	// total-request timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the bodhiq API. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	userID   string
	client   *http.Client
	stream   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client. BaseURL and UserID are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("bodhiq: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("bodhiq: UserID is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	stream := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		stream = &http.Client{}
	}

	c := &Client{
		baseURL: baseURL,
		userID:  cfg.UserID,
		client:  httpClient,
		stream:  stream,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// CreateQuery stores a PENDING query. The server responds with an
// UNSUPPORTED_MOLECULE error when no supported molecule is found.
func (c *Client) CreateQuery(ctx context.Context, req CreateQueryRequest) (*Query, error) {
	var q Query
	if err := c.do(ctx, http.MethodPost, "/v1/queries", req, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQuery returns one of the caller's queries.
func (c *Client) GetQuery(ctx context.Context, id int64) (*Query, error) {
	var q Query
	if err := c.do(ctx, http.MethodGet, queryPath(id, ""), nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueries returns the caller's queries, newest first.
func (c *Client) ListQueries(ctx context.Context, opts *ListOptions) (*QueryList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Molecule != "" {
			params.Set("molecule", opts.Molecule)
		}
		if opts.Search != "" {
			params.Set("q", opts.Search)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/queries"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page struct {
		Data    []Query `json:"data"`
		Limit   int     `json:"limit"`
		Offset  int     `json:"offset"`
		HasMore bool    `json:"has_more"`
	}
	if err := c.doRaw(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &QueryList{Queries: page.Data, Limit: page.Limit, Offset: page.Offset, HasMore: page.HasMore}, nil
}

// DeleteQuery removes a query and its results.
func (c *Client) DeleteQuery(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, queryPath(id, ""), nil, nil)
}

// Execute starts the pipeline for a PENDING query. The run continues on the
// server after Execute returns; follow it with StreamProgress.
func (c *Client) Execute(ctx context.Context, id int64) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(ctx, http.MethodPost, queryPath(id, "/execute"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel asks a running query to stop after its current agent.
func (c *Client) Cancel(ctx context.Context, id int64) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(ctx, http.MethodPost, queryPath(id, "/cancel"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Results returns the query's agent results in execution order.
func (c *Client) Results(ctx context.Context, id int64) ([]AgentResult, error) {
	var rs []AgentResult
	if err := c.do(ctx, http.MethodGet, queryPath(id, "/results"), nil, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Stats returns the caller's query statistics.
func (c *Client) Stats(ctx context.Context) (*QueryStatistics, error) {
	var s QueryStatistics
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Agents describes the server's pipeline.
func (c *Client) Agents(ctx context.Context) (*PipelineInfo, error) {
	var info PipelineInfo
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Molecules lists the molecules the server can analyse.
func (c *Client) Molecules(ctx context.Context) ([]string, error) {
	var ms []string
	if err := c.do(ctx, http.MethodGet, "/v1/molecules", nil, &ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// CancelPipeline soft-cancels every running query on the server and
// returns how many runs were signalled.
func (c *Client) CancelPipeline(ctx context.Context) (int, error) {
	var resp struct {
		CancelledRuns int `json:"cancelled_runs"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/pipeline/cancel", nil, &resp); err != nil {
		return 0, err
	}
	return resp.CancelledRuns, nil
}

// Health checks server health. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("bodhiq: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bodhiq: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h HealthResponse
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func queryPath(id int64, suffix string) string {
	return "/v1/queries/" + strconv.FormatInt(id, 10) + suffix
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends an authenticated request and unwraps the data envelope into dest.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	return c.send(ctx, method, path, body, func(resp *http.Response) error {
		return handleResponse(resp, dest)
	})
}

// doRaw is like do but decodes the whole body, for list envelopes.
func (c *Client) doRaw(ctx context.Context, method, path string, body, dest any) error {
	return c.send(ctx, method, path, body, func(resp *http.Response) error {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("bodhiq: read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return parseErrorResponse(resp.StatusCode, b)
		}
		return json.Unmarshal(b, dest)
	})
}

// send retries once with a fresh token when the server rejects the cached one.
func (c *Client) send(ctx context.Context, method, path string, body any, handle func(*http.Response) error) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("bodhiq: marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if encoded != nil {
			rd = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return fmt.Errorf("bodhiq: create request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := c.authorize(ctx, req); err != nil {
			return err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("bodhiq: %s %s: %w", method, req.URL.Path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && c.tokenMgr != nil && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate()
			continue
		}
		err = handle(resp)
		_ = resp.Body.Close()
		return err
	}
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokenMgr == nil {
		req.Header.Set("X-User-ID", c.userID)
		return nil
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bodhiq: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("bodhiq: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
