package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the JSON-over-HTTP implementation of Service.
//
// Endpoints:
//
//	GET  /v1/server-info
//	POST /v1/changes
//	GET  /v1/collections/{collection}/deltas?cursor=...&limit=...
//
// Every request carries its own timeout, independent of the session-level
// context the engine manages.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

// Compile-time check that Client satisfies Service.
var _ Service = (*Client)(nil)

// NewClient creates an HTTP client for the remote data service.
//
// token is sent as a bearer credential on every request; pass an empty
// string for unauthenticated services. If logger is nil, requests are not
// logged.
func NewClient(baseURL, token string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type serverInfoResponse struct {
	Version string `json:"version"`
}

// ServerInfo implements Service.ServerInfo.
func (c *Client) ServerInfo(ctx context.Context) (string, error) {
	var resp serverInfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/server-info", nil, &resp); err != nil {
		return "", err
	}
	if resp.Version == "" {
		return "", &ValidationError{Op: "server-info", Detail: "empty version in response"}
	}
	return resp.Version, nil
}

type pushRequest struct {
	Changes []Change `json:"changes"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

// PushBatch implements Service.PushBatch.
func (c *Client) PushBatch(ctx context.Context, changes []Change) ([]PushResult, error) {
	req := pushRequest{Changes: changes}
	var resp pushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/changes", &req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(changes) {
		return nil, &TransientError{
			Op:  "push",
			Err: fmt.Errorf("server returned %d results for %d changes", len(resp.Results), len(changes)),
		}
	}
	return resp.Results, nil
}

// FetchDeltas implements Service.FetchDeltas.
func (c *Client) FetchDeltas(ctx context.Context, collection, cursor string, limit int) (DeltaPage, error) {
	path := "/v1/collections/" + url.PathEscape(collection) + "/deltas"
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page DeltaPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return DeltaPage{}, err
	}
	return page, nil
}

// do performs one HTTP round trip and maps status codes onto the error
// taxonomy: 401/403 -> AuthError, 4xx -> ValidationError, everything
// else non-2xx -> TransientError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return ctx.Err()
		}
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Printf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Fall through to decode.
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: method + " " + path, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ValidationError{Op: method + " " + path, Detail: string(detail)}
	default:
		return &TransientError{
			Op:  method + " " + path,
			Err: fmt.Errorf("server returned status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
