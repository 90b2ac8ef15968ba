// Package httputil provides HTTP helpers shared by handlers and outbound
// integration clients.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tradeloft/marketplace/internal/logging"
)

// =============================================================================
// API Client
// =============================================================================

// APIClient calls third-party JSON APIs (email, maps) with a bearer key or
// query-string key, forwarding the request trace id.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	bearerKey  string
	queryKey   string
	queryParam string
}

// APIClientConfig configures an APIClient.
type APIClientConfig struct {
	BaseURL string
	// BearerKey is sent as "Authorization: Bearer <key>" when set.
	BearerKey string
	// QueryKey is appended as ?<QueryParam>=<key> when set (maps APIs).
	QueryKey   string
	QueryParam string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewAPIClient creates an APIClient.
func NewAPIClient(cfg APIClientConfig) *APIClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	param := cfg.QueryParam
	if param == "" {
		param = "key"
	}
	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		bearerKey:  cfg.BearerKey,
		queryKey:   cfg.QueryKey,
		queryParam: param,
	}
}

// Do executes a request against path with an optional JSON body.
func (c *APIClient) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	u := c.baseURL + path
	if c.queryKey != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set(c.queryParam, c.queryKey)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerKey)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Get performs a GET request.
func (c *APIClient) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with JSON body.
func (c *APIClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, nil, body)
}

// StatusError is returned by DecodeResponse for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if raw, ok := target.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether the body was
// longer.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads the body and fails if it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
