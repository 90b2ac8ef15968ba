// Package client is a Supabase client covering the PostgREST query API,
// stored-procedure RPC, storage uploads and realtime change feeds.
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
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tradeloft/marketplace/internal/logging"
)

const maxResponseBytes = 16 << 20

// Client is a Supabase REST API client.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the project URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithAccessToken returns a client that authenticates as an end user, so
// row-level security applies to its queries.
func (c *Client) WithAccessToken(token string) *Client {
	cp := *c
	cp.accessToken = token
	return &cp
}

// =============================================================================
// Database Operations (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client: c,
		table:  table,
		params: url.Values{},
	}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client     *Client
	table      string
	params     url.Values
	orders     []string
	single     bool
	count      string // exact, planned, estimated
	onConflict string
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.params.Set("select", columns)
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	q.params.Add(column, fmt.Sprintf("%s.%v", op, value))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value any) *QueryBuilder {
	return q.filter(column, "neq", value)
}

func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.filter(column, "gt", value)
}

func (q *QueryBuilder) Gte(column string, value any) *QueryBuilder {
	return q.filter(column, "gte", value)
}

func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder {
	return q.filter(column, "lt", value)
}

func (q *QueryBuilder) Lte(column string, value any) *QueryBuilder {
	return q.filter(column, "lte", value)
}

// ILike adds a case-insensitive LIKE filter.
func (q *QueryBuilder) ILike(column string, pattern string) *QueryBuilder {
	return q.filter(column, "ilike", pattern)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []string) *QueryBuilder {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return q.filter(column, "in", "("+strings.Join(quoted, ",")+")")
}

// Is adds an IS filter (for NULL, TRUE, FALSE).
func (q *QueryBuilder) Is(column string, value any) *QueryBuilder {
	return q.filter(column, "is", value)
}

// Or adds a disjunction, e.g. Or("homeowner_id.eq.1,designer_id.eq.1").
func (q *QueryBuilder) Or(expr string) *QueryBuilder {
	q.params.Add("or", "("+expr+")")
	return q
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, fmt.Sprintf("%s.%s", column, dir))
	return q
}

func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	if n > 0 {
		q.params.Set("limit", strconv.Itoa(n))
	}
	return q
}

func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	if n > 0 {
		q.params.Set("offset", strconv.Itoa(n))
	}
	return q
}

// Single expects exactly one row; zero rows yield ErrNotFound.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

// Count asks PostgREST to report the total row count in Content-Range.
func (q *QueryBuilder) Count(countType string) *QueryBuilder {
	q.count = countType
	return q
}

// OnConflict turns ExecuteInsert into an upsert on the given columns.
func (q *QueryBuilder) OnConflict(columns string) *QueryBuilder {
	q.onConflict = columns
	return q
}

func (q *QueryBuilder) url() string {
	params := url.Values{}
	for k, v := range q.params {
		params[k] = v
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	reqURL := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return reqURL
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req)
	if q.single {
		req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	}
	if q.count != "" {
		req.Header.Set("Prefer", "count="+q.count)
	}

	return q.client.do(req)
}

// ExecuteInsert executes an INSERT (or upsert when OnConflict was set).
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	if q.onConflict != "" {
		q.params.Set("on_conflict", q.onConflict)
	}
	req, err := q.newBodyRequest(ctx, http.MethodPost, data)
	if err != nil {
		return nil, err
	}

	prefer := "return=representation"
	if q.onConflict != "" {
		prefer = "resolution=merge-duplicates," + prefer
	}
	req.Header.Set("Prefer", prefer)

	return q.client.do(req)
}

// ExecuteUpdate executes an UPDATE limited by the builder's filters.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	req, err := q.newBodyRequest(ctx, http.MethodPatch, data)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")
	return q.client.do(req)
}

// ExecuteDelete executes a DELETE limited by the builder's filters.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, q.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req)
	req.Header.Set("Prefer", "return=representation")

	return q.client.do(req)
}

func (q *QueryBuilder) newBodyRequest(ctx context.Context, method string, data any) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// =============================================================================
// RPC (Stored Procedures)
// =============================================================================

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, params any) (*Response, error) {
	reqURL := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)

	var body io.Reader = strings.NewReader("{}")
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// =============================================================================
// Storage Operations
// =============================================================================

// Storage returns a bucket client.
func (c *Client) Storage(bucket string) *BucketClient {
	return &BucketClient{client: c, bucket: bucket}
}

// BucketClient handles bucket operations.
type BucketClient struct {
	client *Client
	bucket string
}

// Upload stores an object, replacing any object at the same path.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	b.client.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := b.client.do(req)
	if err != nil {
		return err
	}
	return resp.Error()
}

// PublicURL returns the public URL for an object.
func (b *BucketClient) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, strings.TrimPrefix(path, "/"))
}

// =============================================================================
// Response Types
// =============================================================================

// ErrNotFound is returned by Response.Decode when a Single() query matched
// no rows.
var ErrNotFound = errors.New("supabase: row not found")

// APIError is a PostgREST or storage error reply.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("supabase error %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("supabase error %d: %s", e.StatusCode, msg)
}

// Response is a generic API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Error returns an error if the response indicates failure.
func (r *Response) Error() error {
	if r.StatusCode < 400 {
		return nil
	}
	body := gjson.ParseBytes(r.Body)
	apiErr := &APIError{
		StatusCode: r.StatusCode,
		Code:       body.Get("code").String(),
		Message:    body.Get("message").String(),
		Details:    body.Get("details").String(),
		Hint:       body.Get("hint").String(),
	}
	if apiErr.Message == "" {
		apiErr.Message = body.Get("error").String()
	}
	// PGRST116: a single-object request matched zero rows.
	if apiErr.Code == "PGRST116" && strings.Contains(apiErr.Details, "0 rows") {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	}
	return apiErr
}

// Decode checks for an error reply and unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := r.Error(); err != nil {
		return err
	}
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode supabase response: %w", err)
	}
	return nil
}

// Count returns the total from a Content-Range header such as "0-24/3573",
// or -1 when the server did not report one.
func (r *Response) Count() int {
	cr := r.Headers.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return -1
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return -1
	}
	return n
}

// =============================================================================
// Internal Methods
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	token := c.apiKey
	if c.accessToken != "" {
		token = c.accessToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if traceID := logging.GetTraceID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
