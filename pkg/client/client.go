// Package client provides the Go SDK for the audit ledger service: reading
// and verifying the ledger and recording admin actions from internal services.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the requested entry does not exist.
var ErrNotFound = errors.New("ledger entry not found")

// FieldChange is the before/after pair of one changed field.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Entry is one committed ledger entry.
type Entry struct {
	SequenceNumber int64                  `json:"sequence_number"`
	ActionType     string                 `json:"action_type"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	ActorID        string                 `json:"actor_id"`
	ActorLabel     string                 `json:"actor_label"`
	Description    string                 `json:"description"`
	DataBefore     map[string]any         `json:"data_before"`
	DataAfter      map[string]any         `json:"data_after"`
	DataChanges    map[string]FieldChange `json:"data_changes"`
	OriginAddress  string                 `json:"origin_address"`
	CreatedAt      time.Time              `json:"created_at"`
	PreviousHash   string                 `json:"previous_hash"`
	CurrentHash    string                 `json:"current_hash"`

	// ChainStatus is set on query results: verified, broken or unverified.
	ChainStatus string `json:"chain_status,omitempty"`
	ChainReason string `json:"chain_reason,omitempty"`
}

// Break is one point where the chain failed verification.
type Break struct {
	SequenceNumber int64  `json:"sequence_number"`
	Reason         string `json:"reason"`
}

// Verification is the outcome of verifying a page or range.
type Verification struct {
	Valid    bool    `json:"valid"`
	Checked  int     `json:"checked"`
	BrokenAt int64   `json:"broken_at,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Breaks   []Break `json:"breaks,omitempty"`
}

// Pagination locates a page within the full result set. Pass AsOf back on
// later page requests to page through a stable snapshot.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int   `json:"total"`
	TotalPages int   `json:"total_pages"`
	AsOf       int64 `json:"as_of"`
}

// Page is one page of query results, newest first.
type Page struct {
	Entries      []Entry       `json:"entries"`
	Pagination   Pagination    `json:"pagination"`
	Verification *Verification `json:"verification,omitempty"`
}

// Overview summarises the ledger.
type Overview struct {
	TotalEntries int64  `json:"total_entries"`
	TailSequence int64  `json:"tail_sequence"`
	TailHash     string `json:"tail_hash"`
}

// Query filters a ledger read. Zero values are omitted.
type Query struct {
	AdminID    string
	ActionType string
	EntityType string
	EntityID   string
	StartDate  string // RFC 3339 or YYYY-MM-DD
	EndDate    string
	Page       int
	Limit      int
	AsOf       int64

	// Verify overrides the server default when non-nil.
	Verify *bool
}

func (q Query) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("admin_id", q.AdminID)
	set("action_type", q.ActionType)
	set("entity_type", q.EntityType)
	set("entity_id", q.EntityID)
	set("start_date", q.StartDate)
	set("end_date", q.EndDate)
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.AsOf > 0 {
		v.Set("as_of", strconv.FormatInt(q.AsOf, 10))
	}
	if q.Verify != nil {
		v.Set("verify", strconv.FormatBool(*q.Verify))
	}
	return v
}

// AppendRequest records one admin action.
type AppendRequest struct {
	ActionType    string         `json:"action_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	ActorID       string         `json:"actor_id"`
	ActorLabel    string         `json:"actor_label"`
	Description   string         `json:"description"`
	DataBefore    map[string]any `json:"data_before,omitempty"`
	DataAfter     map[string]any `json:"data_after,omitempty"`
	OriginAddress string         `json:"origin_address,omitempty"`

	// IdempotencyKey is sent as the Idempotency-Key header. Set it whenever
	// the call may be retried.
	IdempotencyKey string `json:"-"`
}

// AppendResult is the committed entry. Replayed reports that the key had
// already been committed by an earlier call.
type AppendResult struct {
	Entry    Entry `json:"entry"`
	Replayed bool  `json:"replayed"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ledger API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client is the SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *entryCache
	creds      *Credentials

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL caches entries fetched by GetEntry for ttl. Committed entries
// never change, so any positive ttl is safe; it bounds memory, not staleness.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newEntryCache(ttl)
		return nil
	}
}

// WithBearerToken attaches a pre-obtained service token to every request.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithCACert trusts the PEM-encoded CA certificate for the server's TLS cert.
func WithCACert(caPEM string) Option {
	return func(c *Client) error {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return fmt.Errorf("failed to parse CA certificate PEM")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
			Timeout:   10 * time.Second,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the service at baseURL.
//
//	c, err := client.New("https://ledger.internal:8080",
//	    client.WithCredentials("admin-portal", secret),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Overview returns the chain length and tail hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var ov Overview
	if err := c.getJSON(ctx, "/api/v1/ledger", nil, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Query returns one page of entries.
func (c *Client) Query(ctx context.Context, q Query) (*Page, error) {
	var page Page
	if err := c.getJSON(ctx, "/api/v1/ledger/entries", q.values(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetEntry returns a single entry by sequence number.
func (c *Client) GetEntry(ctx context.Context, seq int64) (*Entry, error) {
	if c.cache != nil {
		if e, ok := c.cache.get(seq); ok {
			return e, nil
		}
	}
	var wrapper struct {
		Entry Entry `json:"entry"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/entries/"+strconv.FormatInt(seq, 10), nil, &wrapper); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(seq, &wrapper.Entry)
	}
	return &wrapper.Entry, nil
}

// Verify walks entries from..to on the server. Zero bounds mean the genesis
// entry and the current tail.
func (c *Client) Verify(ctx context.Context, from, to int64) (*Verification, error) {
	v := url.Values{}
	if from > 0 {
		v.Set("from", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		v.Set("to", strconv.FormatInt(to, 10))
	}
	var res Verification
	if err := c.getJSON(ctx, "/api/v1/ledger/verify", v, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Append records an admin action. It needs a service token, obtained
// automatically when the client has credentials.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain service token: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode append request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/ledger/entries", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	respBody, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var res AppendResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("decode append response: %w", err)
	}
	return &res, nil
}

// FetchToken exchanges the client's service credentials for a bearer token,
// caches it, and returns it. Requires WithCredentials.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchTokenRaw(ctx context.Context) (token string, expiry time.Time, err error) {
	if c.creds == nil {
		return "", time.Time{}, errors.New("no service credentials configured")
	}
	body, err := json.Marshal(map[string]string{"service_id": c.creds.ServiceID, "secret": c.creds.Secret})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request: %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60 s before actual expiry to avoid clock-skew failures.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - refreshBuffer)
	return payload.AccessToken, exp, nil
}

// ensureToken returns a valid bearer token, fetching a new one if the cached
// token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// do executes an HTTP request and turns non-2xx responses into *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wrapper) == nil && wrapper.Error.Code != "" {
		apiErr.Code = wrapper.Error.Code
		apiErr.Message = wrapper.Error.Message
	}
	if resp.StatusCode == http.StatusNotFound && apiErr.Code == "not_found" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	return nil, apiErr
}

// --- entry cache ---

type cacheEntry struct {
	entry     *Entry
	expiresAt time.Time
}

type entryCache struct {
	mu      sync.RWMutex
	entries map[int64]*cacheEntry
	ttl     time.Duration
}

func newEntryCache(ttl time.Duration) *entryCache {
	return &entryCache{entries: make(map[int64]*cacheEntry), ttl: ttl}
}

func (ec *entryCache) get(seq int64) (*Entry, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	e, ok := ec.entries[seq]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.entry, true
}

func (ec *entryCache) set(seq int64, e *Entry) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	now := time.Now()
	for k, v := range ec.entries {
		if now.After(v.expiresAt) {
			delete(ec.entries, k)
		}
	}
	ec.entries[seq] = &cacheEntry{entry: e, expiresAt: now.Add(ec.ttl)}
}
