// Package gateway is the network boundary of the sync engine: the HTTP
// client for the central server's sync API. Transient failures (timeouts,
// 5xx) are retried with capped exponential backoff; 4xx responses are
// permanent and surface immediately.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/workix/fieldsync/internal/types"
)

// Push result statuses returned per record.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

// ErrUnreachable indicates the server could not be contacted at all.
var ErrUnreachable = errors.New("sync server unreachable")

// RequestError is a non-2xx response from the server. Transient reports
// whether retrying may help (5xx) or not (4xx).
type RequestError struct {
	StatusCode int
	Body       string
	Transient  bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("sync server returned %d: %s", e.StatusCode, e.Body)
}

// Status is the server's connectivity check response.
type Status struct {
	Reachable  bool  `json:"reachable"`
	ServerTime int64 `json:"server_time"`
}

// PullPage is one page of records changed since a cursor. NextCursor is the
// batch's high-water mark; HasMore signals further pages at the same limit.
type PullPage struct {
	Records    []types.Record `json:"records"`
	NextCursor int64          `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// PushItem is one queued operation in a push batch.
type PushItem struct {
	ID           string          `json:"id"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseRevision int64           `json:"base_revision"`
}

// PushResult is the server's per-record outcome for a pushed operation.
type PushResult struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	ServerRevision int64  `json:"server_revision,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type pushRequest struct {
	Records []PushItem `json:"records"`
}

// PushResponse holds the per-record outcomes of a push batch.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// Gateway is the sync coordinator's view of the remote server. Tests swap in
// a fake.
type Gateway interface {
	Status(ctx context.Context) (*Status, error)
	Pull(ctx context.Context, table string, since int64, limit int) (*PullPage, error)
	Push(ctx context.Context, table string, items []PushItem) (*PushResponse, error)
}

// HTTPGateway implements Gateway against the central server's HTTP API.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries uint64
	backoffMin time.Duration
	backoffMax time.Duration
}

// Options configures an HTTPGateway.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per-request timeout
	MaxRetries uint64        // transient retries per call
	BackoffMin time.Duration // initial backoff delay
	BackoffMax time.Duration // backoff cap
}

// New creates an HTTPGateway.
func New(opts Options) *HTTPGateway {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
	}
}

// Status performs the connectivity check. A transport failure is reported as
// an unreachable status, not an error, so the coordinator can transition to
// Offline without special-casing.
func (g *HTTPGateway) Status(ctx context.Context) (*Status, error) {
	var status Status
	err := g.call(ctx, http.MethodGet, "/api/v1/sync/status", nil, nil, &status)
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			return &Status{Reachable: false}, nil
		}
		return nil, err
	}
	status.Reachable = true
	return &status, nil
}

// Pull fetches records changed since the cursor. Safe to call repeatedly
// with the same cursor; the server returns records in deterministic
// (revision, id) order so NextCursor is unambiguous.
func (g *HTTPGateway) Pull(ctx context.Context, table string, since int64, limit int) (*PullPage, error) {
	q := url.Values{}
	q.Set("updated_since", fmt.Sprintf("%d", since))
	q.Set("limit", fmt.Sprintf("%d", limit))

	var page PullPage
	path := fmt.Sprintf("/api/v1/sync/%s?%s", table, q.Encode())
	if err := g.call(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Push sends a batch of queued operations. Each batch carries a
// client-generated idempotency key so a retried batch is not applied twice
// server-side.
func (g *HTTPGateway) Push(ctx context.Context, table string, items []PushItem) (*PushResponse, error) {
	headers := map[string]string{"X-Push-ID": uuid.NewString()}

	var resp PushResponse
	path := fmt.Sprintf("/api/v1/sync/%s", table)
	if err := g.call(ctx, http.MethodPost, path, pushRequest{Records: items}, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call performs one authenticated JSON request with backoff on transient
// failures.
func (g *HTTPGateway) call(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			reqErr := &RequestError{
				StatusCode: resp.StatusCode,
				Body:       string(raw),
				Transient:  resp.StatusCode >= 500,
			}
			if !reqErr.Transient {
				return backoff.Permanent(reqErr)
			}
			return reqErr
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.backoffMin
	bo.MaxInterval = g.backoffMax

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, g.maxRetries), ctx))
}

// Transient reports whether err is worth retrying on a later cycle rather
// than failing the queue entry terminally.
func Transient(err error) bool {
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Transient
	}
	return false
}
