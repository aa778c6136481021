// Package rest is the thin HTTP client shared by the live adapters:
// per-adapter rate limiting, JSON encoding, and fault classification of
// transport errors. Status-code handling stays with the adapters, which
// need raw statuses for endpoint-migration decisions.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360studio/valet/fault"
)

// DefaultTimeout bounds one adapter call end to end.
const DefaultTimeout = 30 * time.Second

// Client wraps http.Client with a rate limiter.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client with the given timeout and a limiter of
// rps requests per second (burst capacity burst).
func NewClient(timeout time.Duration, rps float64, burst int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Response carries the upstream status and raw body back to the adapter.
type Response struct {
	Status int
	Body   []byte
}

// DoJSON performs one JSON request. Transport-level failures are
// classified: cancellation propagates as cancelled, everything else
// (timeouts, resets, DNS) as transient. HTTP statuses are returned
// untouched.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.KindCancelled, "rate limit wait", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindPrecondition, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fault.Wrap(fault.KindPrecondition, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "read response body", err)
	}
	return &Response{Status: resp.StatusCode, Body: raw}, nil
}

// Decode unmarshals the response body.
func (r *Response) Decode(dst any) error {
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fault.Wrap(fault.KindPermanent, fmt.Sprintf("decode upstream response (status %d)", r.Status), err)
	}
	return nil
}

func classifyTransport(err error) error {
	// Timeouts are transient and follow retry policy; only explicit
	// cancellation maps to the cancelled kind.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.KindTransient, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, "request cancelled", err)
	}
	return fault.Wrap(fault.KindTransient, "request failed", err)
}
