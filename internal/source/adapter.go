package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Adapter fetches from one upstream knowledge source.
//
// Fetch must honor ctx cancellation and must always return a Result: any
// failure is reported through Result.Err, never as a Go error. This keeps
// fan-out collection in the orchestrator uniform.
type Adapter interface {
	Kind() Kind
	Fetch(ctx context.Context, spec QuerySpec) Result
}

// DefaultTimeout bounds a single upstream call when the adapter owner does
// not configure one.
const DefaultTimeout = 20 * time.Second

// maxResponseBytes caps upstream response bodies to prevent resource
// exhaustion from a misbehaving provider.
const maxResponseBytes = 4 << 20 // 4 MiB

// httpDoer is the consumer-side interface over *http.Client, kept minimal
// for testability.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// client bundles what every adapter needs for upstream calls: an HTTP
// client, a per-call timeout, and an optional shared rate limiter.
type client struct {
	http    httpDoer
	timeout time.Duration
	limiter *rate.Limiter // nil = unlimited
}

func newClient(h httpDoer, timeout time.Duration, limiter *rate.Limiter) client {
	if h == nil {
		h = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return client{http: h, timeout: timeout, limiter: limiter}
}

// doJSON executes req with the adapter timeout, enforces the response size
// cap, and decodes a JSON body into out. Returns an error for the adapter
// to fold into its Result.
func (c client) doJSON(ctx context.Context, req *http.Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// truncate shortens s to at most n bytes for log/error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
