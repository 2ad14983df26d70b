// Package gateway issues outbound broker API calls while respecting
// per-minute quotas per call category and retrying transient transport
// failures with a fixed delay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Category tags a call with the quota bucket it consumes.
type Category string

const (
	CategoryInstrument  Category = "instrument"
	CategoryMarket      Category = "market"
	CategoryOperations  Category = "operations"
	CategoryPostOrder   Category = "post_order"
	CategoryGetOrder    Category = "get_order"
	CategoryCancelOrder Category = "cancel_order"
)

// ErrMaxRetriesExceeded is returned when the transport retry budget for one
// call is exhausted. It is fatal for the calling unit of work only; callers
// log and move on to the next ticker/window.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Limits holds the per-minute call ceiling for each category.
type Limits map[Category]int

// Gateway is the shared rate-limited HTTP front for all broker calls.
//
// Counting model: one counter and one window-start timestamp per category.
// A window older than 60s resets every counter. When a category counter
// reaches its ceiling the caller is suspended for the remainder of the
// window and then ALL counters are reset. The shared reset is coarser than
// a true per-category sliding window; it is kept deliberately because it
// matches the quota model the rest of the system is tuned against.
//
// The gateway is single-writer by construction: tickers are processed
// sequentially, so no locking is needed around the counters.
type Gateway struct {
	client     *http.Client
	limits     Limits
	attempts   int
	retryDelay time.Duration

	counts      map[Category]int
	windowStart time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a gateway with the given ceilings and retry policy.
func New(limits Limits, attempts int, retryDelay time.Duration) *Gateway {
	g := &Gateway{
		client:      &http.Client{Timeout: 30 * time.Second},
		limits:      limits,
		attempts:    attempts,
		retryDelay:  retryDelay,
		counts:      make(map[Category]int),
		now:         time.Now,
		sleep:       sleepCtx,
		windowStart: time.Now(),
	}
	return g
}

// Do sends the request after passing the category's quota gate, retrying
// transport failures up to the attempt ceiling. Non-2xx responses are NOT
// retried; they are returned to the caller for severity-appropriate
// handling.
func (g *Gateway) Do(ctx context.Context, category Category, req *http.Request) (*http.Response, error) {
	if err := g.acquire(ctx, category); err != nil {
		return nil, err
	}

	op := func() (*http.Response, error) {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			attempt.Body = body
		}
		return g.client.Do(attempt)
	}

	retries := uint64(0)
	if g.attempts > 1 {
		retries = uint64(g.attempts - 1)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.retryDelay), retries), ctx)

	resp, err := backoff.RetryWithData(op, policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrMaxRetriesExceeded, category, req.URL.Path, err)
	}
	return resp, nil
}

// acquire counts the call against its category and suspends the caller when
// the ceiling is reached.
func (g *Gateway) acquire(ctx context.Context, category Category) error {
	now := g.now()
	if now.Sub(g.windowStart) >= time.Minute {
		g.reset(now)
	}

	g.counts[category]++

	limit, ok := g.limits[category]
	if !ok || limit <= 0 {
		return nil
	}
	if g.counts[category] < limit {
		return nil
	}

	wait := time.Minute - g.now().Sub(g.windowStart)
	if wait > 0 {
		log.Printf("gateway: %s ceiling %d reached, suspending %s", category, limit, wait.Truncate(time.Millisecond))
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
	g.reset(g.now())
	return nil
}

func (g *Gateway) reset(now time.Time) {
	for k := range g.counts {
		delete(g.counts, k)
	}
	g.windowStart = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
