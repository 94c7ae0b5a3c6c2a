// Package resiliency wraps http.Client with bounded retries, exponential
// backoff with jitter, and a circuit breaker.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without touching the network while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BrowserUserAgent is sent when the request carries no User-Agent. Several
// authority portals reject the default Go agent.
const BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// EnhancedClient executes requests with:
// - Exponential Backoff & Jitter
// - Circuit Breaking
// - W3C Trace Context propagation
type EnhancedClient struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	userAgent   string
	breaker     *CircuitBreaker
}

// Option configures an EnhancedClient.
type Option func(*EnhancedClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *EnhancedClient) { c.client = hc }
}

func WithMaxRetries(n int) Option {
	return func(c *EnhancedClient) { c.maxRetries = n }
}

func WithBaseBackoff(d time.Duration) Option {
	return func(c *EnhancedClient) { c.baseBackoff = d }
}

func WithUserAgent(ua string) Option {
	return func(c *EnhancedClient) { c.userAgent = ua }
}

func WithBreaker(b *CircuitBreaker) Option {
	return func(c *EnhancedClient) { c.breaker = b }
}

func NewEnhancedClient(opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
		userAgent:   BrowserUserAgent,
		breaker:     NewCircuitBreaker("default", 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the client's breaker, mainly for health reporting.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes req with retries. Transport errors, 429 and 5xx responses are
// retried; the final response is returned as is so callers can inspect it.
// Requests with a body must set GetBody to be retried.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, c.breaker.name)
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		attempt := req
		if i > 0 {
			attempt, err = rewind(req)
			if err != nil {
				resp = nil
				break
			}
		}
		resp, err = c.client.Do(attempt)

		if err == nil && !retryable(resp.StatusCode) {
			c.breaker.Success()
			return resp, nil
		}
		if ctx.Err() != nil || i == c.maxRetries {
			break
		}
		if resp != nil {
			drain(resp)
		}

		// base * 2^i + jitter
		backoff := c.baseBackoff<<i + time.Duration(rand.Int64N(int64(c.baseBackoff/2)+1))
		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			if err == nil {
				err = sleepErr
			}
			resp = nil
			break
		}
	}

	c.breaker.Failure()
	if err == nil && resp == nil {
		err = ctx.Err()
	}
	return resp, err
}

// GetText fetches url and returns the body of a 2xx response.
func (c *EnhancedClient) GetText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(body), nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker lets one trial call
// through once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
