package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// StatusError reports a non-2xx peer response. These are not retried; only
// transport-level failures are.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned HTTP %d: %s", e.Code, e.Body)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithMaxRetries sets how many times a network failure is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff sets the base delay and jitter seed. The seed makes retry
// timing reproducible in tests.
func WithBackoff(base time.Duration, seed int64) ClientOption {
	return func(c *Client) {
		c.baseDelay = base
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// Client talks to federation peers over REST. Network errors are retried
// with exponential backoff and seeded jitter; HTTP status errors and
// malformed replies are surfaced immediately.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient returns a client with a 10 s request timeout and 3 retries.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		rng:        rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info fetches the peer's capability snapshot.
func (c *Client) Info(ctx context.Context, baseURL string) (*Capabilities, error) {
	var caps Capabilities
	if err := c.do(ctx, http.MethodGet, baseURL+"/federation/info", nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// Mutate posts a mutation message to the peer.
func (c *Client) Mutate(ctx context.Context, baseURL string, msg *MutateMessage) (*MutateReply, error) {
	var reply MutateReply
	if err := c.do(ctx, http.MethodPost, baseURL+"/federation/mutate", msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Query posts a query message to the peer.
func (c *Client) Query(ctx context.Context, baseURL string, msg *QueryMessage) (*QueryReply, error) {
	var reply QueryReply
	if err := c.do(ctx, http.MethodPost, baseURL+"/federation/query", msg, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) do(ctx context.Context, method, requestURL string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
		err := c.once(ctx, method, requestURL, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isNetworkError(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, requestURL string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// backoff doubles the base delay per attempt and adds seeded jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	c.mu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(c.baseDelay)))
	c.mu.Unlock()
	return d + jitter
}

// isNetworkError classifies transport failures: connection refused,
// timeouts, DNS. Status errors and decode errors fall through.
func isNetworkError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
