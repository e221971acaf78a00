package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/config"
)

// ErrorKind classifies a fetch failure so the collector can choose a
// reaction: blocked pauses the pool and rotates identity, timeout and
// connection retry with backoff, http_status depends on the code.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection"
	KindHTTPStatus ErrorKind = "http_status"
	KindBlocked    ErrorKind = "blocked"
)

// FetchError classified fetch failure
type FetchError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Payload is a successfully fetched response body
type Payload struct {
	Body      []byte
	Status    int
	FetchedAt time.Time
}

// Fetcher performs a single request under a caller-supplied schedule.
// Retry policy lives in the collector, not here, so backoff interacts
// correctly with the shared rate budget.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, schedule Schedule) (*Payload, error)
}

// Client is the HTTP fetcher. One underlying http.Client is cached per
// proxy so connection pools are reused across requests.
type Client struct {
	timeout           time.Duration
	blockedSignatures []string

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient creates a fetch client from collector configuration
func NewClient(cfg config.CollectorConfig) *Client {
	sigs := make([]string, len(cfg.BlockedSignatures))
	for i, s := range cfg.BlockedSignatures {
		sigs[i] = strings.ToLower(s)
	}
	return &Client{
		timeout:           cfg.FetchTimeout,
		blockedSignatures: sigs,
		clients:           make(map[string]*http.Client),
	}
}

func (c *Client) clientFor(proxy string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	hc := &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
	}
	c.clients[proxy] = hc
	return hc, nil
}

// Fetch performs one request and classifies any failure
func (c *Client) Fetch(ctx context.Context, rawURL string, schedule Schedule) (*Payload, error) {
	hc, err := c.clientFor(schedule.Proxy)
	if err != nil {
		return nil, &FetchError{Kind: KindConnection, URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindConnection, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", schedule.Identity)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, c.classifyTransport(rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classifyTransport(rawURL, err)
	}

	if kind, blocked := c.classifyResponse(resp.StatusCode, body); blocked {
		return nil, &FetchError{Kind: kind, URL: rawURL, Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, &FetchError{Kind: KindHTTPStatus, URL: rawURL, Status: resp.StatusCode}
	}

	return &Payload{
		Body:      body,
		Status:    resp.StatusCode,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) classifyTransport(rawURL string, err error) *FetchError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindConnection, URL: rawURL, Err: err}
}

// classifyResponse detects block/challenge responses, which are
// distinct from ordinary HTTP errors: the caller must pause and
// rotate rather than blindly retry.
func (c *Client) classifyResponse(status int, body []byte) (ErrorKind, bool) {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return KindBlocked, true
	}

	lower := strings.ToLower(string(body))
	for _, sig := range c.blockedSignatures {
		if strings.Contains(lower, sig) {
			return KindBlocked, true
		}
	}

	return "", false
}

// AsFetchError unwraps a FetchError from err, if any
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
