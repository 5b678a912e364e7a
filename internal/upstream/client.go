// Package upstream forwards allowed requests to the protected backend: a
// lazily-initialized pooled client with per-attempt timeout, retry, and
// backoff on transient transport errors.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Request is one forwarded request.
type Request struct {
	Method  string
	Path    string // path + query, verbatim
	Header  http.Header
	Body    []byte
}

// Response is the upstream's response, streamed back without rewriting.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client forwards requests to a single upstream base URL.
type Client struct {
	baseURL    *url.URL
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter

	mu         sync.Mutex
	httpClient *http.Client
}

// New builds a Client. The underlying *http.Client is constructed lazily, on
// first Forward call, guarded so exactly one gets built under concurrent
// first use (spec.md §4.7).
//
// Retry pacing is a token-bucket rate.Limiter rather than a hand-rolled
// sleep: it refills one token every backoff and starts drained, so waiting
// for the (attempt+1)th token blocks for roughly (attempt+1)*backoff,
// mirroring the old linear backoff while letting the limiter own the clock.
func New(baseURL string, timeout time.Duration, maxRetries int, backoff time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid base url: %w", err)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	limiter := rate.NewLimiter(rate.Every(backoff), maxRetries)
	limiter.AllowN(time.Now(), maxRetries) // drain so pacing starts from empty

	return &Client{baseURL: u, timeout: timeout, maxRetries: maxRetries, backoff: backoff, limiter: limiter}, nil
}

func (c *Client) ensureClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		log.Info().Str("upstream", c.baseURL.String()).Msg("upstream: http client initialized")
	}
	return c.httpClient
}

// resetClient discards the pooled client so a fresh one (and fresh
// connections) is built on the next attempt, avoiding stuck connections
// after a transient transport error.
func (c *Client) resetClient() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = nil
}

// Forward implements spec.md §4.7: retries up to maxRetries on transient
// transport errors with k*attempt backoff, discarding the pooled client
// between attempts. Non-transport errors surface immediately. The Host
// header is stripped; everything else forwards verbatim.
func (c *Client) Forward(ctx context.Context, req Request) (*Response, error) {
	target := *c.baseURL
	target.Path = singleJoiningSlash(c.baseURL.Path, req.Path)
	if i := indexQuery(req.Path); i >= 0 {
		target.RawQuery = req.Path[i+1:]
		target.Path = singleJoiningSlash(c.baseURL.Path, req.Path[:i])
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		client := c.ensureClient()

		var bodyReader io.Reader
		if req.Body != nil {
			bodyReader = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bodyReader)
		if err != nil {
			return nil, err
		}
		httpReq.Header = req.Header.Clone()
		httpReq.Header.Del("Host")
		httpReq.Host = ""

		resp, err := client.Do(httpReq)
		if err == nil {
			return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
		}

		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", c.maxRetries+1).Msg("upstream: forward attempt failed")
		c.resetClient()

		if attempt == c.maxRetries {
			break
		}
		if err := c.limiter.WaitN(ctx, attempt+1); err != nil {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("upstream: request failed with no error recorded")
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "":
		return a + "/" + b
	default:
		return a + b
	}
}

func indexQuery(path string) int {
	for i, c := range path {
		if c == '?' {
			return i
		}
	}
	return -1
}
