// Package httpclient builds the retrying HTTP client used by the
// download engine and implements the range-support preflight probe
// (spec §4.3 "Preflight").
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config tunes the transport and retry policy. Zero values fall back
// to the teacher's transport-tuning defaults.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	RetryMax            int
	RetryWaitMin        time.Duration
	RetryWaitMax        time.Duration
	InsecureSkipVerify  bool
	Logger              *slog.Logger
	// DialContext, if set, overrides the transport's dialer — used to
	// route connections through internal/dnscache instead of the
	// platform resolver on every dial.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// UserAgent, if set, is sent on every outgoing request that doesn't
	// already carry its own User-Agent header (spec §6 "User-Agent
	// (configurable)").
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 100
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 16
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 4
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 250 * time.Millisecond
	}
	if c.RetryWaitMax <= 0 {
		c.RetryWaitMax = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// New builds a retryablehttp client with a tuned transport. Retries
// follow the standard exponential backoff policy; retry eligibility
// is left to retryablehttp's default checker, which treats connection
// errors and 5xx/429 responses as transient.
func New(cfg Config) *retryablehttp.Client {
	cfg = cfg.withDefaults()

	dial := cfg.DialContext
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dial,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = userAgentTransport{rt: rt, ua: cfg.UserAgent}
	}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Transport: rt}
	c.RetryMax = cfg.RetryMax
	c.RetryWaitMin = cfg.RetryWaitMin
	c.RetryWaitMax = cfg.RetryWaitMax
	c.Logger = slogAdapter{cfg.Logger}
	return c
}

// userAgentTransport sets a default User-Agent on requests that don't
// already carry one, without touching callers that set their own.
type userAgentTransport struct {
	rt http.RoundTripper
	ua string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.rt.RoundTrip(req)
}

// slogAdapter satisfies retryablehttp.LeveledLogger with log/slog.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Error(msg string, kv ...interface{}) { a.l.Error(msg, kv...) }
func (a slogAdapter) Info(msg string, kv ...interface{})  { a.l.Info(msg, kv...) }
func (a slogAdapter) Debug(msg string, kv ...interface{}) { a.l.Debug(msg, kv...) }
func (a slogAdapter) Warn(msg string, kv ...interface{})  { a.l.Warn(msg, kv...) }

// ProbeResult is the outcome of the range-support preflight (spec
// §4.3).
type ProbeResult struct {
	AcceptsRanges  bool
	ContentLength  int64
	ETag           string
	LastModified   string
	AcceptRangeHdr string
}

var errNoContentLength = errors.New("httpclient: server did not report a content length")

// Probe issues a HEAD request and, if the server doesn't answer it
// usefully, falls back to a 1-byte GET Range request — the same
// HEAD-then-fallback shape used against HEAD-unsupporting or
// 403-on-HEAD mirrors.
func Probe(ctx context.Context, c *retryablehttp.Client, url string, headers map[string]string) (ProbeResult, error) {
	res, err := probeHead(ctx, c, url, headers)
	if err == nil && res.ContentLength > 0 {
		return res, nil
	}
	return probeRangeFallback(ctx, c, url, headers)
}

func probeHead(ctx context.Context, c *retryablehttp.Client, url string, headers map[string]string) (ProbeResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	applyHeaders(req, headers)

	resp, err := c.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("httpclient: HEAD %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return ProbeResult{}, errNoContentLength
	}
	return ProbeResult{
		AcceptsRanges:  resp.Header.Get("Accept-Ranges") == "bytes",
		ContentLength:  resp.ContentLength,
		ETag:           resp.Header.Get("ETag"),
		LastModified:   resp.Header.Get("Last-Modified"),
		AcceptRangeHdr: resp.Header.Get("Accept-Ranges"),
	}, nil
}

// probeRangeFallback requests the first byte only, inferring the full
// size from Content-Range on a 206, or Content-Length on a 200.
func probeRangeFallback(ctx context.Context, c *retryablehttp.Client, url string, headers map[string]string) (ProbeResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return ProbeResult{}, err
		}
		return ProbeResult{
			AcceptsRanges: true,
			ContentLength: total,
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
		}, nil
	case http.StatusOK:
		if resp.ContentLength <= 0 {
			return ProbeResult{}, errNoContentLength
		}
		return ProbeResult{
			AcceptsRanges: false,
			ContentLength: resp.ContentLength,
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
		}, nil
	default:
		return ProbeResult{}, fmt.Errorf("httpclient: range probe %s: unexpected status %d", url, resp.StatusCode)
	}
}

func totalFromContentRange(v string) (int64, error) {
	var start, end, total int64
	_, err := fmt.Sscanf(v, "bytes %d-%d/%d", &start, &end, &total)
	if err != nil {
		return 0, fmt.Errorf("httpclient: malformed Content-Range %q: %w", v, err)
	}
	return total, nil
}

func applyHeaders(req *retryablehttp.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
