// Package restclient is the rate-limited JSON client shared by the polling
// exchange adapters.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fundingflow/config"
	"fundingflow/logger"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "fundingflow/1.0"
	maxErrorBody     = 512
)

// ErrStatus marks a non-2xx response.
var ErrStatus = errors.New("unexpected http status")

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	LocalIP   string
	UserAgent string
	// RequestsPerSecond <= 0 falls back to 5 rps with a burst of 1.
	RequestsPerSecond float64
	BurstSize         int
}

// OptionsFromConfig maps a connector's settings; defaultBase is used when
// rest_url is empty.
func OptionsFromConfig(cfg config.ConnectorConfig, defaultBase string) Options {
	base := strings.TrimSpace(cfg.RestURL)
	if base == "" {
		base = defaultBase
	}
	return Options{
		BaseURL:           base,
		Timeout:           cfg.Timeout,
		LocalIP:           cfg.LocalIP,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
	}
}

type Client struct {
	base      string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

func New(opts Options) *Client {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.BurstSize
	if burst <= 0 {
		burst = 1
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		base:      strings.TrimRight(opts.BaseURL, "/"),
		http:      NewHTTPClient(opts.LocalIP, opts.Timeout),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		userAgent: ua,
	}
}

// NewHTTPClient builds a pooled client, optionally bound to a local
// address. SDK-backed adapters install it on their SDK clients.
func NewHTTPClient(localIP string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) HTTPClient() *http.Client { return c.http }

// Wait blocks on the shared limiter; SDK calls made outside the client use
// it to share the same budget.
func (c *Client) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// GetJSON issues a GET against path and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// PostJSON sends body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}

	logger.LogPerformanceEntry(logger.GetLogger().WithComponent("restclient"), "restclient", "api_request", time.Since(start), logger.Fields{
		"host": req.URL.Host,
		"path": req.URL.Path,
	})
	return nil
}
