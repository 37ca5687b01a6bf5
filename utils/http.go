package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"rangefetch/internal"
)

// DefaultUserAgent is sent when a request carries no User-Agent of its own
const DefaultUserAgent = "rangefetch/1.0"

// ClientOptions configures the transport clients handed out by the pool
type ClientOptions struct {
	Workers    int
	Timeout    time.Duration // response header timeout
	MaxRetries int
	RetryCap   time.Duration
	BaseDelay  time.Duration
	Proxy      internal.ProxyConfig
	UserAgent  string
}

// ClientOptionsFromConfig derives client options from a normalized config
func ClientOptionsFromConfig(cfg *internal.Config) ClientOptions {
	return ClientOptions{
		Workers:    cfg.Workers,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RetryCap:   cfg.RetryCap,
		Proxy:      cfg.Proxy,
		UserAgent:  DefaultUserAgent,
	}
}

// NewHTTPClient creates an *http.Client tuned for many parallel range requests
// against the same host
func NewHTTPClient(opts ClientOptions) (*http.Client, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     15 * time.Second,
			Interval: 15 * time.Second,
			Count:    4,
		},
		Control: tuneSocket,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       workers * 2,
		MaxIdleConnsPerHost:   workers * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if opts.Proxy.Enabled && opts.Proxy.URL != "" {
		if err := configureProxy(transport, dialer, opts.Proxy); err != nil {
			return nil, internal.NewFetchError(0, "Failed to configure proxy", internal.ErrConfiguration).
				WithContext("proxy", opts.Proxy.String()).
				WithCause(err)
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	client := &http.Client{
		Transport: &headerTransport{base: transport, userAgent: userAgent},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Allow up to 10 redirects
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return client, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, dialer *net.Dialer, cfg internal.ProxyConfig) error {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	if cfg.Username != "" {
		parsedURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		socks, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, dialer)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// headerTransport fills in default headers without touching caller-set ones
// and logs each exchange at debug level
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req
	if req.Header.Get("User-Agent") == "" || req.Header.Get("Accept") == "" {
		r = req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.userAgent)
		}
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", "*/*")
		}
	}

	logger := internal.GetLogger()
	logger.LogHTTPRequest(r)
	resp, err := t.base.RoundTrip(r)
	if err == nil {
		logger.LogHTTPResponse(resp)
	}
	return resp, err
}

// CloseIdleConnections forwards to the wrapped transport
func (t *headerTransport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}

// NewClientFactory returns a pool factory that builds one retrying client per key
func NewClientFactory(opts ClientOptions) ClientFactory {
	return func(key string) (*PooledClient, error) {
		httpClient, err := NewHTTPClient(opts)
		if err != nil {
			return nil, err
		}

		retry := NewRetryTransport(httpClient, opts.MaxRetries, opts.RetryCap)
		if opts.BaseDelay > 0 {
			retry.BaseDelay = opts.BaseDelay
		}

		internal.LogDebug("Created pooled client %q (max conns %d, proxy %s)", key, max(opts.Workers, 1)*2, opts.Proxy.String())
		return &PooledClient{
			Name:  key,
			HTTP:  httpClient,
			Retry: retry,
		}, nil
	}
}

// NewRequest builds a request with the caller's headers applied
func NewRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, internal.NewInvalidURLError(rawURL, err.Error())
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}
