package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	// UserAgent mimics the desktop browser the web app expects.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
	// Origin is the web app origin sent on every call.
	Origin = "https://business.gemini.google"

	// DefaultAuthBaseURL hosts the key exchange endpoint.
	DefaultAuthBaseURL = "https://business.gemini.google"
	// DefaultAPIBaseURL hosts the widget endpoints.
	DefaultAPIBaseURL = "https://biz-discoveryengine.googleapis.com"
)

// Operation names carried by APIError.
const (
	OpKeyExchange   = "key exchange"
	OpCreateSession = "create session"
	OpUploadFile    = "upload file"
	OpListFiles     = "list files"
	OpDownloadFile  = "download file"
	OpStreamAssist  = "stream assist"
)

var (
	// ErrAuth matches 401 and 403 responses.
	ErrAuth = errors.New("upstream rejected credentials")
	// ErrRateLimited matches 429 responses.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrTransient matches every other non-2xx response.
	ErrTransient = errors.New("upstream request failed")
)

// Client is an HTTP client for the Gemini Business widget API.
type Client struct {
	httpClient      *http.Client
	logger          *slog.Logger
	authBaseURL     string
	apiBaseURL      string
	downloadBaseURL string
	authTimeout     time.Duration
	sessionTimeout  time.Duration
}

// ClientOptions configures the upstream HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	// Proxy is an optional outbound proxy URL.
	Proxy string
	// AuthTimeout bounds key exchange calls.
	AuthTimeout time.Duration
	// SessionTimeout bounds session, upload, list and download calls.
	SessionTimeout time.Duration

	AuthBaseURL     string
	APIBaseURL      string
	DownloadBaseURL string

	Logger *slog.Logger
}

// NewClient creates a new upstream client with connection pooling.
func NewClient(opts ClientOptions) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			// Per-call timeouts come from contexts; generation streams run for minutes.
			Timeout: 0,
		},
		logger:          logger,
		authBaseURL:     opts.AuthBaseURL,
		apiBaseURL:      opts.APIBaseURL,
		downloadBaseURL: opts.DownloadBaseURL,
		authTimeout:     opts.AuthTimeout,
		sessionTimeout:  opts.SessionTimeout,
	}
	if c.authBaseURL == "" {
		c.authBaseURL = DefaultAuthBaseURL
	}
	if c.apiBaseURL == "" {
		c.apiBaseURL = DefaultAPIBaseURL
	}
	if c.downloadBaseURL == "" {
		c.downloadBaseURL = c.apiBaseURL
	}
	if c.authTimeout == 0 {
		c.authTimeout = 30 * time.Second
	}
	if c.sessionTimeout == 0 {
		c.sessionTimeout = 60 * time.Second
	}
	return c, nil
}

// AuthTimeout returns the timeout applied to key exchange calls.
func (c *Client) AuthTimeout() time.Duration {
	return c.authTimeout
}

// setCommonHeaders sets the headers the web app sends on widget calls.
func setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", Origin)
	req.Header.Set("Referer", Origin+"/")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Server-Timeout", "1800")
}

// widgetURL builds a widget endpoint URL.
func (c *Client) widgetURL(method string) string {
	return c.apiBaseURL + "/v1alpha/locations/global/" + method
}

// postJSON sends a widget call and decodes the JSON response into out.
func (c *Client) postJSON(ctx context.Context, op, method, token string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.sessionTimeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.widgetURL(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	setCommonHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("upstream error",
			"op", op,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: respBody}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(StripSafetyPrefix(respBody), out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

// Close closes the client and releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIError represents a non-200 response from the upstream.
type APIError struct {
	Op         string
	StatusCode int
	Body       []byte
	// Penalized is set once the owning account has been marked for this error.
	Penalized bool
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s failed: status %d, body: %s", e.Op, e.StatusCode, truncate(string(e.Body), 200))
}

// Is maps the status code onto ErrAuth, ErrRateLimited and ErrTransient.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.IsAuth()
	case ErrRateLimited:
		return e.IsRateLimited()
	case ErrTransient:
		return !e.IsAuth() && !e.IsRateLimited()
	}
	return false
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuth returns true if the upstream rejected the credentials (401 or 403).
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsQuota returns true for statuses that put the account on cooldown at the call site.
func (e *APIError) IsQuota() bool {
	return e.IsAuth() || e.IsRateLimited()
}

// IsKeyExchange returns true if the error came from the key exchange endpoint.
func (e *APIError) IsKeyExchange() bool {
	return e.Op == OpKeyExchange
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
