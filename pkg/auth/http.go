package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultSessionCookie is the cookie the session id is sent in.
	DefaultSessionCookie = "_session_id"

	defaultTimeout  = 5 * time.Second
	defaultAttempts = 3
	userAgent       = "juggler/1.0"
	maxBodyDrain    = 64 << 10
)

// Config configures an HTTPGateway.
type Config struct {
	HTTPClient    *http.Client
	Logger        *slog.Logger
	LoginURL      string // Empty means every session is authorized.
	LogoutURL     string // Empty disables logout notifications.
	SessionCookie string
	Timeout       time.Duration // Bounds a whole check including retries.
	CacheTTL      time.Duration // Zero disables the decision cache.
	Attempts      uint
	FailurePolicy FailurePolicy
}

// HTTPGateway checks sessions with GET requests against a login endpoint.
//
// A 2xx answer approves the session. Any other status below 500 denies it.
// Network errors, timeouts and 5xx answers that persist through the retry
// budget leave the outcome to the FailurePolicy.
type HTTPGateway struct {
	httpClient *http.Client
	logger     *slog.Logger
	cache      *decisionCache
	loginURL   string
	logoutURL  string
	cookie     string
	timeout    time.Duration
	attempts   uint
	policy     FailurePolicy
}

// NewHTTPGateway creates a gateway. If cfg.Logger is nil, a discarding logger is used.
func NewHTTPGateway(cfg Config) *HTTPGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cookie := cfg.SessionCookie
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}

	g := &HTTPGateway{
		httpClient: httpClient,
		logger:     logger,
		loginURL:   cfg.LoginURL,
		logoutURL:  cfg.LogoutURL,
		cookie:     cookie,
		timeout:    timeout,
		attempts:   attempts,
		policy:     cfg.FailurePolicy,
	}
	if cfg.CacheTTL > 0 {
		g.cache = newDecisionCache(cfg.CacheTTL)
	}
	return g
}

// CheckSession implements Gateway.
func (g *HTTPGateway) CheckSession(ctx context.Context, sessionID string, channels []string, uniqueID string) bool {
	if g.loginURL == "" {
		return true
	}

	var key string
	if g.cache != nil {
		key = decisionKey(sessionID, uniqueID, channels)
		if g.cache.approved(key) {
			g.logger.Debug("session approval served from cache", "channels", len(channels))
			return true
		}
	}

	err := g.check(ctx, sessionID, channels, uniqueID)
	switch {
	case err == nil:
		if g.cache != nil {
			g.cache.approve(key)
		}
		return true
	case errors.Is(err, ErrDenied):
		g.logger.Info("login endpoint denied session", "error", err)
		return false
	default:
		allowed := g.policy == FailOpen
		g.logger.Warn("login check failed; applying failure policy",
			"error", err, "policy", g.policy.String(), "allowed", allowed)
		return allowed
	}
}

// check performs the login request. It returns nil on approval, an
// ErrDenied-wrapped error on rejection and an ErrGatewayUnavailable-wrapped
// error when no answer could be obtained.
func (g *HTTPGateway) check(ctx context.Context, sessionID string, channels []string, uniqueID string) error {
	target, err := loginTarget(g.loginURL, channels, uniqueID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var denied error
	var lastErr error

	err = retry.Do(
		func() error {
			resp, err := g.get(ctx, target, sessionID)
			if err != nil {
				lastErr = err
				g.logger.Warn("login request failed (will retry)", "error", err)
				return err
			}
			defer g.drain(resp)

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= http.StatusInternalServerError:
				lastErr = fmt.Errorf("login endpoint server error: %d", resp.StatusCode)
				g.logger.Warn("login endpoint server error (will retry)", "status", resp.StatusCode)
				return lastErr
			default:
				denied = fmt.Errorf("%w: status %d", ErrDenied, resp.StatusCode)
				return retry.Unrecoverable(denied)
			}
		},
		retry.Attempts(g.attempts),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(time.Second),
		retry.Context(ctx),
	)
	if err == nil {
		return nil
	}
	if denied != nil {
		return denied
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, lastErr)
	}
	return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
}

// NotifyLogout implements Gateway. It makes a single attempt.
func (g *HTTPGateway) NotifyLogout(ctx context.Context, sessionID string) {
	if g.logoutURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.get(ctx, g.logoutURL, sessionID)
	if err != nil {
		g.logger.Debug("logout notification failed", "error", err)
		return
	}
	g.drain(resp)
	if resp.StatusCode >= 300 {
		g.logger.Debug("logout notification rejected", "status", resp.StatusCode)
	}
}

func (g *HTTPGateway) get(ctx context.Context, target, sessionID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", g.cookie+"="+sessionID)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func (g *HTTPGateway) drain(resp *http.Response) {
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain)); err != nil {
		g.logger.Debug("failed to drain response body", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		g.logger.Debug("failed to close response body", "error", err)
	}
}

// loginTarget appends channels[]=<c> for each channel and unique_id when set.
func loginTarget(base string, channels []string, uniqueID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid login URL: %w", err)
	}
	q := u.Query()
	for _, ch := range channels {
		q.Add("channels[]", ch)
	}
	if uniqueID != "" && uniqueID != "null" {
		q.Set("unique_id", uniqueID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
