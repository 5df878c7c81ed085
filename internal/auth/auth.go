// Package auth implements the SmartAPI-style credential source: password +
// TOTP login and refresh-token rotation over HTTPS, yielding the bearer
// value the feed handshake carries.
package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/quantrail/tickfabric/errs"
)

const (
	loginPath   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	refreshPath = "/rest/auth/angelbroking/jwt/v1/generateTokens"

	defaultTimeout = 10 * time.Second
)

// Config carries the broker account and endpoint settings.
type Config struct {
	// BaseURL is the auth API origin, e.g. "https://apiconnect.angelone.in".
	BaseURL string
	// APIKey is sent as X-PrivateKey on every request.
	APIKey string
	// ClientCode and Password authenticate the login call.
	ClientCode string
	Password   string
	// Timeout bounds each HTTP request. 0 means 10 s.
	Timeout time.Duration
	// VerifyPeer and CAFile mirror the feed's TLS knobs.
	VerifyPeer bool
	CAFile     string
}

// Tokens is the credential set a successful login or refresh yields.
type Tokens struct {
	Access  string // jwtToken
	Refresh string // refreshToken
	Feed    string // feedToken
	// ExpiresAt is the best-effort expiry; zero when the response carried
	// no TTL.
	ExpiresAt time.Time
}

// Client performs the login and refresh flows. A circuit breaker guards the
// endpoint so a flapping auth service is not hammered.
type Client struct {
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	tokens Tokens
}

type loginResponse struct {
	Status bool `json:"status"`
	Data   struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
		ExpiresIn    int    `json:"expiresIn"`
		JWTTokenTTL  int    `json:"jwtTokenTTL"`
	} `json:"data"`
	Message string `json:"message"`
}

// NewClient validates the config and constructs an auth client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errs.New("auth.new", errs.CodeInvalid, errs.WithMessage("base url required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.VerifyPeer} //nolint:gosec // operator-controlled toggle
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, errs.Wrap("auth.new", errs.CodeInvalid, err, errs.WithMessage("read ca file"))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errs.New("auth.new", errs.CodeInvalid, errs.WithMessage("ca file holds no certificates"))
		}
		tlsCfg.RootCAs = pool
	}

	c := new(Client)
	c.cfg = cfg
	c.log = log.With().Str("component", "auth").Logger()
	c.http = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
		},
		Timeout: cfg.Timeout,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "smartapi-auth",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c, nil
}

// LoginWithTOTP runs the password + one-time-code login and stores the
// resulting token set.
func (c *Client) LoginWithTOTP(ctx context.Context, code string) error {
	payload := map[string]string{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	}
	resp, err := c.post(ctx, loginPath, payload)
	if err != nil {
		return err
	}
	if err := c.storeTokens(resp, true); err != nil {
		return errs.Wrap("auth.login", errs.CodeAuth, err, errs.WithVenue("smartapi"))
	}
	c.log.Info().Msg("login succeeded")
	return nil
}

// Refresh rotates the token set using the stored refresh token.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.tokens.Refresh
	c.mu.RUnlock()
	if refresh == "" {
		return errs.New("auth.refresh", errs.CodeAuth, errs.WithMessage("no refresh token held"))
	}

	resp, err := c.post(ctx, refreshPath, map[string]string{"refreshToken": refresh})
	if err != nil {
		return err
	}
	if err := c.storeTokens(resp, false); err != nil {
		return errs.Wrap("auth.refresh", errs.CodeAuth, err, errs.WithVenue("smartapi"))
	}
	c.log.Info().Msg("refresh succeeded")
	return nil
}

// Tokens returns a copy of the held credential set.
func (c *Client) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Expired reports whether the access token is missing or inside skew of its
// known expiry. An unknown TTL reads as not expired.
func (c *Client) Expired(skew time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens.Access == "" {
		return true
	}
	if c.tokens.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Add(skew).Before(c.tokens.ExpiresAt)
}

// AuthHeaders returns the handshake headers the credential contributes:
// {"Authorization": "Bearer <jwt>"}, or nil before login.
func (c *Client) AuthHeaders() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens.Access == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.tokens.Access}
}

// BearerValue returns the Authorization header value, or "" before login.
func (c *Client) BearerValue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens.Access == "" {
		return ""
	}
	return "Bearer " + c.tokens.Access
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) (*loginResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap("auth.post", errs.CodeInvalid, err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, errs.Wrap("auth.post", errs.CodeInvalid, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-PrivateKey", c.cfg.APIKey)
		req.Header.Set("X-UserType", "USER")
		req.Header.Set("X-SourceID", "WEB")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.Wrap("auth.post", errs.CodeNetwork, err, errs.WithVenue("smartapi"))
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, errs.Wrap("auth.post", errs.CodeNetwork, err, errs.WithVenue("smartapi"))
		}
		if resp.StatusCode/100 != 2 {
			return nil, errs.New("auth.post", errs.CodeAuth,
				errs.WithVenue("smartapi"),
				errs.WithHTTP(resp.StatusCode),
				errs.WithMessage(fmt.Sprintf("http %d", resp.StatusCode)))
		}

		var parsed loginResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, errs.Wrap("auth.post", errs.CodeFrame, err, errs.WithVenue("smartapi"))
		}
		return &parsed, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap("auth.post", errs.CodeUnavailable, err, errs.WithVenue("smartapi"))
		}
		return nil, err
	}
	return out.(*loginResponse), nil
}

// storeTokens validates and commits a login/refresh response. Refresh
// responses may omit the refresh token, keeping the held one.
func (c *Client) storeTokens(resp *loginResponse, loginFlow bool) error {
	d := resp.Data
	if d.JWTToken == "" {
		return fmt.Errorf("response carries no jwtToken (message=%q)", resp.Message)
	}
	if loginFlow && d.RefreshToken == "" {
		return fmt.Errorf("login response carries no refreshToken")
	}

	ttl := d.ExpiresIn
	if ttl == 0 {
		ttl = d.JWTTokenTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Access = d.JWTToken
	if d.RefreshToken != "" {
		c.tokens.Refresh = d.RefreshToken
	}
	if d.FeedToken != "" {
		c.tokens.Feed = d.FeedToken
	}
	if ttl > 0 {
		c.tokens.ExpiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	} else {
		c.tokens.ExpiresAt = time.Time{}
	}
	return nil
}
