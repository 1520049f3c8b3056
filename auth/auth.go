package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"faceswap_access/config"
	"faceswap_access/models"
	"faceswap_access/store"
)

// Backend paths relative to the auth base URL.
const (
	SignInPath = "/auth/v1/signin/anonymously"
	CheckPath  = "/auth/check"
)

// AuthError reports that anonymous sign-in was rejected or unreachable
type AuthError struct {
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("anonymous sign-in failed: HTTP %d: %s", e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("anonymous sign-in failed: HTTP %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("anonymous sign-in failed: %v", e.Err)
	default:
		return "anonymous sign-in failed: " + e.Message
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// Client obtains anonymous credentials from the backend
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	creds      *store.CredentialStore
	now        func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an auth Client writing acquired credentials into creds
func NewClient(cfg config.BackendConfig, creds *store.CredentialStore, deviceID string, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.AuthBaseURL, "/"),
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signInResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	Message     string `json:"message"`
}

// Acquire signs in anonymously and stores the new credential, overwriting any
// prior one. It never retries.
func (c *Client) Acquire(ctx context.Context) (models.Credential, error) {
	logger := zerolog.Ctx(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SignInPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return models.Credential{}, &AuthError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-device-id", c.deviceID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("Anonymous sign-in request failed")
		return models.Credential{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Credential{}, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var parsed signInResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		logger.Error().
			Int("status", resp.StatusCode).
			Msg("Anonymous sign-in rejected")
		return models.Credential{}, &AuthError{Status: resp.StatusCode, Message: parsed.Message}
	}
	if decodeErr != nil {
		return models.Credential{}, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", decodeErr)}
	}

	token := parsed.AccessToken
	if token == "" {
		token = parsed.Token
	}
	if token == "" {
		logger.Error().Msg("Anonymous sign-in response carried no token")
		return models.Credential{}, &AuthError{Status: resp.StatusCode, Message: "response carried no access token"}
	}

	cred := models.Credential{Value: token, AcquiredAt: c.now()}
	if claims, ok := DecodeClaims(token); ok {
		cred.Subject = claims.Subject
		cred.ExpiresAt = claims.ExpiresAt
	}

	if err := c.creds.Set(ctx, cred); err != nil {
		// The credential is still usable for this process.
		logger.Warn().Err(err).Msg("Failed to persist acquired credential")
	}

	logger.Info().
		Str("subject", cred.Subject).
		Int("token_length", len(token)).
		Msg("Anonymous sign-in succeeded")

	return cred, nil
}

// CheckStatus reports whether the held credential is accepted by the backend
func (c *Client) CheckStatus(ctx context.Context) bool {
	cred, err := c.creds.Get(ctx)
	if err != nil || cred == nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+CheckPath, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Credential status check failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// Claims holds the informational fields read from a JWT credential
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// DecodeClaims reads subject and expiry from token without verifying it.
// Opaque (non-JWT) tokens report false.
func DecodeClaims(token string) (Claims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, false
	}

	var out Claims
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if out.Subject == "" {
		// Some issuers put the anonymous uid under a custom claim.
		if uid, ok := claims["uid"].(string); ok {
			out.Subject = uid
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, true
}
