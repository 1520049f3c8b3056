package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"faceswap_access/auth"
	"faceswap_access/config"
	"faceswap_access/models"
	"faceswap_access/response"
	"faceswap_access/store"
)

// AutoUID in a payload is replaced with the credential subject before sending.
const AutoUID = "__AUTO__"

// Backend error codes that signal a rejected credential even without a 401.
var credentialRejectedCodes = map[string]bool{
	"INVALID_ACCESS_TOKEN": true,
	"ACCESS_TOKEN_EXPIRED": true,
	"UNAUTHENTICATED":      true,
}

// InvocationError reports a function call that failed after the bounded retry
type InvocationError struct {
	Function string
	Status   int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s failed", e.Function)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Acquirer obtains a fresh credential and persists it
type Acquirer interface {
	Acquire(ctx context.Context) (models.Credential, error)
}

// Invoker calls named remote functions with the current bearer credential
type Invoker struct {
	baseURL    string
	envID      string
	httpClient *http.Client
	creds      *store.CredentialStore
	acquirer   Acquirer
	group      singleflight.Group
}

// Option configures an Invoker
type Option func(*Invoker)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(i *Invoker) { i.httpClient = hc }
}

// New creates an Invoker
func New(cfg config.BackendConfig, creds *store.CredentialStore, acquirer Acquirer, opts ...Option) *Invoker {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	i := &Invoker{
		baseURL:    strings.TrimRight(cfg.FunctionBaseURL, "/"),
		envID:      cfg.EnvID,
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		acquirer:   acquirer,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// authState tracks one call's position in the re-authentication cycle.
type authState int

const (
	stateAuthenticated authState = iota
	stateUnauthenticated
	stateReauthenticating
)

func (s authState) String() string {
	switch s {
	case stateAuthenticated:
		return "authenticated"
	case stateUnauthenticated:
		return "unauthenticated"
	case stateReauthenticating:
		return "reauthenticating"
	default:
		return "unknown"
	}
}

// call is per-invocation state; it is never shared between invocations.
type call struct {
	function     string
	state        authState
	cred         models.Credential
	reauthorized bool
}

func (c *call) transition(ctx context.Context, next authState) {
	zerolog.Ctx(ctx).Debug().
		Str("function", c.function).
		Stringer("from", c.state).
		Stringer("to", next).
		Msg("Auth state transition")
	c.state = next
}

// InvokeRequest is Invoke for a prepared request
func (i *Invoker) InvokeRequest(ctx context.Context, req models.InvocationRequest) (response.Reply, error) {
	return i.Invoke(ctx, req.FunctionName, req.Payload)
}

// Invoke calls functionName with payload and returns the normalized reply.
// A rejected credential triggers exactly one re-authentication and one retry.
func (i *Invoker) Invoke(ctx context.Context, functionName string, payload map[string]any) (response.Reply, error) {
	logger := zerolog.Ctx(ctx)

	if functionName == "" {
		return nil, &InvocationError{Message: "function name is required"}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	c := &call{function: functionName, state: stateUnauthenticated}

	if cred := i.heldCredential(ctx); cred != nil {
		c.cred = *cred
		c.state = stateAuthenticated
	} else {
		cred, err := i.acquire(ctx)
		if err != nil {
			return nil, err
		}
		c.cred = cred
		c.transition(ctx, stateAuthenticated)
	}

	for {
		body, err := i.encodePayload(c, payload)
		if err != nil {
			return nil, err
		}

		status, respBody, err := i.post(ctx, functionName, body, c.cred.Value)
		if err != nil {
			logger.Error().
				Str("function", functionName).
				Err(err).
				Msg("Function request failed")
			return nil, &InvocationError{Function: functionName, Err: err}
		}

		if credentialRejected(status, respBody) {
			if c.reauthorized {
				logger.Error().
					Str("function", functionName).
					Int("status", status).
					Msg("Credential rejected after re-authentication")
				return nil, &InvocationError{
					Function: functionName,
					Status:   status,
					Message:  backendMessage(respBody),
				}
			}
			if err := i.reauthenticate(ctx, c); err != nil {
				return nil, err
			}
			continue
		}

		if status < 200 || status >= 300 {
			logger.Error().
				Str("function", functionName).
				Int("status", status).
				Msg("Function returned an error status")
			return nil, &InvocationError{
				Function: functionName,
				Status:   status,
				Message:  backendMessage(respBody),
			}
		}

		reply := response.NormalizeBytes(respBody)
		logger.Debug().
			Str("function", functionName).
			Int("status", status).
			Bool("success", response.IsSuccess(reply)).
			Msg("Function invoked")
		return reply, nil
	}
}

// reauthenticate moves c from a rejected credential to a fresh one. It runs at
// most once per call.
func (i *Invoker) reauthenticate(ctx context.Context, c *call) error {
	c.reauthorized = true
	c.transition(ctx, stateUnauthenticated)

	rejected := c.cred.Value

	// Another call may already have replaced the rejected credential.
	if held := i.heldCredential(ctx); held != nil && held.Value != rejected {
		c.cred = *held
		c.transition(ctx, stateAuthenticated)
		return nil
	}

	if err := i.creds.Clear(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to invalidate rejected credential")
	}

	c.transition(ctx, stateReauthenticating)
	cred, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	c.cred = cred
	c.transition(ctx, stateAuthenticated)
	return nil
}

// heldCredential reads the stored credential; storage failures count as none.
func (i *Invoker) heldCredential(ctx context.Context) *models.Credential {
	cred, err := i.creds.Get(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Credential unavailable, re-authenticating")
		return nil
	}
	return cred
}

// acquire coalesces concurrent sign-ins into a single in-flight request.
func (i *Invoker) acquire(ctx context.Context) (models.Credential, error) {
	v, err, shared := i.group.Do("acquire", func() (any, error) {
		return i.acquirer.Acquire(context.WithoutCancel(ctx))
	})
	if err != nil {
		return models.Credential{}, err
	}
	if shared {
		zerolog.Ctx(ctx).Debug().Msg("Joined in-flight credential acquisition")
	}
	return v.(models.Credential), nil
}

func (i *Invoker) encodePayload(c *call, payload map[string]any) ([]byte, error) {
	data := any(payload)
	if containsAutoUID(payload) {
		subject := c.cred.Subject
		if subject == "" {
			if claims, ok := auth.DecodeClaims(c.cred.Value); ok {
				subject = claims.Subject
			}
		}
		if subject == "" {
			return nil, &InvocationError{Function: c.function, Message: "payload requires a user id but the credential carries none"}
		}
		data = replaceAutoUID(payload, subject)
	}

	body, err := json.Marshal(map[string]any{
		"data": data,
		"env":  i.envID,
	})
	if err != nil {
		return nil, &InvocationError{Function: c.function, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}
	return body, nil
}

func (i *Invoker) post(ctx context.Context, functionName string, body []byte, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/"+functionName, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func credentialRejected(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status < 400 {
		return false
	}
	var probe struct {
		Code any `json:"code"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	code, ok := probe.Code.(string)
	return ok && credentialRejectedCodes[code]
}

// backendMessage pulls a human-readable message out of an error body, if any.
func backendMessage(body []byte) string {
	reply := response.NormalizeBytes(body)
	if msg, ok := response.ExtractString(reply, "message", "error", "msg"); ok && msg != response.MessageMalformed {
		return msg
	}
	return ""
}

func containsAutoUID(v any) bool {
	switch t := v.(type) {
	case string:
		return t == AutoUID
	case map[string]any:
		for _, child := range t {
			if containsAutoUID(child) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if containsAutoUID(child) {
				return true
			}
		}
	}
	return false
}

// replaceAutoUID returns a copy of v with every AutoUID string replaced.
// The caller's payload is left untouched so a retry re-substitutes cleanly.
func replaceAutoUID(v any, uid string) any {
	switch t := v.(type) {
	case string:
		if t == AutoUID {
			return uid
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = replaceAutoUID(child, uid)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for idx, child := range t {
			out[idx] = replaceAutoUID(child, uid)
		}
		return out
	default:
		return v
	}
}
