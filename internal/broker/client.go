package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/peerlink/rolekeeper/internal/infrastructure/config"
)

// Status is the three-valued connection state of a broker client.
//
// Unknown is deliberately distinct from Disconnected: an auth failure,
// network error, or malformed response says nothing about whether the
// client is gone, and treating it as "safely gone" would break the
// one-holder-per-role guarantee.
type Status int

const (
	// StatusUnknown means the control plane could not give a definitive
	// answer. Never conflate with Disconnected.
	StatusUnknown Status = iota

	// StatusConnected means the broker reports an active session.
	StatusConnected

	// StatusDisconnected means the broker definitively reports the
	// client absent (explicit not-found or connected=false).
	StatusDisconnected
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// maxResponseSize bounds control-plane response bodies.
const maxResponseSize = 1 << 20

// Client talks to the broker's administrative HTTP API (EMQX v5 style):
// token login, per-client status lookup, and forced disconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The auth token is shared
//     and refreshed at most once per expired request.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	// token is the cached control-plane auth token.
	token   string
	tokenMu sync.Mutex
}

// New creates a broker control client from configuration.
func New(cfg config.BrokerAPIConfig) *Client {
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}

	return &Client{
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
	}
}

// QueryStatus looks up the connection state of one broker client.
//
// Response mapping:
//   - 200 with a connected flag: Connected or Disconnected accordingly
//   - 404: Disconnected (the client no longer exists on the broker)
//   - auth failure, network error, malformed body: Unknown, with the
//     underlying error for logging
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - clientID: Broker client identity to look up
//
// Returns:
//   - Status: Three-valued connection state
//   - error: Non-nil only when status is Unknown
func (c *Client) QueryStatus(ctx context.Context, clientID string) (Status, error) {
	resp, err := c.authedRequest(ctx, http.MethodGet, c.clientURL(clientID), nil)
	if err != nil {
		return StatusUnknown, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Connected bool `json:"connected"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
			return StatusUnknown, fmt.Errorf("%w: decoding client status: %w", ErrMalformedResponse, err)
		}
		if body.Connected {
			return StatusConnected, nil
		}
		return StatusDisconnected, nil

	case http.StatusNotFound:
		return StatusDisconnected, nil

	case http.StatusUnauthorized:
		return StatusUnknown, ErrUnauthorized

	default:
		return StatusUnknown, fmt.Errorf("%w: status lookup returned %d", ErrRequestFailed, resp.StatusCode)
	}
}

// ForceDisconnect kicks a client off the broker.
//
// Idempotent: disconnecting an already-absent client (404) is success,
// not an error. Only transport failures and unexpected status codes are
// reported.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - clientID: Broker client identity to disconnect
//
// Returns:
//   - error: nil if the disconnect was accepted or the client was
//     already gone
func (c *Client) ForceDisconnect(ctx context.Context, clientID string) error {
	resp, err := c.authedRequest(ctx, http.MethodDelete, c.clientURL(clientID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("%w: disconnect returned %d", ErrRequestFailed, resp.StatusCode)
	}
}

// HealthCheck verifies the control plane is reachable and accepts our
// credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	_, err := c.login(ctx)
	return err
}

// clientURL builds the per-client endpoint URL with the ID path-escaped.
func (c *Client) clientURL(clientID string) string {
	return fmt.Sprintf("%s/api/v5/clients/%s", c.baseURL, url.PathEscape(clientID))
}

// authedRequest performs a request with the cached auth token, logging in
// first if no token is held and retrying exactly once on 401 with a
// fresh token.
func (c *Client) authedRequest(ctx context.Context, method, reqURL string, body []byte) (*http.Response, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, method, reqURL, body, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	// Token expired. Refresh once and retry.
	token, err = c.refreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, method, reqURL, body, token)
}

func (c *Client) doRequest(ctx context.Context, method, reqURL string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return resp, nil
}

// currentToken returns the cached token, logging in if none is held.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" {
		return c.token, nil
	}
	return c.login(ctx)
}

// refreshToken replaces a rejected token. If another goroutine already
// refreshed it, the newer token is used without a second login.
func (c *Client) refreshToken(ctx context.Context, rejected string) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.token != rejected {
		return c.token, nil
	}
	c.token = ""
	return c.login(ctx)
}

// login obtains a fresh auth token. Caller must hold tokenMu.
func (c *Client) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v5/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %d", ErrUnauthorized, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding login response: %w", ErrMalformedResponse, err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", ErrMalformedResponse)
	}

	c.token = body.Token
	return c.token, nil
}
