// Package remote talks to the server-side copy of a signed-in user's
// library. HTTPStore uses the API server, RedisStore a shared Redis.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"mediahub/internal/auth"
	"mediahub/pkg/models"
)

const DefaultBaseURL = "http://localhost:8080"

// StatusError is a non-2xx answer from the API server.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed: %d %s", e.Method, e.URL, e.Code, e.Body)
}

// Client is an API client for one device. Token and DeviceID are sent with
// every request when set.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Token    string
	DeviceID string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// WithToken returns a copy of c authenticated with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

func (c *Client) Register(ctx context.Context, username, email, password string) (auth.AuthResponse, error) {
	payload := map[string]string{"username": username, "email": email, "password": password}
	var resp auth.AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/register", payload, &resp)
	return resp, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.AuthResponse, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp auth.AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", payload, &resp)
	return resp, err
}

// Logout revokes every token of the user, not just c.Token.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

func (c *Client) Me(ctx context.Context) (auth.UserView, error) {
	var u auth.UserView
	err := c.doJSON(ctx, http.MethodGet, "/users/me", nil, &u)
	return u, err
}

func (c *Client) SetPlan(ctx context.Context, tier models.Tier) (auth.UserView, error) {
	var u auth.UserView
	err := c.doJSON(ctx, http.MethodPut, "/users/me/plan", map[string]string{"tier": string(tier)}, &u)
	return u, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode %s body: %w", path, err))
		}
		body = bytes.NewReader(b)
	}
	endpoint := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		serr := &StatusError{Method: method, URL: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		// client errors will not get better by asking again
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.DeviceID != "" {
		h.Set(deviceHeader, c.DeviceID)
	}
}

// DialEvents opens the /ws event stream with the client's credentials. A
// refused upgrade comes back as a *StatusError.
func (c *Client) DialEvents(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	wsURL, err := websocketURL(c.BaseURL, "/ws")
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Method: http.MethodGet, URL: wsURL, Code: resp.StatusCode, Body: resp.Status}
		}
		return nil, err
	}
	return conn, nil
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   strings.TrimRight(u.Path, "/") + path,
	}).String(), nil
}
