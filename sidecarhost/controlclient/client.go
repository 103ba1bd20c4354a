// Package controlclient talks to a running supervisor's control API. It backs
// the pinupctl command and is usable from any Go program on the same machine.
package controlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/pinup/sidecarhost/journal"
	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

// DefaultBaseURL is where the supervisor serves its control API unless configured otherwise.
const DefaultBaseURL = "http://127.0.0.1:8110"

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.StatusCode, e.Message)
}

// Client is a control API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	mu         sync.RWMutex // Protects token
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the control API at baseURL.
func NewClient(baseURL string, options ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// BaseURL returns the client's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) getToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// makeRequest performs an HTTP request with the authentication header
func (c *Client) makeRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token := c.getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// getJSON performs method on path and decodes a 2xx body into out.
func (c *Client) getJSON(ctx context.Context, method, path string, out interface{}) error {
	resp, err := c.makeRequest(ctx, method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Bootstrap returns what the shell needs to reach the backend.
func (c *Client) Bootstrap(ctx context.Context) (processes.BootstrapConfig, error) {
	var cfg processes.BootstrapConfig
	err := c.getJSON(ctx, http.MethodGet, "/bootstrap", &cfg)
	return cfg, err
}

// Port returns the current backend port, 0 before the first launch.
func (c *Client) Port(ctx context.Context) (uint16, error) {
	var out struct {
		Port uint16 `json:"port"`
	}
	err := c.getJSON(ctx, http.MethodGet, "/port", &out)
	return out.Port, err
}

// DataDir returns the application data directory.
func (c *Client) DataDir(ctx context.Context) (string, error) {
	var out struct {
		DataDir string `json:"data_dir"`
	}
	err := c.getJSON(ctx, http.MethodGet, "/data-dir", &out)
	return out.DataDir, err
}

// Status returns a diagnostic snapshot of the supervisor.
func (c *Client) Status(ctx context.Context) (processes.Status, error) {
	var status processes.Status
	err := c.getJSON(ctx, http.MethodGet, "/status", &status)
	return status, err
}

// Restart asks the supervisor to replace the backend and blocks until it is
// healthy or the restart failed.
func (c *Client) Restart(ctx context.Context) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	err := c.getJSON(ctx, http.MethodPost, "/restart", &out)
	return out.Message, err
}

// Logs returns buffered backend output with IDs greater than fromID.
func (c *Client) Logs(ctx context.Context, fromID int64) ([]processes.LogEntry, error) {
	var entries []processes.LogEntry
	err := c.getJSON(ctx, http.MethodGet, "/logs?from="+strconv.FormatInt(fromID, 10), &entries)
	return entries, err
}

// Journal returns up to limit lifecycle events, newest first.
func (c *Client) Journal(ctx context.Context, limit int) ([]journal.Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/journal"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var events []journal.Event
	err := c.getJSON(ctx, http.MethodGet, path, &events)
	return events, err
}
