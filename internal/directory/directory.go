// Package directory provides the HTTP client for the agent directory
// service. The directory is an external collaborator: agentline only reads
// the agent record needed to populate the session handshake and CLI labels.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrAgentNotFound is returned by [Client.Agent] when the directory has no
// record for the requested id.
var ErrAgentNotFound = errors.New("directory: agent not found")

// defaultTimeout bounds each directory request when no timeout is configured.
const defaultTimeout = 10 * time.Second

// Agent is the directory record for a voice agent. JSON field names match
// the directory service's wire format.
type Agent struct {
	ID         string `json:"_id"`
	AgentName  string `json:"agentName"`
	CallerID   string `json:"callerId"`
	AccountSid string `json:"accountSid"`
	Category   string `json:"category"`
	Language   string `json:"language"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Primarily used in
// tests to point at a local test server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to the agent directory service. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a directory client for the given base URL
// (e.g. "https://api.example.com").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("directory: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Agent fetches one agent record by id.
func (c *Client) Agent(ctx context.Context, id string) (*Agent, error) {
	if id == "" {
		return nil, errors.New("directory: agent id must not be empty")
	}

	reqURL := fmt.Sprintf("%s/agent/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: fetch agent %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory: fetch agent %s: unexpected status %d", id, resp.StatusCode)
	}

	var agent Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("directory: decode agent %s: %w", id, err)
	}
	return &agent, nil
}

// Ping probes the directory service for the readiness check. Any HTTP
// response counts as reachable; only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("directory: build ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
