package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when the vault has no record for the requested
// resource.
var ErrNotFound = errors.New("not found")

// APIError is a structured error response from the vault.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vault error %d (%s): %s", e.Status, e.Code, e.Message)
}

// RegisterAgentRequest is the payload for RegisterAgent.
type RegisterAgentRequest struct {
	Name        string   `json:"name"`
	OwnerEmail  string   `json:"owner_email"`
	Permissions []string `json:"permissions,omitempty"`
	Tier        string   `json:"tier,omitempty"`
}

// RegisterAgentResult holds the identity minted by RegisterAgent. APIKey is
// delivered once; the vault stores only its hash.
type RegisterAgentResult struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	APIKey      string    `json:"api_key"`
	Tier        string    `json:"tier"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerifyAgentResult is the outcome of a credential check.
type VerifyAgentResult struct {
	Valid       bool     `json:"valid"`
	AgentID     string   `json:"agent_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// Agent is the public agent record returned by GetAgent and ListAgents.
type Agent struct {
	AgentID          string     `json:"agent_id"`
	Name             string     `json:"name"`
	OwnerEmail       string     `json:"owner_email"`
	Permissions      []string   `json:"permissions"`
	Status           string     `json:"status"`
	Tier             string     `json:"tier"`
	CreatedAt        time.Time  `json:"created_at"`
	LastVerifiedAt   *time.Time `json:"last_verified_at,omitempty"`
	PersonaHash      string     `json:"persona_hash,omitempty"`
	PersonaVersion   string     `json:"persona_version,omitempty"`
	PersonaUpdatedAt *time.Time `json:"persona_updated_at,omitempty"`
}

// Client is the AgentVault SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// credential state, guarded by mu
	mu      sync.Mutex
	apiKey  string
	agentID string

	personaCache *personaCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAPIKey attaches a pre-obtained API key to every authenticated request.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithPersonaCacheTTL enables local persona caching with the given TTL.
// Cached entries revalidate via If-None-Match, so a 304 from the vault
// refreshes the TTL without re-downloading the document.
func WithPersonaCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.personaCache = newPersonaCache(ttl)
		return nil
	}
}

// New creates a new AgentVault SDK Client connected to baseURL.
//
//	c, err := client.New("https://vault.example.com",
//	    client.WithAPIKey(key),
//	    client.WithPersonaCacheTTL(60*time.Second),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// RegisterAgent posts to /v1/agents/register and returns the new identity.
// The returned API key is retained on the client for subsequent
// authenticated calls.
func (c *Client) RegisterAgent(ctx context.Context, reg RegisterAgentRequest) (*RegisterAgentResult, error) {
	var res RegisterAgentResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/register", reg, &res); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.apiKey = res.APIKey
	c.agentID = res.AgentID
	c.mu.Unlock()
	return &res, nil
}

// VerifyAgent checks an (agent_id, api_key) pair against the vault.
func (c *Client) VerifyAgent(ctx context.Context, agentID, apiKey string) (*VerifyAgentResult, error) {
	payload := map[string]string{"agent_id": agentID, "api_key": apiKey}
	var res VerifyAgentResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/verify", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAgent fetches a single agent record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns registered agents, optionally filtered by status.
// Pass an empty status to list all agents.
func (c *Client) ListAgents(ctx context.Context, status string, limit, offset int) ([]Agent, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var wrapper struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Agents, nil
}

// UpdateStatus transitions the agent's lifecycle status (active, suspended).
// Revocation has its own call because it is terminal.
func (c *Client) UpdateStatus(ctx context.Context, agentID, status string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(agentID)+"/status",
		map[string]string{"status": status}, nil)
}

// UpdateTier changes the agent's service tier.
func (c *Client) UpdateTier(ctx context.Context, agentID, tier string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(agentID)+"/tier",
		map[string]string{"tier": tier}, nil)
}

// UpdatePermissions replaces the agent's permission set.
func (c *Client) UpdatePermissions(ctx context.Context, agentID string, permissions []string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(agentID)+"/permissions",
		map[string][]string{"permissions": permissions}, nil)
}

// RevokeAgent permanently revokes an agent. There is no un-revoke.
func (c *Client) RevokeAgent(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// currentKey returns the API key configured on the client.
func (c *Client) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// doJSON executes an API call with optional JSON request and response bodies.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	body, _, err := c.doRaw(ctx, method, path, reqBody, nil)
	if err != nil {
		return err
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doRaw executes an API call and returns the raw response body plus headers.
// extraHeaders are added verbatim to the request.
func (c *Client) doRaw(ctx context.Context, method, path string, reqBody any, extraHeaders http.Header) ([]byte, http.Header, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if key := c.currentKey(); key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	for k, vs := range extraHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotModified {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "unknown"
			apiErr.Message = string(body)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, resp.Header, fmt.Errorf("%s: %w", apiErr.Message, ErrNotFound)
		}
		return nil, resp.Header, apiErr
	}

	if resp.StatusCode == http.StatusNotModified {
		return nil, resp.Header, nil
	}
	return body, resp.Header, nil
}
