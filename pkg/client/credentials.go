package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials holds an agent's identity material. The API key is issued
// exactly once at registration; the vault stores only its hash.
type Credentials struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

const credentialsFile = "credentials.json"

// SaveCredentials writes credentials.json to dir with 0600 permissions.
// It is used by 'avctl register' and read back by NewFromCredentialsDir.
func SaveCredentials(dir string, creds Credentials) error {
	if creds.AgentID == "" || creds.APIKey == "" {
		return fmt.Errorf("credentials incomplete: agent_id and api_key are required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	path := filepath.Join(dir, credentialsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", credentialsFile, err)
	}
	return nil
}

// LoadCredentials reads credentials.json from dir.
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", credentialsFile, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", credentialsFile, err)
	}
	if creds.AgentID == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("%s is missing agent_id or api_key", credentialsFile)
	}
	return &creds, nil
}

// NewFromCredentialsDir builds a Client authenticated with the credentials
// stored in dir (typically ~/.agentvault/credentials/<agent-id>/).
func NewFromCredentialsDir(baseURL, dir string, opts ...Option) (*Client, error) {
	creds, err := LoadCredentials(dir)
	if err != nil {
		return nil, err
	}
	c, err := New(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.apiKey = creds.APIKey
	c.agentID = creds.AgentID
	c.mu.Unlock()
	return c, nil
}

// AgentID returns the agent identity bound to this client, if any.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}
