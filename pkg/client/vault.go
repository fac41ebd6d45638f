package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrNoAPIKey is returned by authenticated helpers when no key is
// configured on the client.
var ErrNoAPIKey = errors.New("no API key configured")

// ── anonymous commitments ────────────────────────────────────────────────

// CommitmentRegistration holds a freshly minted commitment. Salt is
// returned here and never again; it is required to reproduce the preimage.
type CommitmentRegistration struct {
	Commitment string     `json:"commitment"`
	Salt       string     `json:"salt"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// CommitmentVerification is the outcome of an anonymous verification.
type CommitmentVerification struct {
	Valid       bool     `json:"valid"`
	Reason      string   `json:"reason,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Tier        string   `json:"tier,omitempty"`
}

// RegisterCommitment mints an anonymous commitment for the authenticated
// agent. ttlSeconds of zero means the commitment never expires.
func (c *Client) RegisterCommitment(ctx context.Context, ttlSeconds int64) (*CommitmentRegistration, error) {
	if c.currentKey() == "" {
		return nil, ErrNoAPIKey
	}
	var res CommitmentRegistration
	payload := map[string]int64{"ttl_seconds": ttlSeconds}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/zkp/register-commitment", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyCommitmentHash performs a hash-mode anonymous check. preimageHash
// must be the lowercase hex SHA-256 of "agent_id:api_key:salt".
func (c *Client) VerifyCommitmentHash(ctx context.Context, commitment, preimageHash string) (*CommitmentVerification, error) {
	payload := map[string]string{"commitment": commitment, "preimage_hash": preimageHash}
	var res CommitmentVerification
	if err := c.doJSON(ctx, http.MethodPost, "/v1/zkp/verify-anonymous?mode=hash", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RevokeCommitment permanently revokes a commitment. Revocation is
// terminal; subsequent verifications of the commitment fail.
func (c *Client) RevokeCommitment(ctx context.Context, commitment string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/zkp/commitment/"+url.PathEscape(commitment), nil, nil)
}

// ActiveCommitments returns the number of unexpired active commitments
// held by the vault.
func (c *Client) ActiveCommitments(ctx context.Context) (int64, error) {
	var res struct {
		ActiveCommitments int64 `json:"active_commitments"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/zkp/active-count", nil, &res); err != nil {
		return 0, err
	}
	return res.ActiveCommitments, nil
}

// ── anti-drift vault ─────────────────────────────────────────────────────

// HealthPingRequest carries runtime metrics for drift evaluation.
type HealthPingRequest struct {
	Metrics      map[string]float64 `json:"metrics"`
	RequestCount *int64             `json:"request_count,omitempty"`
	PeriodStart  *time.Time         `json:"period_start,omitempty"`
	PeriodEnd    *time.Time         `json:"period_end,omitempty"`
}

// HealthPingResult is the vault's evaluation of one ping.
type HealthPingResult struct {
	PingID     string   `json:"ping_id"`
	DriftScore float64  `json:"drift_score"`
	Spikes     []string `json:"spikes"`
	Status     string   `json:"status"`
	Message    string   `json:"message"`
}

// DriftScore is the agent's current drift standing.
type DriftScore struct {
	Score      *float64   `json:"drift_score"`
	LastPingAt *time.Time `json:"last_ping_at,omitempty"`
	Trend      string     `json:"trend"`
}

// DriftConfig mirrors the vault's per-agent drift parameters.
type DriftConfig struct {
	DriftThreshold   float64            `json:"drift_threshold"`
	WarningThreshold float64            `json:"warning_threshold"`
	AutoRevoke       bool               `json:"auto_revoke"`
	SpikeSensitivity float64            `json:"spike_sensitivity"`
	MetricWeights    map[string]float64 `json:"metric_weights"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics"`
}

// SendHealthPing reports runtime metrics. The request body is signed with
// the agent's API key (X-Ping-Signature: sha256=<hex>), so the vault can
// reject pings not originating from the key holder.
func (c *Client) SendHealthPing(ctx context.Context, agentID string, ping HealthPingRequest) (*HealthPingResult, error) {
	key := c.currentKey()
	if key == "" {
		return nil, ErrNoAPIKey
	}

	raw, err := json.Marshal(ping)
	if err != nil {
		return nil, fmt.Errorf("marshal ping: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(raw)
	headers := http.Header{}
	headers.Set("X-Ping-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	path := "/v1/drift/" + url.PathEscape(agentID) + "/health-ping"
	body, _, err := c.doRaw(ctx, http.MethodPost, path, json.RawMessage(raw), headers)
	if err != nil {
		return nil, err
	}

	var res HealthPingResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode ping result: %w", err)
	}
	return &res, nil
}

// GetDriftScore fetches the agent's current drift score and trend.
func (c *Client) GetDriftScore(ctx context.Context, agentID string) (*DriftScore, error) {
	var res DriftScore
	path := "/v1/drift/" + url.PathEscape(agentID) + "/drift-score"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetDriftConfig fetches the agent's drift configuration.
func (c *Client) GetDriftConfig(ctx context.Context, agentID string) (*DriftConfig, error) {
	var res DriftConfig
	path := "/v1/drift/" + url.PathEscape(agentID) + "/drift-config"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateDriftConfig replaces the agent's drift configuration. The vault
// enforces warning_threshold < drift_threshold.
func (c *Client) UpdateDriftConfig(ctx context.Context, agentID string, cfg DriftConfig) error {
	path := "/v1/drift/" + url.PathEscape(agentID) + "/drift-config"
	return c.doJSON(ctx, http.MethodPut, path, cfg, nil)
}
