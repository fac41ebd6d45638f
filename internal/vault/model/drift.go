package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMetricWeights is the weight table used when an agent has no
// explicit drift configuration.
func DefaultMetricWeights() map[string]float64 {
	return map[string]float64{
		"response_adherence":    0.3,
		"constraint_violations": 0.2,
		"toxicity_score":        0.2,
		"hallucination_rate":    0.2,
		"avg_response_length":   0.1,
	}
}

// Drift configuration defaults.
const (
	DefaultDriftThreshold   = 0.5
	DefaultWarningThreshold = 0.3
	DefaultSpikeSensitivity = 2.0
	// SpikeWindow is how many prior pings feed the per-metric running
	// statistics used for spike detection.
	SpikeWindow = 20
)

// DriftConfig holds per-agent drift detection parameters.
type DriftConfig struct {
	AgentID          string             `json:"agent_id"          db:"agent_id"`
	DriftThreshold   float64            `json:"drift_threshold"   db:"drift_threshold"`
	WarningThreshold float64            `json:"warning_threshold" db:"warning_threshold"`
	AutoRevoke       bool               `json:"auto_revoke"       db:"auto_revoke"`
	SpikeSensitivity float64            `json:"spike_sensitivity" db:"spike_sensitivity"`
	MetricWeights    map[string]float64 `json:"metric_weights"    db:"metric_weights"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics"  db:"baseline_metrics"`
	UpdatedAt        time.Time          `json:"updated_at"        db:"updated_at"`
}

// DefaultDriftConfig returns the configuration used for an agent that has
// never tuned drift detection. Baseline values may be seeded from the
// agent's persona at persona-registration time.
func DefaultDriftConfig(agentID string) *DriftConfig {
	return &DriftConfig{
		AgentID:          agentID,
		DriftThreshold:   DefaultDriftThreshold,
		WarningThreshold: DefaultWarningThreshold,
		AutoRevoke:       false,
		SpikeSensitivity: DefaultSpikeSensitivity,
		MetricWeights:    DefaultMetricWeights(),
		BaselineMetrics:  map[string]float64{},
	}
}

// Validate range-checks the configuration. The warning threshold must be
// strictly below the drift threshold.
func (c *DriftConfig) Validate() error {
	var details []FieldError
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		details = append(details, FieldError{Field: "drift_threshold", Message: "must be in (0,1]"})
	}
	if c.WarningThreshold < 0 || c.WarningThreshold >= c.DriftThreshold {
		details = append(details, FieldError{Field: "warning_threshold", Message: "must be in [0, drift_threshold)"})
	}
	if c.SpikeSensitivity <= 0 {
		details = append(details, FieldError{Field: "spike_sensitivity", Message: "must be > 0"})
	}
	for name, w := range c.MetricWeights {
		if w < 0 {
			details = append(details, FieldError{Field: "metric_weights." + name, Message: "must be >= 0"})
		}
	}
	if len(details) > 0 {
		return Invalid("invalid drift config", details...)
	}
	return nil
}

// HealthPing is an immutable runtime-metrics event reported by an agent.
type HealthPing struct {
	ID           uuid.UUID          `json:"id"                      db:"id"`
	AgentID      string             `json:"agent_id"                db:"agent_id"`
	Metrics      map[string]float64 `json:"metrics"                 db:"metrics"`
	RequestCount *int64             `json:"request_count,omitempty" db:"request_count"`
	PeriodStart  *time.Time         `json:"period_start,omitempty"  db:"period_start"`
	PeriodEnd    *time.Time         `json:"period_end,omitempty"    db:"period_end"`
	DriftScore   float64            `json:"drift_score"             db:"drift_score"`
	Spikes       []string           `json:"spikes"                  db:"spikes"`
	CreatedAt    time.Time          `json:"created_at"              db:"created_at"`
}

// HealthPingRequest is the ingestion payload.
type HealthPingRequest struct {
	Metrics      map[string]float64 `json:"metrics"`
	RequestCount *int64             `json:"request_count"`
	PeriodStart  *time.Time         `json:"period_start"`
	PeriodEnd    *time.Time         `json:"period_end"`
}

// Ping evaluation outcomes.
const (
	PingStatusHealthy = "healthy"
	PingStatusWarning = "warning"
	PingStatusRevoked = "revoked"
)

// DriftTrend values returned by the drift-score query.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendWorsening = "worsening"
)
