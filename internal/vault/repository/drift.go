package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentvault/agentvault/internal/vault/model"
)

// DriftRepository persists drift configurations and health pings.
type DriftRepository struct {
	db *pgxpool.Pool
}

// NewDriftRepository creates a new DriftRepository.
func NewDriftRepository(db *pgxpool.Pool) *DriftRepository {
	return &DriftRepository{db: db}
}

// GetConfig returns the agent's drift configuration.
func (r *DriftRepository) GetConfig(ctx context.Context, agentID string) (*model.DriftConfig, error) {
	rows, err := r.db.Query(ctx, `
		SELECT agent_id, drift_threshold, warning_threshold, auto_revoke,
		       spike_sensitivity, metric_weights, baseline_metrics, updated_at
		FROM drift_configs WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	var c model.DriftConfig
	var weights, baseline []byte
	if err := rows.Scan(
		&c.AgentID, &c.DriftThreshold, &c.WarningThreshold, &c.AutoRevoke,
		&c.SpikeSensitivity, &weights, &baseline, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(weights, &c.MetricWeights); err != nil {
		return nil, fmt.Errorf("unmarshal metric weights: %w", err)
	}
	if err := json.Unmarshal(baseline, &c.BaselineMetrics); err != nil {
		return nil, fmt.Errorf("unmarshal baseline metrics: %w", err)
	}
	return &c, nil
}

// UpsertConfig inserts or replaces the agent's drift configuration.
func (r *DriftRepository) UpsertConfig(ctx context.Context, c *model.DriftConfig) error {
	weights, err := json.Marshal(c.MetricWeights)
	if err != nil {
		return fmt.Errorf("marshal metric weights: %w", err)
	}
	baseline, err := json.Marshal(c.BaselineMetrics)
	if err != nil {
		return fmt.Errorf("marshal baseline metrics: %w", err)
	}
	c.UpdatedAt = time.Now().UTC()

	_, err = r.db.Exec(ctx, `
		INSERT INTO drift_configs (agent_id, drift_threshold, warning_threshold, auto_revoke,
		                           spike_sensitivity, metric_weights, baseline_metrics, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			drift_threshold   = EXCLUDED.drift_threshold,
			warning_threshold = EXCLUDED.warning_threshold,
			auto_revoke       = EXCLUDED.auto_revoke,
			spike_sensitivity = EXCLUDED.spike_sensitivity,
			metric_weights    = EXCLUDED.metric_weights,
			baseline_metrics  = EXCLUDED.baseline_metrics,
			updated_at        = EXCLUDED.updated_at`,
		c.AgentID, c.DriftThreshold, c.WarningThreshold, c.AutoRevoke,
		c.SpikeSensitivity, weights, baseline, c.UpdatedAt,
	)
	return err
}

// SeedConfigIfAbsent inserts a configuration only when the agent has none,
// leaving an operator-tuned config untouched.
func (r *DriftRepository) SeedConfigIfAbsent(ctx context.Context, c *model.DriftConfig) error {
	weights, err := json.Marshal(c.MetricWeights)
	if err != nil {
		return fmt.Errorf("marshal metric weights: %w", err)
	}
	baseline, err := json.Marshal(c.BaselineMetrics)
	if err != nil {
		return fmt.Errorf("marshal baseline metrics: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO drift_configs (agent_id, drift_threshold, warning_threshold, auto_revoke,
		                           spike_sensitivity, metric_weights, baseline_metrics, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO NOTHING`,
		c.AgentID, c.DriftThreshold, c.WarningThreshold, c.AutoRevoke,
		c.SpikeSensitivity, weights, baseline, time.Now().UTC(),
	)
	return err
}

// InsertPing persists a scored health ping. When revokeAgent is set the
// agent's status flips to revoked in the same transaction, so a crash can
// never record an auto-revoke decision without its evidence or vice versa.
func (r *DriftRepository) InsertPing(ctx context.Context, ping *model.HealthPing, revokeAgent bool) error {
	metrics, err := json.Marshal(ping.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	ping.ID = uuid.New()
	ping.CreatedAt = time.Now().UTC()
	if ping.Spikes == nil {
		ping.Spikes = []string{}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO health_pings (id, agent_id, metrics, request_count, period_start, period_end,
		                          drift_score, spikes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ping.ID, ping.AgentID, metrics, ping.RequestCount, ping.PeriodStart, ping.PeriodEnd,
		ping.DriftScore, ping.Spikes, ping.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert ping: %w", err)
	}

	if revokeAgent {
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET status = $2 WHERE agent_id = $1`,
			ping.AgentID, model.AgentStatusRevoked,
		); err != nil {
			return fmt.Errorf("revoke agent: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// RecentPings returns up to n most recent pings for an agent, newest first.
// Feeds spike statistics and trend computation.
func (r *DriftRepository) RecentPings(ctx context.Context, agentID string, n int) ([]*model.HealthPing, error) {
	return r.listPings(ctx, `
		SELECT id, agent_id, metrics, request_count, period_start, period_end,
		       drift_score, spikes, created_at
		FROM health_pings
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, agentID, n)
}

// ListPings returns pings newest-first with an optional metric-name filter.
func (r *DriftRepository) ListPings(ctx context.Context, agentID, metric string, limit, offset int) ([]*model.HealthPing, error) {
	if limit <= 0 {
		limit = 50
	}
	// The metric filter matches pings whose metrics object contains the key.
	return r.listPings(ctx, `
		SELECT id, agent_id, metrics, request_count, period_start, period_end,
		       drift_score, spikes, created_at
		FROM health_pings
		WHERE agent_id = $1 AND ($2 = '' OR metrics ? $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, agentID, metric, limit, offset)
}

func (r *DriftRepository) listPings(ctx context.Context, query string, args ...any) ([]*model.HealthPing, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []*model.HealthPing
	for rows.Next() {
		var p model.HealthPing
		var metrics []byte
		if err := rows.Scan(
			&p.ID, &p.AgentID, &metrics, &p.RequestCount, &p.PeriodStart, &p.PeriodEnd,
			&p.DriftScore, &p.Spikes, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metrics, &p.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal ping metrics: %w", err)
		}
		pings = append(pings, &p)
	}
	return pings, rows.Err()
}
