package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
	"github.com/agentvault/agentvault/internal/webhooks"
)

// driftEpsilon guards the normalized-delta division when a baseline is zero.
const driftEpsilon = 1e-6

// trendDeadBand is the score difference below which the trend reads stable.
const trendDeadBand = 0.02

// driftRepo is the persistence interface for the drift service.
// *repository.DriftRepository satisfies this interface.
type driftRepo interface {
	GetConfig(ctx context.Context, agentID string) (*model.DriftConfig, error)
	UpsertConfig(ctx context.Context, c *model.DriftConfig) error
	InsertPing(ctx context.Context, ping *model.HealthPing, revokeAgent bool) error
	RecentPings(ctx context.Context, agentID string, n int) ([]*model.HealthPing, error)
	ListPings(ctx context.Context, agentID, metric string, limit, offset int) ([]*model.HealthPing, error)
}

// PingResult is returned for each ingested health ping.
type PingResult struct {
	PingID     uuid.UUID `json:"ping_id"`
	DriftScore float64   `json:"drift_score"`
	Spikes     []string  `json:"spikes"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

// ScoreResult is the current drift standing of an agent.
type ScoreResult struct {
	Score      *float64   `json:"drift_score"`
	LastPingAt *time.Time `json:"last_ping_at,omitempty"`
	Trend      string     `json:"trend"`
}

// DriftService scores health pings against per-agent baselines, detects
// metric spikes and enforces thresholds.
type DriftService struct {
	repo       driftRepo
	dispatcher Dispatcher
	ledger     audit.Ledger
	logger     *zap.Logger

	// Per-agent ingest locks serialize the statistics-read / insert window
	// so concurrent pings each see the ones before them.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDriftService creates a new DriftService.
func NewDriftService(repo driftRepo, logger *zap.Logger) *DriftService {
	return &DriftService{
		repo:   repo,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *DriftService) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// SetDispatcher configures the webhook dispatcher.
func (s *DriftService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetLedger configures the audit ledger.
func (s *DriftService) SetLedger(l audit.Ledger) {
	s.ledger = l
}

// Ingest evaluates a health ping for the agent: drift score against the
// baseline, per-metric spike detection, threshold enforcement. Persisting
// the ping and any auto-revocation happen in one transaction.
func (s *DriftService) Ingest(ctx context.Context, agent *model.Agent, req *model.HealthPingRequest) (*PingResult, error) {
	if err := validatePing(req); err != nil {
		return nil, err
	}
	if agent.Status != model.AgentStatusActive {
		return nil, model.E(model.KindForbidden, "agent is not active")
	}

	lock := s.agentLock(agent.AgentID)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.configOrDefault(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}

	score := ComputeDriftScore(req.Metrics, cfg.MetricWeights, cfg.BaselineMetrics)

	prior, err := s.repo.RecentPings(ctx, agent.AgentID, model.SpikeWindow)
	if err != nil {
		return nil, fmt.Errorf("load prior pings: %w", err)
	}
	spikes := DetectSpikes(req.Metrics, prior, cfg.SpikeSensitivity)

	status := model.PingStatusHealthy
	message := "within baseline"
	revoke := false
	switch {
	case score >= cfg.DriftThreshold && cfg.AutoRevoke:
		status = model.PingStatusRevoked
		message = fmt.Sprintf("drift score %.4f breached threshold %.4f; agent revoked", score, cfg.DriftThreshold)
		revoke = true
	case score >= cfg.DriftThreshold || score >= cfg.WarningThreshold:
		status = model.PingStatusWarning
		message = fmt.Sprintf("drift score %.4f above warning threshold %.4f", score, cfg.WarningThreshold)
	}

	ping := &model.HealthPing{
		AgentID:      agent.AgentID,
		Metrics:      req.Metrics,
		RequestCount: req.RequestCount,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		DriftScore:   score,
		Spikes:       spikes,
	}
	if err := s.repo.InsertPing(ctx, ping, revoke); err != nil {
		return nil, fmt.Errorf("persist ping: %w", err)
	}

	if revoke {
		agent.Status = model.AgentStatusRevoked
		s.logger.Warn("agent auto-revoked by drift threshold",
			zap.String("agent_id", agent.AgentID),
			zap.Float64("score", score),
			zap.Float64("threshold", cfg.DriftThreshold),
		)
		s.appendLedger(ctx, agent.AgentID, audit.ActionDriftRevoked, audit.SystemActor, map[string]any{
			"score":     score,
			"threshold": cfg.DriftThreshold,
			"spikes":    spikes,
		})
		s.dispatch(agent.AgentID, webhooks.EventDriftRevoked, map[string]any{
			"score":     score,
			"spikes":    spikes,
			"threshold": cfg.DriftThreshold,
		})
	} else if status == model.PingStatusWarning {
		s.dispatch(agent.AgentID, webhooks.EventDriftWarning, map[string]any{
			"score":     score,
			"spikes":    spikes,
			"threshold": cfg.WarningThreshold,
		})
	}

	return &PingResult{
		PingID:     ping.ID,
		DriftScore: score,
		Spikes:     spikes,
		Status:     status,
		Message:    message,
	}, nil
}

// Score returns the agent's current drift score and trend.
func (s *DriftService) Score(ctx context.Context, agentID string) (*ScoreResult, error) {
	recent, err := s.repo.RecentPings(ctx, agentID, 6)
	if err != nil {
		return nil, fmt.Errorf("load recent pings: %w", err)
	}
	if len(recent) == 0 {
		return &ScoreResult{Trend: model.TrendStable}, nil
	}

	latest := recent[0]
	score := latest.DriftScore
	last := latest.CreatedAt
	return &ScoreResult{
		Score:      &score,
		LastPingAt: &last,
		Trend:      computeTrend(recent),
	}, nil
}

// computeTrend compares the mean score of the last three pings against the
// three before that. Recent pings come in newest-first.
func computeTrend(recent []*model.HealthPing) string {
	if len(recent) < 6 {
		return model.TrendStable
	}
	var lastMean, priorMean float64
	for i := 0; i < 3; i++ {
		lastMean += recent[i].DriftScore
		priorMean += recent[i+3].DriftScore
	}
	lastMean /= 3
	priorMean /= 3

	delta := lastMean - priorMean
	switch {
	case delta > trendDeadBand:
		return model.TrendWorsening
	case delta < -trendDeadBand:
		return model.TrendImproving
	}
	return model.TrendStable
}

// History returns pings newest-first with an optional metric filter.
func (s *DriftService) History(ctx context.Context, agentID, metric string, limit, offset int) ([]*model.HealthPing, error) {
	return s.repo.ListPings(ctx, agentID, metric, limit, offset)
}

// PingCSV renders pings with a fixed column order.
func PingCSV(pings []*model.HealthPing) string {
	var b strings.Builder
	b.WriteString("id,agent_id,drift_score,spikes,created_at\n")
	for _, p := range pings {
		b.WriteString(p.ID.String())
		b.WriteByte(',')
		b.WriteString(p.AgentID)
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(p.DriftScore, 'f', -1, 64))
		b.WriteByte(',')
		b.WriteString(strings.Join(p.Spikes, ";"))
		b.WriteByte(',')
		b.WriteString(p.CreatedAt.UTC().Format(time.RFC3339))
		b.WriteByte('\n')
	}
	return b.String()
}

// GetConfig returns the agent's drift configuration, falling back to the
// defaults when none is stored.
func (s *DriftService) GetConfig(ctx context.Context, agentID string) (*model.DriftConfig, error) {
	return s.configOrDefault(ctx, agentID)
}

// UpdateConfig validates and upserts the agent's drift configuration.
func (s *DriftService) UpdateConfig(ctx context.Context, agentID string, cfg *model.DriftConfig) (*model.DriftConfig, error) {
	cfg.AgentID = agentID
	if cfg.MetricWeights == nil {
		cfg.MetricWeights = model.DefaultMetricWeights()
	}
	if cfg.BaselineMetrics == nil {
		cfg.BaselineMetrics = map[string]float64{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpsertConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("upsert drift config: %w", err)
	}
	return cfg, nil
}

func (s *DriftService) configOrDefault(ctx context.Context, agentID string) (*model.DriftConfig, error) {
	cfg, err := s.repo.GetConfig(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.DefaultDriftConfig(agentID), nil
		}
		return nil, fmt.Errorf("load drift config: %w", err)
	}
	return cfg, nil
}

func (s *DriftService) appendLedger(ctx context.Context, agentID, action, actor string, payload any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, agentID, action, actor, payload); err != nil {
		s.logger.Error("ledger append failed (non-fatal)",
			zap.String("action", action),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

func (s *DriftService) dispatch(agentID, event string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(agentID, event, data)
}

// validatePing enforces the ingestion contract: non-empty finite metrics, a
// non-negative request count, and a coherent reporting period.
func validatePing(req *model.HealthPingRequest) error {
	var details []model.FieldError
	if len(req.Metrics) == 0 {
		details = append(details, model.FieldError{Field: "metrics", Message: "must be a non-empty mapping"})
	}
	for name, v := range req.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			details = append(details, model.FieldError{Field: "metrics." + name, Message: "must be finite"})
		}
	}
	if req.RequestCount != nil && *req.RequestCount < 0 {
		details = append(details, model.FieldError{Field: "request_count", Message: "must be >= 0"})
	}
	if req.PeriodStart != nil && req.PeriodEnd != nil && req.PeriodEnd.Before(*req.PeriodStart) {
		details = append(details, model.FieldError{Field: "period_end", Message: "must not precede period_start"})
	}
	if len(details) > 0 {
		return model.Invalid("invalid health ping", details...)
	}
	return nil
}

// ComputeDriftScore returns the weighted mean of normalized per-metric
// deltas over metrics present in both the ping and the weight table,
// clamped to [0,1].
func ComputeDriftScore(metrics, weights, baseline map[string]float64) float64 {
	var weighted, totalWeight float64
	for name, w := range weights {
		observed, ok := metrics[name]
		if !ok || w == 0 {
			continue
		}
		base := baseline[name]
		delta := math.Abs(observed-base) / math.Max(math.Abs(base), driftEpsilon)
		weighted += w * clamp01(delta)
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(weighted / totalWeight)
}

// DetectSpikes flags metrics whose observed value deviates from its running
// mean by more than sensitivity standard deviations. Statistics are taken
// over the prior pings; metrics with fewer than two samples never spike.
func DetectSpikes(metrics map[string]float64, prior []*model.HealthPing, sensitivity float64) []string {
	spikes := []string{}
	for name, observed := range metrics {
		var samples []float64
		for _, p := range prior {
			if v, ok := p.Metrics[name]; ok {
				samples = append(samples, v)
			}
		}
		if len(samples) < 2 {
			continue
		}

		var sum float64
		for _, v := range samples {
			sum += v
		}
		mean := sum / float64(len(samples))

		var sq float64
		for _, v := range samples {
			d := v - mean
			sq += d * d
		}
		stddev := math.Sqrt(sq / float64(len(samples)-1))

		if stddev > 0 && math.Abs(observed-mean) > sensitivity*stddev {
			spikes = append(spikes, name)
		}
	}
	return spikes
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
