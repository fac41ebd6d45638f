package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
	"github.com/agentvault/agentvault/internal/bundle"
	"github.com/agentvault/agentvault/internal/canonical"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/webhooks"
)

// personaRepo is the persistence interface for the persona service.
// *repository.PersonaRepository satisfies this interface.
type personaRepo interface {
	StorePersona(ctx context.Context, agentID string, persona map[string]any, hash, version string) (*model.PersonaHistoryEntry, error)
	History(ctx context.Context, agentID string, ascending bool, limit, offset int) ([]*model.PersonaHistoryEntry, error)
	HistoryCount(ctx context.Context, agentID string) (int, error)
}

// driftSeeder creates a drift configuration when an agent has none.
// *repository.DriftRepository satisfies this interface.
type driftSeeder interface {
	SeedConfigIfAbsent(ctx context.Context, c *model.DriftConfig) error
}

// personaAgents is the slice of agent persistence the persona service needs.
type personaAgents interface {
	GetByID(ctx context.Context, agentID string) (*model.Agent, error)
}

// PersonaResult is returned by register/update operations.
type PersonaResult struct {
	Persona   map[string]any `json:"persona"`
	Hash      string         `json:"persona_hash"`
	Version   string         `json:"persona_version"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Diff and PreviousVersion are set on updates only.
	Diff            *model.PersonaDiff `json:"diff,omitempty"`
	PreviousVersion string             `json:"previous_version,omitempty"`
}

// IntegrityResult reports persona integrity verification.
type IntegrityResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// PersonaService manages persona registration, versioned updates, integrity
// verification and bundle export/import.
type PersonaService struct {
	agents     personaAgents
	personas   personaRepo
	drift      driftSeeder // nil = no drift config seeding
	dispatcher Dispatcher
	ledger     audit.Ledger
	logger     *zap.Logger

	// Per-agent update locks serialize the read-modify-write version bump.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPersonaService creates a new PersonaService.
func NewPersonaService(agents personaAgents, personas personaRepo, logger *zap.Logger) *PersonaService {
	return &PersonaService{
		agents:   agents,
		personas: personas,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetDriftSeeder configures default drift config creation at persona
// registration time.
func (s *PersonaService) SetDriftSeeder(d driftSeeder) {
	s.drift = d
}

// SetDispatcher configures the webhook dispatcher.
func (s *PersonaService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetLedger configures the audit ledger.
func (s *PersonaService) SetLedger(l audit.Ledger) {
	s.ledger = l
}

func (s *PersonaService) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

// Register binds a first-time persona to the agent. The persona is signed
// with the agent's API key; a default drift config is seeded from persona
// guardrails when the agent has none.
func (s *PersonaService) Register(ctx context.Context, agent *model.Agent, apiKey string, persona map[string]any) (*PersonaResult, error) {
	lock := s.agentLock(agent.AgentID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.agents.GetByID(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if current.HasPersona() {
		return nil, model.E(model.KindConflict, "persona already exists; use update")
	}

	version, err := validatePersona(persona)
	if err != nil {
		return nil, err
	}

	hash, err := canonical.Sign(persona, []byte(apiKey))
	if err != nil {
		return nil, model.Invalid("persona cannot be canonicalized", model.FieldError{Field: "persona", Message: err.Error()})
	}

	entry, err := s.personas.StorePersona(ctx, agent.AgentID, persona, hash, version.String())
	if err != nil {
		return nil, fmt.Errorf("store persona: %w", err)
	}

	if s.drift != nil {
		cfg := model.DefaultDriftConfig(agent.AgentID)
		cfg.BaselineMetrics = baselineFromPersona(persona)
		if err := s.drift.SeedConfigIfAbsent(ctx, cfg); err != nil {
			s.logger.Warn("seed drift config", zap.String("agent_id", agent.AgentID), zap.Error(err))
		}
	}

	s.logger.Info("persona registered",
		zap.String("agent_id", agent.AgentID),
		zap.String("version", version.String()),
	)

	s.appendLedger(ctx, agent.AgentID, audit.ActionPersonaCreated, agent.AgentID, map[string]any{
		"persona_hash":    hash,
		"persona_version": version.String(),
	})
	s.dispatch(agent.AgentID, webhooks.EventPersonaCreated, map[string]any{
		"persona_hash":    hash,
		"persona_version": version.String(),
	})

	return &PersonaResult{
		Persona:   persona,
		Hash:      hash,
		Version:   version.String(),
		UpdatedAt: entry.ChangedAt,
	}, nil
}

// Update replaces the agent's persona with a strictly greater version. The
// whole read-modify-write is serialized per agent so concurrent updates
// cannot base their bump on the same prior version.
func (s *PersonaService) Update(ctx context.Context, agent *model.Agent, apiKey string, persona map[string]any) (*PersonaResult, error) {
	lock := s.agentLock(agent.AgentID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.agents.GetByID(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if !current.HasPersona() {
		return nil, model.E(model.KindNotFound, "no persona registered; use register")
	}

	clientVersion, err := validatePersona(persona)
	if err != nil {
		return nil, err
	}

	currentVersion, err := model.ParseSemver(current.PersonaVersion)
	if err != nil {
		return nil, fmt.Errorf("stored persona version %q unparseable: %w", current.PersonaVersion, err)
	}

	// The new version is the greater of the client's and the automatic
	// minor bump, and must exceed the current version.
	next := currentVersion.BumpMinor()
	if clientVersion.Compare(next) > 0 {
		next = clientVersion
	}
	if next.Compare(currentVersion) <= 0 {
		return nil, model.E(model.KindConflict, "invalid_version: new version must be strictly greater than "+currentVersion.String())
	}
	persona["version"] = next.String()

	hash, err := canonical.Sign(persona, []byte(apiKey))
	if err != nil {
		return nil, model.Invalid("persona cannot be canonicalized", model.FieldError{Field: "persona", Message: err.Error()})
	}

	entry, err := s.personas.StorePersona(ctx, agent.AgentID, persona, hash, next.String())
	if err != nil {
		return nil, fmt.Errorf("store persona: %w", err)
	}

	diff := model.DiffPersonas(current.PersonaDoc, persona)

	s.logger.Info("persona updated",
		zap.String("agent_id", agent.AgentID),
		zap.String("from", currentVersion.String()),
		zap.String("to", next.String()),
	)

	s.appendLedger(ctx, agent.AgentID, audit.ActionPersonaUpdated, agent.AgentID, map[string]any{
		"persona_hash":    hash,
		"persona_version": next.String(),
		"diff":            diff,
	})
	s.dispatch(agent.AgentID, webhooks.EventPersonaUpdated, map[string]any{
		"persona_hash":    hash,
		"persona_version": next.String(),
		"diff": map[string]any{
			"added":   diff.Added,
			"removed": diff.Removed,
			"edited":  diff.Edited,
		},
	})

	return &PersonaResult{
		Persona:         persona,
		Hash:            hash,
		Version:         next.String(),
		UpdatedAt:       entry.ChangedAt,
		Diff:            &diff,
		PreviousVersion: currentVersion.String(),
	}, nil
}

// Get returns the agent's persona. includePrompt also renders the canonical
// prompt template.
func (s *PersonaService) Get(ctx context.Context, agentID string, includePrompt bool) (*PersonaResult, string, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, "", err
	}
	if !agent.HasPersona() {
		return nil, "", model.E(model.KindNotFound, "no persona registered")
	}

	res := &PersonaResult{
		Persona: agent.PersonaDoc,
		Hash:    agent.PersonaHash,
		Version: agent.PersonaVersion,
	}
	if agent.PersonaUpdatedAt != nil {
		res.UpdatedAt = *agent.PersonaUpdatedAt
	}

	prompt := ""
	if includePrompt {
		prompt = canonical.Prompt(agent.PersonaDoc)
	}
	return res, prompt, nil
}

// VerifyIntegrity recomputes the persona HMAC under the agent's API key and
// compares it to the stored hash in constant time.
func (s *PersonaService) VerifyIntegrity(ctx context.Context, agentID, apiKey string) (*IntegrityResult, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.HasPersona() {
		return &IntegrityResult{Valid: false, Reason: "no persona"}, nil
	}

	recomputed, err := canonical.Sign(agent.PersonaDoc, []byte(apiKey))
	if err != nil {
		return nil, fmt.Errorf("recompute persona hash: %w", err)
	}
	if !canonical.EqualConstantTime(recomputed, agent.PersonaHash) {
		return &IntegrityResult{Valid: false, Reason: "tampered"}, nil
	}
	return &IntegrityResult{Valid: true}, nil
}

// History returns persona history entries plus the total count.
func (s *PersonaService) History(ctx context.Context, agentID string, ascending bool, limit, offset int) ([]*model.PersonaHistoryEntry, int, error) {
	entries, err := s.personas.History(ctx, agentID, ascending, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.personas.HistoryCount(ctx, agentID)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// HistoryCSV renders history entries with a fixed column order.
func HistoryCSV(entries []*model.PersonaHistoryEntry) string {
	var b strings.Builder
	b.WriteString("id,agent_id,persona_hash,persona_version,changed_at\n")
	for _, e := range entries {
		b.WriteString(strconv.FormatInt(e.ID, 10))
		b.WriteByte(',')
		b.WriteString(e.AgentID)
		b.WriteByte(',')
		b.WriteString(e.PersonaHash)
		b.WriteByte(',')
		b.WriteString(e.PersonaVersion)
		b.WriteByte(',')
		b.WriteString(e.ChangedAt.UTC().Format(time.RFC3339))
		b.WriteByte('\n')
	}
	return b.String()
}

// ExportBundle produces a portable archive of the agent's persona.
func (s *PersonaService) ExportBundle(ctx context.Context, agentID string) ([]byte, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.HasPersona() {
		return nil, model.E(model.KindNotFound, "no persona registered")
	}
	return bundle.Export(agent.PersonaDoc, agent.AgentID, agent.PersonaHash, agent.PersonaVersion)
}

// ImportBundle verifies an archive and registers or updates the persona
// under the importing agent's own key.
func (s *PersonaService) ImportBundle(ctx context.Context, agent *model.Agent, apiKey string, data []byte) (*PersonaResult, error) {
	b, err := bundle.Import(data)
	if err != nil {
		if len(data) > bundle.MaxBundleBytes {
			return nil, model.E(model.KindTooLarge, err.Error())
		}
		return nil, model.Invalid("invalid persona bundle", model.FieldError{Field: "bundle", Message: err.Error()})
	}

	current, err := s.agents.GetByID(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if current.HasPersona() {
		return s.Update(ctx, agent, apiKey, b.Persona)
	}
	return s.Register(ctx, agent, apiKey, b.Persona)
}

func (s *PersonaService) appendLedger(ctx context.Context, agentID, action, actor string, payload any) {
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

func (s *PersonaService) dispatch(agentID, event string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(agentID, event, data)
}

// validatePersona enforces the persona contract: a required semver version,
// a bounded canonical size, and a known hallucination tolerance when one is
// declared.
func validatePersona(persona map[string]any) (model.Semver, error) {
	var details []model.FieldError

	versionRaw, ok := persona["version"].(string)
	if !ok || versionRaw == "" {
		details = append(details, model.FieldError{Field: "version", Message: "required"})
	}
	version, err := model.ParseSemver(versionRaw)
	if ok && versionRaw != "" && err != nil {
		details = append(details, model.FieldError{Field: "version", Message: "must be X.Y.Z"})
	}

	if g, ok := persona["guardrails"].(map[string]any); ok {
		if tol, ok := g["hallucination_tolerance"].(string); ok {
			valid := false
			for _, t := range model.HallucinationTolerances {
				if t == tol {
					valid = true
					break
				}
			}
			if !valid {
				details = append(details, model.FieldError{
					Field:   "guardrails.hallucination_tolerance",
					Message: "must be one of " + strings.Join(model.HallucinationTolerances, ", "),
				})
			}
		}
	}

	if len(details) > 0 {
		return model.Semver{}, model.Invalid("invalid persona", details...)
	}

	canon, err := canonical.Marshal(persona)
	if err != nil {
		return model.Semver{}, model.Invalid("invalid persona", model.FieldError{Field: "persona", Message: err.Error()})
	}
	if len(canon) > model.MaxPersonaBytes {
		return model.Semver{}, model.E(model.KindTooLarge,
			fmt.Sprintf("persona is %d bytes; limit is %d", len(canon), model.MaxPersonaBytes))
	}

	return version, nil
}

// baselineFromPersona seeds drift baselines from persona guardrails and
// constraints.
func baselineFromPersona(persona map[string]any) map[string]float64 {
	baseline := map[string]float64{}
	if g, ok := persona["guardrails"].(map[string]any); ok {
		if v, ok := toFloat(g["toxicity_threshold"]); ok {
			baseline["toxicity_score"] = v
		}
	}
	if c, ok := persona["constraints"].(map[string]any); ok {
		if v, ok := toFloat(c["max_response_length"]); ok {
			baseline["avg_response_length"] = v
		}
	}
	return baseline
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
