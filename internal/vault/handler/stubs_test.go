package handler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
)

// In-memory repository stand-ins backing the HTTP tests. Agent reads hand
// out snapshots, like a row scan does.

func snapshotDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	raw, _ := json.Marshal(doc)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func snapshotAgent(a *model.Agent) *model.Agent {
	cp := *a
	cp.Permissions = append([]string(nil), a.Permissions...)
	cp.PersonaDoc = snapshotDoc(a.PersonaDoc)
	return &cp
}

type memAgents struct {
	mu     sync.Mutex
	agents map[string]*model.Agent
	logs   []*model.VerificationLog
	nextID int64
}

func newMemAgents() *memAgents {
	return &memAgents{agents: make(map[string]*model.Agent)}
}

func (m *memAgents) Create(_ context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	m.agents[a.AgentID] = a
	return nil
}

func (m *memAgents) GetByID(_ context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return snapshotAgent(a), nil
}

func (m *memAgents) GetByAPIKeyHash(_ context.Context, hash string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.APIKeyHash == hash {
			return snapshotAgent(a), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAgents) List(_ context.Context, status model.AgentStatus, limit, offset int) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Agent
	for _, a := range m.agents {
		if status == "" || a.Status == status {
			out = append(out, snapshotAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAgents) mutate(id string, fn func(a *model.Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(a)
	return nil
}

func (m *memAgents) UpdateStatus(_ context.Context, id string, status model.AgentStatus) error {
	return m.mutate(id, func(a *model.Agent) { a.Status = status })
}

func (m *memAgents) UpdateTier(_ context.Context, id string, tier model.AgentTier) error {
	return m.mutate(id, func(a *model.Agent) { a.Tier = tier })
}

func (m *memAgents) UpdatePermissions(_ context.Context, id string, perms []string) error {
	return m.mutate(id, func(a *model.Agent) { a.Permissions = perms })
}

func (m *memAgents) TouchVerified(_ context.Context, id string, at time.Time) error {
	return m.mutate(id, func(a *model.Agent) { a.LastVerifiedAt = &at })
}

func (m *memAgents) SetCommitmentRef(_ context.Context, id, commitment string) error {
	return m.mutate(id, func(a *model.Agent) { a.CurrentCommitment = commitment })
}

func (m *memAgents) ClearCommitmentRef(_ context.Context, id string) error {
	return m.mutate(id, func(a *model.Agent) { a.CurrentCommitment = "" })
}

func (m *memAgents) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *memAgents) RecordVerification(_ context.Context, id string, success bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.logs = append(m.logs, &model.VerificationLog{
		ID: m.nextID, AgentID: id, Success: success, Reason: reason, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memAgents) ListVerificationLogs(_ context.Context, id string, limit, offset int) ([]*model.VerificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.VerificationLog
	for _, l := range m.logs {
		if l.AgentID == id {
			out = append(out, l)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memPersonas struct {
	agents *memAgents

	mu     sync.Mutex
	hist   map[string][]*model.PersonaHistoryEntry
	nextID int64
}

func newMemPersonas(agents *memAgents) *memPersonas {
	return &memPersonas{agents: agents, hist: make(map[string][]*model.PersonaHistoryEntry)}
}

func (m *memPersonas) StorePersona(ctx context.Context, agentID string, persona map[string]any, hash, version string) (*model.PersonaHistoryEntry, error) {
	now := time.Now().UTC()
	if err := m.agents.mutate(agentID, func(a *model.Agent) {
		a.PersonaDoc = snapshotDoc(persona)
		a.PersonaHash = hash
		a.PersonaVersion = version
		a.PersonaUpdatedAt = &now
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry := &model.PersonaHistoryEntry{
		ID: m.nextID, AgentID: agentID, Persona: snapshotDoc(persona),
		PersonaHash: hash, PersonaVersion: version, ChangedAt: now,
	}
	m.hist[agentID] = append(m.hist[agentID], entry)
	return entry, nil
}

func (m *memPersonas) History(_ context.Context, agentID string, ascending bool, limit, offset int) ([]*model.PersonaHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.hist[agentID]
	out := make([]*model.PersonaHistoryEntry, len(src))
	copy(out, src)
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPersonas) HistoryCount(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hist[agentID]), nil
}

type memCommitments struct {
	mu sync.Mutex
	m  map[string]*model.Commitment
}

func newMemCommitments() *memCommitments {
	return &memCommitments{m: make(map[string]*model.Commitment)}
}

func (s *memCommitments) Create(_ context.Context, c *model.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	s.m[c.Commitment] = c
	return nil
}

func (s *memCommitments) Get(_ context.Context, commitment string) (*model.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[commitment]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (s *memCommitments) Revoke(_ context.Context, commitment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[commitment]
	if !ok || c.Status != model.CommitmentActive {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = model.CommitmentRevoked
	c.RevokedAt = &now
	return nil
}

func (s *memCommitments) RevokeAllForAgent(_ context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, c := range s.m {
		if c.AgentID == agentID && c.Status == model.CommitmentActive {
			c.Status = model.CommitmentRevoked
			c.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *memCommitments) ActiveCount(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.m {
		if c.Status == model.CommitmentActive && !c.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (s *memCommitments) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.m {
		if c.Status == model.CommitmentActive && c.Expired(now) {
			c.Status = model.CommitmentRevoked
			c.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

type memDrift struct {
	agents *memAgents

	mu      sync.Mutex
	configs map[string]*model.DriftConfig
	pings   map[string][]*model.HealthPing
}

func newMemDrift(agents *memAgents) *memDrift {
	return &memDrift{
		agents:  agents,
		configs: make(map[string]*model.DriftConfig),
		pings:   make(map[string][]*model.HealthPing),
	}
}

func (m *memDrift) GetConfig(_ context.Context, agentID string) (*model.DriftConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cfg, nil
}

func (m *memDrift) UpsertConfig(_ context.Context, cfg *model.DriftConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	m.configs[cfg.AgentID] = cfg
	return nil
}

func (m *memDrift) SeedConfigIfAbsent(_ context.Context, cfg *model.DriftConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.AgentID]; !ok {
		m.configs[cfg.AgentID] = cfg
	}
	return nil
}

func (m *memDrift) InsertPing(ctx context.Context, ping *model.HealthPing, revokeAgent bool) error {
	m.mu.Lock()
	ping.ID = uuid.New()
	ping.CreatedAt = time.Now().UTC()
	if ping.Spikes == nil {
		ping.Spikes = []string{}
	}
	m.pings[ping.AgentID] = append(m.pings[ping.AgentID], ping)
	m.mu.Unlock()

	if revokeAgent {
		return m.agents.UpdateStatus(ctx, ping.AgentID, model.AgentStatusRevoked)
	}
	return nil
}

func (m *memDrift) RecentPings(_ context.Context, agentID string, n int) ([]*model.HealthPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.pings[agentID]
	var out []*model.HealthPing
	for i := len(src) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *memDrift) ListPings(_ context.Context, agentID, metric string, limit, offset int) ([]*model.HealthPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.HealthPing
	for i := len(m.pings[agentID]) - 1; i >= 0; i-- {
		p := m.pings[agentID][i]
		if metric != "" {
			if _, ok := p.Metrics[metric]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stubPinger fakes the database health probe.
type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(context.Context) error { return s.err }
