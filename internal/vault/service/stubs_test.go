package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
)

// memAgents is an in-memory agent store used across the service tests.
// Reads hand out snapshots, like a row scan does; callers holding a
// previously fetched agent never observe later writes through it.
type memAgents struct {
	mu     sync.Mutex
	agents map[string]*model.Agent
	logs   []*model.VerificationLog
}

func newMemAgents() *memAgents {
	return &memAgents{agents: make(map[string]*model.Agent)}
}

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

func (m *memAgents) Create(_ context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	m.agents[a.AgentID] = a
	return nil
}

func (m *memAgents) GetByID(_ context.Context, agentID string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
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

func (m *memAgents) List(_ context.Context, status model.AgentStatus, _, _ int) ([]*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Agent
	for _, a := range m.agents {
		if status == "" || a.Status == status {
			out = append(out, snapshotAgent(a))
		}
	}
	return out, nil
}

func (m *memAgents) UpdateStatus(_ context.Context, agentID string, status model.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *memAgents) UpdateTier(_ context.Context, agentID string, tier model.AgentTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Tier = tier
	return nil
}

func (m *memAgents) UpdatePermissions(_ context.Context, agentID string, permissions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return repository.ErrNotFound
	}
	a.Permissions = permissions
	return nil
}

func (m *memAgents) TouchVerified(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.LastVerifiedAt = &at
	}
	return nil
}

func (m *memAgents) SetCommitmentRef(_ context.Context, agentID, commitment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.CurrentCommitment = commitment
	}
	return nil
}

func (m *memAgents) ClearCommitmentRef(_ context.Context, agentID string) error {
	return m.SetCommitmentRef(context.Background(), agentID, "")
}

func (m *memAgents) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.agents, agentID)
	return nil
}

func (m *memAgents) RecordVerification(_ context.Context, agentID string, success bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, &model.VerificationLog{
		ID:        int64(len(m.logs) + 1),
		AgentID:   agentID,
		Success:   success,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memAgents) ListVerificationLogs(_ context.Context, agentID string, _, _ int) ([]*model.VerificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.VerificationLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].AgentID == agentID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

// mutate edits the backing row in place, bypassing snapshot reads. Tests
// use it to simulate out-of-band changes to stored data.
func (m *memAgents) mutate(agentID string, fn func(a *model.Agent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		fn(a)
	}
}

func (m *memAgents) lastLog() *model.VerificationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		return nil
	}
	return m.logs[len(m.logs)-1]
}

// memPersonas stores persona history and mirrors persona fields onto the
// agent row, like the real repository's transaction does.
type memPersonas struct {
	mu      sync.Mutex
	agents  *memAgents
	entries []*model.PersonaHistoryEntry
}

func newMemPersonas(agents *memAgents) *memPersonas {
	return &memPersonas{agents: agents}
}

func (m *memPersonas) StorePersona(_ context.Context, agentID string, persona map[string]any, hash, version string) (*model.PersonaHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents.mu.Lock()
	a, ok := m.agents.agents[agentID]
	if !ok {
		m.agents.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	now := time.Now().UTC()
	a.PersonaDoc = snapshotDoc(persona)
	a.PersonaHash = hash
	a.PersonaVersion = version
	a.PersonaUpdatedAt = &now
	m.agents.mu.Unlock()

	entry := &model.PersonaHistoryEntry{
		ID:             int64(len(m.entries) + 1),
		AgentID:        agentID,
		Persona:        snapshotDoc(persona),
		PersonaHash:    hash,
		PersonaVersion: version,
		ChangedAt:      now,
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memPersonas) History(_ context.Context, agentID string, ascending bool, limit, _ int) ([]*model.PersonaHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PersonaHistoryEntry
	for _, e := range m.entries {
		if e.AgentID == agentID {
			out = append(out, e)
		}
	}
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPersonas) HistoryCount(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

// memCommitments is an in-memory commitment store.
type memCommitments struct {
	mu          sync.Mutex
	commitments map[string]*model.Commitment
}

func newMemCommitments() *memCommitments {
	return &memCommitments{commitments: make(map[string]*model.Commitment)}
}

func (m *memCommitments) Create(_ context.Context, c *model.Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = time.Now().UTC()
	m.commitments[c.Commitment] = c
	return nil
}

func (m *memCommitments) Get(_ context.Context, commitment string) (*model.Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commitments[commitment]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *memCommitments) Revoke(_ context.Context, commitment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commitments[commitment]
	if !ok || c.Status != model.CommitmentActive {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = model.CommitmentRevoked
	c.RevokedAt = &now
	return nil
}

func (m *memCommitments) RevokeAllForAgent(_ context.Context, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, c := range m.commitments {
		if c.AgentID == agentID && c.Status == model.CommitmentActive {
			c.Status = model.CommitmentRevoked
			c.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memCommitments) ActiveCount(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commitments {
		if c.Status == model.CommitmentActive && (c.ExpiresAt == nil || c.ExpiresAt.After(now)) {
			n++
		}
	}
	return n, nil
}

func (m *memCommitments) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.commitments {
		if c.Status == model.CommitmentActive && c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			c.Status = model.CommitmentRevoked
			c.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// memDrift is an in-memory drift store. InsertPing mirrors the real
// repository's transactional revoke.
type memDrift struct {
	mu      sync.Mutex
	agents  *memAgents
	configs map[string]*model.DriftConfig
	pings   []*model.HealthPing
}

func newMemDrift(agents *memAgents) *memDrift {
	return &memDrift{agents: agents, configs: make(map[string]*model.DriftConfig)}
}

func (m *memDrift) GetConfig(_ context.Context, agentID string) (*model.DriftConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *memDrift) UpsertConfig(_ context.Context, c *model.DriftConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	m.configs[c.AgentID] = c
	return nil
}

func (m *memDrift) SeedConfigIfAbsent(_ context.Context, c *model.DriftConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[c.AgentID]; !ok {
		m.configs[c.AgentID] = c
	}
	return nil
}

func (m *memDrift) InsertPing(_ context.Context, ping *model.HealthPing, revokeAgent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ping.ID = uuid.New()
	ping.CreatedAt = time.Now().UTC()
	if ping.Spikes == nil {
		ping.Spikes = []string{}
	}
	m.pings = append(m.pings, ping)
	if revokeAgent {
		m.agents.mu.Lock()
		if a, ok := m.agents.agents[ping.AgentID]; ok {
			a.Status = model.AgentStatusRevoked
		}
		m.agents.mu.Unlock()
	}
	return nil
}

func (m *memDrift) RecentPings(_ context.Context, agentID string, n int) ([]*model.HealthPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.HealthPing
	for i := len(m.pings) - 1; i >= 0 && len(out) < n; i-- {
		if m.pings[i].AgentID == agentID {
			out = append(out, m.pings[i])
		}
	}
	return out, nil
}

func (m *memDrift) ListPings(_ context.Context, agentID, metric string, limit, _ int) ([]*model.HealthPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.HealthPing
	for i := len(m.pings) - 1; i >= 0; i-- {
		p := m.pings[i]
		if p.AgentID != agentID {
			continue
		}
		if metric != "" {
			if _, ok := p.Metrics[metric]; !ok {
				continue
			}
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// recordedEvent captures a dispatched webhook event.
type recordedEvent struct {
	AgentID string
	Event   string
	Data    map[string]any
}

// recordingDispatcher collects dispatched events for assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (d *recordingDispatcher) Dispatch(agentID, event string, data map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, recordedEvent{AgentID: agentID, Event: event, Data: data})
}

func (d *recordingDispatcher) byEvent(event string) []recordedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []recordedEvent
	for _, e := range d.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
