package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentvault/agentvault/internal/vault/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AgentRepository provides CRUD operations for agents against PostgreSQL.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `agent_id, name, owner_email, api_key_hash, permissions, status, tier,
	created_at, last_verified_at, persona, persona_hash, persona_version,
	persona_updated_at, current_commitment`

// Create inserts a new agent.
func (r *AgentRepository) Create(ctx context.Context, agent *model.Agent) error {
	agent.CreatedAt = time.Now().UTC()
	if agent.Permissions == nil {
		agent.Permissions = []string{}
	}

	query := `
		INSERT INTO agents (agent_id, name, owner_email, api_key_hash, permissions, status, tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, query,
		agent.AgentID, agent.Name, agent.OwnerEmail, agent.APIKeyHash,
		agent.Permissions, agent.Status, agent.Tier, agent.CreatedAt,
	)
	return err
}

// GetByID retrieves an agent by its public identifier.
func (r *AgentRepository) GetByID(ctx context.Context, agentID string) (*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE agent_id = $1`
	return r.scanOne(ctx, query, agentID)
}

// GetByAPIKeyHash retrieves an agent by the SHA-256 hash of its API key.
func (r *AgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE api_key_hash = $1`
	return r.scanOne(ctx, query, hash)
}

// List returns agents newest-first with optional status filtering.
func (r *AgentRepository) List(ctx context.Context, status model.AgentStatus, limit, offset int) ([]*model.Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + agentColumns + ` FROM agents
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateStatus changes an agent's lifecycle status.
func (r *AgentRepository) UpdateStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET status = $2 WHERE agent_id = $1`, agentID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTier changes an agent's service tier.
func (r *AgentRepository) UpdateTier(ctx context.Context, agentID string, tier model.AgentTier) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET tier = $2 WHERE agent_id = $1`, agentID, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePermissions replaces an agent's permission set.
func (r *AgentRepository) UpdatePermissions(ctx context.Context, agentID string, permissions []string) error {
	if permissions == nil {
		permissions = []string{}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET permissions = $2 WHERE agent_id = $1`, agentID, permissions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchVerified stamps a successful credential verification.
func (r *AgentRepository) TouchVerified(ctx context.Context, agentID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET last_verified_at = $2 WHERE agent_id = $1`, agentID, at)
	return err
}

// SetCommitmentRef records the agent's current active commitment.
func (r *AgentRepository) SetCommitmentRef(ctx context.Context, agentID, commitment string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET current_commitment = $2 WHERE agent_id = $1`, agentID, commitment)
	return err
}

// ClearCommitmentRef drops the agent's commitment back-reference.
func (r *AgentRepository) ClearCommitmentRef(ctx context.Context, agentID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET current_commitment = '' WHERE agent_id = $1`, agentID)
	return err
}

// Delete removes an agent. Dependent rows (history, commitments, drift
// configs, pings, webhook endpoints) cascade via foreign keys.
func (r *AgentRepository) Delete(ctx context.Context, agentID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordVerification appends a verification attempt to the audit store.
func (r *AgentRepository) RecordVerification(ctx context.Context, agentID string, success bool, reason string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO verification_logs (agent_id, success, reason, created_at)
		 VALUES ($1, $2, $3, $4)`,
		agentID, success, reason, time.Now().UTC(),
	)
	return err
}

// ListVerificationLogs returns verification attempts newest-first.
func (r *AgentRepository) ListVerificationLogs(ctx context.Context, agentID string, limit, offset int) ([]*model.VerificationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, agent_id, success, reason, created_at
		 FROM verification_logs
		 WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.VerificationLog
	for rows.Next() {
		var l model.VerificationLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Success, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (r *AgentRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Agent, error) {
	rows, err := r.db.Query(ctx, query, args...)
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
	return scanAgent(rows)
}

// scanAgent reads one agent row; the persona column is stored as JSONB.
func scanAgent(rows pgx.Rows) (*model.Agent, error) {
	var a model.Agent
	var personaRaw []byte

	err := rows.Scan(
		&a.AgentID, &a.Name, &a.OwnerEmail, &a.APIKeyHash, &a.Permissions,
		&a.Status, &a.Tier, &a.CreatedAt, &a.LastVerifiedAt,
		&personaRaw, &a.PersonaHash, &a.PersonaVersion,
		&a.PersonaUpdatedAt, &a.CurrentCommitment,
	)
	if err != nil {
		return nil, err
	}
	if len(personaRaw) > 0 {
		if err := json.Unmarshal(personaRaw, &a.PersonaDoc); err != nil {
			return nil, fmt.Errorf("unmarshal persona: %w", err)
		}
	}
	return &a, nil
}
