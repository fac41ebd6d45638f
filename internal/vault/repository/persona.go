package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentvault/agentvault/internal/vault/model"
)

// PersonaRepository persists persona state on the agent row and the
// append-only persona history.
type PersonaRepository struct {
	db *pgxpool.Pool
}

// NewPersonaRepository creates a new PersonaRepository.
func NewPersonaRepository(db *pgxpool.Pool) *PersonaRepository {
	return &PersonaRepository{db: db}
}

// StorePersona replaces the agent's persona fields and appends the stored
// snapshot to persona_history in a single transaction, so the agent row and
// the history can never disagree.
func (r *PersonaRepository) StorePersona(ctx context.Context, agentID string, persona map[string]any, hash, version string) (*model.PersonaHistoryEntry, error) {
	doc, err := json.Marshal(persona)
	if err != nil {
		return nil, fmt.Errorf("marshal persona: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE agents SET
			persona            = $2,
			persona_hash       = $3,
			persona_version    = $4,
			persona_updated_at = $5
		WHERE agent_id = $1`,
		agentID, doc, hash, version, now,
	)
	if err != nil {
		return nil, fmt.Errorf("update persona: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	entry := &model.PersonaHistoryEntry{
		AgentID:        agentID,
		Persona:        persona,
		PersonaHash:    hash,
		PersonaVersion: version,
		ChangedAt:      now,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO persona_history (agent_id, persona, persona_hash, persona_version, changed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		agentID, doc, hash, version, now,
	).Scan(&entry.ID); err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit persona tx: %w", err)
	}
	return entry, nil
}

// History returns persona history entries for an agent ordered by changed_at.
func (r *PersonaRepository) History(ctx context.Context, agentID string, ascending bool, limit, offset int) ([]*model.PersonaHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT id, agent_id, persona, persona_hash, persona_version, changed_at
		FROM persona_history
		WHERE agent_id = $1
		ORDER BY changed_at %s, id %s
		LIMIT $2 OFFSET $3`, order, order)

	rows, err := r.db.Query(ctx, query, agentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.PersonaHistoryEntry
	for rows.Next() {
		var e model.PersonaHistoryEntry
		var doc []byte
		if err := rows.Scan(&e.ID, &e.AgentID, &doc, &e.PersonaHash, &e.PersonaVersion, &e.ChangedAt); err != nil {
			return nil, err
		}
		if len(doc) > 0 {
			if err := json.Unmarshal(doc, &e.Persona); err != nil {
				return nil, fmt.Errorf("unmarshal history persona: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// HistoryCount returns the number of history entries for an agent.
func (r *PersonaRepository) HistoryCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM persona_history WHERE agent_id = $1`, agentID).Scan(&n)
	return n, err
}
