package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentvault/agentvault/internal/vault/model"
)

// CommitmentRepository persists anonymous commitments.
type CommitmentRepository struct {
	db *pgxpool.Pool
}

// NewCommitmentRepository creates a new CommitmentRepository.
func NewCommitmentRepository(db *pgxpool.Pool) *CommitmentRepository {
	return &CommitmentRepository{db: db}
}

// Create inserts a new active commitment.
func (r *CommitmentRepository) Create(ctx context.Context, c *model.Commitment) error {
	c.CreatedAt = time.Now().UTC()
	if c.Permissions == nil {
		c.Permissions = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO commitments (commitment, agent_id, status, expires_at, permissions, tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.Commitment, c.AgentID, c.Status, c.ExpiresAt, c.Permissions, c.Tier, c.CreatedAt,
	)
	return err
}

// Get retrieves a commitment by its value regardless of status.
func (r *CommitmentRepository) Get(ctx context.Context, commitment string) (*model.Commitment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT commitment, agent_id, status, expires_at, permissions, tier, created_at, revoked_at
		FROM commitments WHERE commitment = $1`, commitment)
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

	var c model.Commitment
	if err := rows.Scan(
		&c.Commitment, &c.AgentID, &c.Status, &c.ExpiresAt,
		&c.Permissions, &c.Tier, &c.CreatedAt, &c.RevokedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// Revoke transitions an active commitment to revoked. Returns ErrNotFound
// when no active row exists, which makes explicit revocation idempotent at
// the service layer.
func (r *CommitmentRepository) Revoke(ctx context.Context, commitment string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE commitments SET status = $2, revoked_at = $3
		WHERE commitment = $1 AND status = $4`,
		commitment, model.CommitmentRevoked, time.Now().UTC(), model.CommitmentActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForAgent revokes every active commitment owned by an agent.
// Used when the agent itself is revoked or deleted.
func (r *CommitmentRepository) RevokeAllForAgent(ctx context.Context, agentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE commitments SET status = $2, revoked_at = $3
		WHERE agent_id = $1 AND status = $4`,
		agentID, model.CommitmentRevoked, time.Now().UTC(), model.CommitmentActive,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveCount counts commitments that are active and unexpired at now.
func (r *CommitmentRepository) ActiveCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM commitments
		WHERE status = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		model.CommitmentActive, now,
	).Scan(&n)
	return n, err
}

// ExpireDue revokes every active commitment whose TTL has passed and clears
// the owning agents' back-references. A single statement per table keeps the
// hourly sweep re-entrant and crash-safe.
func (r *CommitmentRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		WITH expired AS (
			UPDATE commitments SET status = $1, revoked_at = $2
			WHERE status = $3 AND expires_at IS NOT NULL AND expires_at <= $2
			RETURNING commitment, agent_id
		), cleared AS (
			UPDATE agents a SET current_commitment = ''
			FROM expired e
			WHERE a.agent_id = e.agent_id AND a.current_commitment = e.commitment
		)
		SELECT COUNT(*) FROM expired`,
		model.CommitmentRevoked, now, model.CommitmentActive,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
