package model

import (
	"time"

	"github.com/agentvault/agentvault/internal/zkp"
)

// CommitmentStatus is the lifecycle state of an anonymous commitment.
type CommitmentStatus string

const (
	CommitmentActive CommitmentStatus = "active"
	// CommitmentRevoked is terminal, reached by explicit revocation or TTL
	// expiry. Expired commitments are retained as revoked rows for audit.
	CommitmentRevoked CommitmentStatus = "revoked"
)

// Commitment is an anonymous re-identification token. The commitment value
// is SHA-256(agent_id ":" api_key ":" salt) as lowercase hex; the salt is
// returned to the caller exactly once and never persisted.
//
// Permissions and tier are snapshotted at registration so verification does
// not need to join the agents table.
type Commitment struct {
	Commitment  string           `json:"commitment"           db:"commitment"`
	AgentID     string           `json:"agent_id"             db:"agent_id"`
	Status      CommitmentStatus `json:"status"               db:"status"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	Permissions []string         `json:"permissions"          db:"permissions"`
	Tier        AgentTier        `json:"tier"                 db:"tier"`
	CreatedAt   time.Time        `json:"created_at"           db:"created_at"`
	RevokedAt   *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Expired reports whether the commitment's TTL has passed. The boundary is
// inclusive: a commitment is rejected from exactly expires_at onward.
func (c *Commitment) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// RegisterCommitmentRequest creates a new anonymous commitment for the
// authenticated agent. TTLSeconds of zero means no expiry.
type RegisterCommitmentRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

// VerifyCommitmentRequest carries either a hash-mode preimage digest or a
// Groth16 proof, selected by the ?mode query parameter.
type VerifyCommitmentRequest struct {
	Commitment    string     `json:"commitment" binding:"required"`
	PreimageHash  string     `json:"preimage_hash"`
	Proof         *zkp.Proof `json:"proof"`
	PublicSignals []string   `json:"publicSignals"`
}
