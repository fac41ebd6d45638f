package model

import (
	"strings"
	"time"
)

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusInactive  AgentStatus = "inactive"
	AgentStatusSuspended AgentStatus = "suspended"
	// AgentStatusRevoked is terminal. A revoked agent never verifies again.
	AgentStatusRevoked AgentStatus = "revoked"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusSuspended, AgentStatusRevoked:
		return true
	}
	return false
}

// AgentTier is the service tier of an agent.
type AgentTier string

const (
	TierFree       AgentTier = "free"
	TierPro        AgentTier = "pro"
	TierEnterprise AgentTier = "enterprise"
)

// ValidTier reports whether t is a known tier.
func ValidTier(t AgentTier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Agent is the root identity record. The API key itself is never stored;
// only its SHA-256 hash is persisted.
type Agent struct {
	AgentID        string      `json:"agent_id"                   db:"agent_id"`
	Name           string      `json:"name"                       db:"name"`
	OwnerEmail     string      `json:"owner_email"                db:"owner_email"`
	APIKeyHash     string      `json:"-"                          db:"api_key_hash"`
	Permissions    []string    `json:"permissions"                db:"permissions"`
	Status         AgentStatus `json:"status"                     db:"status"`
	Tier           AgentTier   `json:"tier"                       db:"tier"`
	CreatedAt      time.Time   `json:"created_at"                 db:"created_at"`
	LastVerifiedAt *time.Time  `json:"last_verified_at,omitempty" db:"last_verified_at"`

	// Persona binding. PersonaDoc is the stored value tree; empty when the
	// agent has not registered a persona yet.
	PersonaDoc       map[string]any `json:"-"                            db:"persona"`
	PersonaHash      string         `json:"persona_hash,omitempty"       db:"persona_hash"`
	PersonaVersion   string         `json:"persona_version,omitempty"    db:"persona_version"`
	PersonaUpdatedAt *time.Time     `json:"persona_updated_at,omitempty" db:"persona_updated_at"`

	// CurrentCommitment is the agent's active anonymous commitment, if any.
	CurrentCommitment string `json:"-" db:"current_commitment"`
}

// HasPersona reports whether a persona is bound to the agent.
func (a *Agent) HasPersona() bool {
	return len(a.PersonaDoc) > 0 && a.PersonaHash != ""
}

// HasPermission checks a required "service:resource:action" permission
// against the agent's permission set. A stored "*" grants everything; a "*"
// in any segment matches that segment.
func (a *Agent) HasPermission(required string) bool {
	reqParts := strings.Split(required, ":")
	for _, p := range a.Permissions {
		if p == "*" || p == required {
			return true
		}
		parts := strings.Split(p, ":")
		if len(parts) != len(reqParts) {
			continue
		}
		match := true
		for i := range parts {
			if parts[i] != "*" && parts[i] != reqParts[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// VerificationLog is an append-only record of a credential verification
// attempt.
type VerificationLog struct {
	ID        int64     `json:"id"         db:"id"`
	AgentID   string    `json:"agent_id"   db:"agent_id"`
	Success   bool      `json:"success"    db:"success"`
	Reason    string    `json:"reason"     db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Verification failure reasons recorded in verification_logs. Externally all
// failures surface as a generic 401 so callers cannot distinguish them.
const (
	VerifyReasonOK                 = "ok"
	VerifyReasonInvalidCredentials = "invalid_credentials"
	VerifyReasonAgentInactive      = "agent_inactive"
	VerifyReasonAgentNotFound      = "agent_not_found"
)

// RegisterAgentRequest is the payload for creating a new agent.
type RegisterAgentRequest struct {
	Name        string   `json:"name"        binding:"required"`
	OwnerEmail  string   `json:"owner_email" binding:"required,email"`
	Permissions []string `json:"permissions"`
}

// VerifyAgentRequest is the payload for credential-mode verification.
type VerifyAgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	APIKey  string `json:"api_key"  binding:"required"`
}

// UpdateStatusRequest changes an agent's lifecycle status.
type UpdateStatusRequest struct {
	Status AgentStatus `json:"status" binding:"required"`
}

// UpdateTierRequest changes an agent's service tier.
type UpdateTierRequest struct {
	Tier AgentTier `json:"tier" binding:"required"`
}

// UpdatePermissionsRequest replaces an agent's permission set.
type UpdatePermissionsRequest struct {
	Permissions []string `json:"permissions" binding:"required"`
}
