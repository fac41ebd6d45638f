package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event names dispatched by the system. "*" subscribes to all of them.
const (
	EventAgentRegistered         = "agent.registered"
	EventAgentStatusUpdated      = "agent.status_updated"
	EventAgentTierUpdated        = "agent.tier_updated"
	EventAgentPermissionsUpdated = "agent.permissions_updated"
	EventAgentRevoked            = "agent.revoked"
	EventPersonaCreated          = "persona.created"
	EventPersonaUpdated          = "persona.updated"
	EventCommitmentRegistered    = "commitment.registered"
	EventCommitmentRevoked       = "commitment.revoked"
	EventDriftWarning            = "agent.drift.warning"
	EventDriftRevoked            = "agent.drift.revoked"

	EventWildcard = "*"
)

// Catalog returns every dispatchable event name.
func Catalog() []string {
	return []string{
		EventAgentRegistered,
		EventAgentStatusUpdated,
		EventAgentTierUpdated,
		EventAgentPermissionsUpdated,
		EventAgentRevoked,
		EventPersonaCreated,
		EventPersonaUpdated,
		EventCommitmentRegistered,
		EventCommitmentRevoked,
		EventDriftWarning,
		EventDriftRevoked,
	}
}

// ValidEvent reports whether name is a known event or the wildcard.
func ValidEvent(name string) bool {
	if name == EventWildcard {
		return true
	}
	for _, e := range Catalog() {
		if e == name {
			return true
		}
	}
	return false
}

// Endpoint is an agent-owned webhook destination.
type Endpoint struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	AgentID   string    `json:"agent_id"   db:"agent_id"`
	URL       string    `json:"url"        db:"url"`
	Events    []string  `json:"events"     db:"events"`
	Secret    string    `json:"-"          db:"secret"` // never returned in API responses
	IsActive  bool      `json:"is_active"  db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Event is the payload POSTed to matching endpoints.
type Event struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	Data      map[string]any `json:"data"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	EndpointID   uuid.UUID `json:"endpoint_id"   db:"endpoint_id"`
	AgentID      string    `json:"agent_id"      db:"agent_id"`
	Event        string    `json:"event"         db:"event"`
	URL          string    `json:"url"           db:"url"`
	StatusCode   int       `json:"status_code"   db:"status_code"`
	Attempt      int       `json:"attempt"       db:"attempt"`
	Success      bool      `json:"success"       db:"success"`
	DurationMs   int64     `json:"duration_ms"   db:"duration_ms"`
	ErrorMessage string    `json:"error_message" db:"error_message"`
	DeliveredAt  time.Time `json:"delivered_at"  db:"delivered_at"`
}

// CreateEndpointRequest is the payload for creating a webhook endpoint.
type CreateEndpointRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required,min=1"`
}
