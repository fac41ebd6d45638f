// Package audit provides a hash-chained, append-only log of agent lifecycle
// actions. Each entry chains to its predecessor, so any retroactive edit to
// the log breaks verification from that point forward.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash anchors the chain; the genesis entry carries this constant
// rather than a computed hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemActor is recorded when the service itself performs an action
// (auto-revoke, TTL sweeps).
const SystemActor = "vault-system"

// Actions recorded in the audit log.
const (
	ActionGenesis            = "genesis"
	ActionAgentRegistered    = "agent.registered"
	ActionAgentStatusChanged = "agent.status_changed"
	ActionAgentTierChanged   = "agent.tier_changed"
	ActionAgentPermsChanged  = "agent.permissions_changed"
	ActionAgentRevoked       = "agent.revoked"
	ActionPersonaCreated     = "persona.created"
	ActionPersonaUpdated     = "persona.updated"
	ActionCommitmentIssued   = "commitment.registered"
	ActionCommitmentRevoked  = "commitment.revoked"
	ActionDriftRevoked       = "drift.auto_revoked"
)

// Entry is a single audit record.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`     // agent_id, admin, or SystemActor
	DataHash  string    `json:"data_hash"` // SHA-256 of the JSON payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashEntry computes the deterministic SHA-256 hash over an entry's fields.
// Never called for the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.AgentID, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
