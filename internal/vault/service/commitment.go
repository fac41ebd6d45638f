package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
	"github.com/agentvault/agentvault/internal/canonical"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
	"github.com/agentvault/agentvault/internal/webhooks"
	"github.com/agentvault/agentvault/internal/zkp"
)

// commitmentRepo is the persistence interface for the commitment service.
// *repository.CommitmentRepository satisfies this interface.
type commitmentRepo interface {
	Create(ctx context.Context, c *model.Commitment) error
	Get(ctx context.Context, commitment string) (*model.Commitment, error)
	Revoke(ctx context.Context, commitment string) error
	ActiveCount(ctx context.Context, now time.Time) (int, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// commitmentAgents is the slice of agent persistence the commitment service
// needs for back-references.
type commitmentAgents interface {
	GetByID(ctx context.Context, agentID string) (*model.Agent, error)
	SetCommitmentRef(ctx context.Context, agentID, commitment string) error
	ClearCommitmentRef(ctx context.Context, agentID string) error
}

// CommitmentResult is returned at registration. The salt appears here and
// nowhere else.
type CommitmentResult struct {
	Commitment string     `json:"commitment"`
	Salt       string     `json:"salt"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// CommitmentVerification is the outcome of hash- or proof-mode verification.
type CommitmentVerification struct {
	Valid       bool             `json:"valid"`
	Reason      string           `json:"reason,omitempty"`
	Permissions []string         `json:"permissions,omitempty"`
	Tier        *model.AgentTier `json:"tier,omitempty"`
}

// CommitmentService manages anonymous commitments: registration, hash and
// Groth16 verification, revocation and TTL expiry.
type CommitmentService struct {
	repo       commitmentRepo
	agents     commitmentAgents
	verifier   zkp.Verifier // nil = proof mode unavailable
	vkey       []byte
	dispatcher Dispatcher
	ledger     audit.Ledger
	logger     *zap.Logger
}

// NewCommitmentService creates a new CommitmentService.
func NewCommitmentService(repo commitmentRepo, agents commitmentAgents, logger *zap.Logger) *CommitmentService {
	return &CommitmentService{repo: repo, agents: agents, logger: logger}
}

// SetVerifier configures the Groth16 verifier and its verification key.
// Without one, proof-mode verification is rejected.
func (s *CommitmentService) SetVerifier(v zkp.Verifier, verificationKey []byte) {
	s.verifier = v
	s.vkey = verificationKey
}

// SetDispatcher configures the webhook dispatcher.
func (s *CommitmentService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetLedger configures the audit ledger.
func (s *CommitmentService) SetLedger(l audit.Ledger) {
	s.ledger = l
}

// Register issues a new anonymous commitment for the authenticated agent.
// The commitment binds agent identity, API key and a fresh salt; knowing
// the commitment value alone reveals none of them.
func (s *CommitmentService) Register(ctx context.Context, agent *model.Agent, apiKey string, ttlSeconds int64) (*CommitmentResult, error) {
	if ttlSeconds < 0 {
		return nil, model.Invalid("invalid ttl", model.FieldError{Field: "ttl_seconds", Message: "must be >= 0"})
	}

	saltBuf := make([]byte, 32)
	if _, err := rand.Read(saltBuf); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBuf)

	commitment := ComputeCommitment(agent.AgentID, apiKey, salt)

	var expiresAt *time.Time
	if ttlSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
		expiresAt = &t
	}

	c := &model.Commitment{
		Commitment:  commitment,
		AgentID:     agent.AgentID,
		Status:      model.CommitmentActive,
		ExpiresAt:   expiresAt,
		Permissions: agent.Permissions,
		Tier:        agent.Tier,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create commitment: %w", err)
	}
	if err := s.agents.SetCommitmentRef(ctx, agent.AgentID, commitment); err != nil {
		s.logger.Warn("set commitment ref", zap.Error(err))
	}

	s.appendLedger(ctx, agent.AgentID, audit.ActionCommitmentIssued, agent.AgentID, map[string]any{
		"commitment": commitment,
		"expires_at": expiresAt,
	})
	s.dispatch(agent.AgentID, webhooks.EventCommitmentRegistered, map[string]any{
		"commitment": commitment,
	})

	return &CommitmentResult{Commitment: commitment, Salt: salt, ExpiresAt: expiresAt}, nil
}

// VerifyHash checks a commitment by direct preimage-hash comparison.
func (s *CommitmentService) VerifyHash(ctx context.Context, commitment, preimageHash string) (*CommitmentVerification, error) {
	c, reason, err := s.lookupActive(ctx, commitment)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &CommitmentVerification{Valid: false, Reason: reason}, nil
	}

	if !canonical.EqualConstantTime(preimageHash, c.Commitment) {
		return &CommitmentVerification{Valid: false, Reason: "hash mismatch"}, nil
	}
	return &CommitmentVerification{Valid: true, Permissions: c.Permissions, Tier: &c.Tier}, nil
}

// VerifyProof checks a commitment with a Groth16 proof. The first public
// signal must encode the commitment value.
func (s *CommitmentService) VerifyProof(ctx context.Context, commitment string, proof *zkp.Proof, publicSignals []string) (*CommitmentVerification, error) {
	if s.verifier == nil {
		return nil, model.E(model.KindUnavailable, "proof verification is not configured")
	}

	c, reason, err := s.lookupActive(ctx, commitment)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &CommitmentVerification{Valid: false, Reason: reason}, nil
	}

	if err := proof.Validate(); err != nil {
		return nil, model.Invalid("invalid proof", model.FieldError{Field: "proof", Message: err.Error()})
	}
	if len(publicSignals) == 0 {
		return nil, model.Invalid("invalid proof", model.FieldError{Field: "publicSignals", Message: "required"})
	}

	want, err := zkp.CommitmentSignal(c.Commitment)
	if err != nil {
		return nil, fmt.Errorf("encode commitment signal: %w", err)
	}
	got, err := zkp.NormalizeSignal(publicSignals[0])
	if err != nil {
		return nil, model.Invalid("invalid proof", model.FieldError{Field: "publicSignals", Message: err.Error()})
	}
	if got != want {
		return &CommitmentVerification{Valid: false, Reason: "commitment mismatch"}, nil
	}

	ok, err := s.verifier.Verify(ctx, s.vkey, proof, publicSignals)
	if err != nil {
		return nil, fmt.Errorf("verify proof: %w", err)
	}
	if !ok {
		return &CommitmentVerification{Valid: false, Reason: "proof invalid"}, nil
	}
	return &CommitmentVerification{Valid: true, Permissions: c.Permissions, Tier: &c.Tier}, nil
}

// lookupActive fetches a commitment and classifies non-verifiable states.
// A missing commitment maps to not_found; revoked and expired map to a
// rejection reason with a nil error.
func (s *CommitmentService) lookupActive(ctx context.Context, commitment string) (*model.Commitment, string, error) {
	c, err := s.repo.Get(ctx, commitment)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", model.E(model.KindNotFound, "commitment not found")
		}
		return nil, "", fmt.Errorf("lookup commitment: %w", err)
	}
	if c.Status == model.CommitmentRevoked {
		return nil, "revoked", nil
	}
	if c.Expired(time.Now().UTC()) {
		return nil, "expired", nil
	}
	return c, "", nil
}

// Revoke transitions an active commitment to revoked and clears the owning
// agent's back-reference. Returns not_found when no active row exists.
func (s *CommitmentService) Revoke(ctx context.Context, commitment string) error {
	c, err := s.repo.Get(ctx, commitment)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.E(model.KindNotFound, "commitment not found")
		}
		return fmt.Errorf("lookup commitment: %w", err)
	}

	if err := s.repo.Revoke(ctx, commitment); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.E(model.KindNotFound, "no active commitment to revoke")
		}
		return fmt.Errorf("revoke commitment: %w", err)
	}
	if err := s.agents.ClearCommitmentRef(ctx, c.AgentID); err != nil {
		s.logger.Warn("clear commitment ref", zap.Error(err))
	}

	s.appendLedger(ctx, c.AgentID, audit.ActionCommitmentRevoked, c.AgentID, map[string]any{
		"commitment": commitment,
	})
	s.dispatch(c.AgentID, webhooks.EventCommitmentRevoked, map[string]any{
		"commitment": commitment,
	})
	return nil
}

// ActiveCount returns the number of active, unexpired commitments.
func (s *CommitmentService) ActiveCount(ctx context.Context) (int, error) {
	return s.repo.ActiveCount(ctx, time.Now().UTC())
}

// SweepExpired revokes every active commitment whose TTL has passed.
// Scheduled hourly; safe to run concurrently with itself.
func (s *CommitmentService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired commitments swept", zap.Int64("count", n))
	}
	return n, nil
}

func (s *CommitmentService) appendLedger(ctx context.Context, agentID, action, actor string, payload any) {
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

func (s *CommitmentService) dispatch(agentID, event string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(agentID, event, data)
}

// ComputeCommitment derives the commitment value: lowercase hex SHA-256 of
// "agent_id:api_key:salt".
func ComputeCommitment(agentID, apiKey, salt string) string {
	sum := sha256.Sum256([]byte(agentID + ":" + apiKey + ":" + salt))
	return hex.EncodeToString(sum[:])
}
