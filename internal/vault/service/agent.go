package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
	"github.com/agentvault/agentvault/internal/canonical"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
	"github.com/agentvault/agentvault/internal/webhooks"
)

// agentRepo is the persistence interface for the agent service.
// *repository.AgentRepository satisfies this interface.
type agentRepo interface {
	Create(ctx context.Context, agent *model.Agent) error
	GetByID(ctx context.Context, agentID string) (*model.Agent, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error)
	List(ctx context.Context, status model.AgentStatus, limit, offset int) ([]*model.Agent, error)
	UpdateStatus(ctx context.Context, agentID string, status model.AgentStatus) error
	UpdateTier(ctx context.Context, agentID string, tier model.AgentTier) error
	UpdatePermissions(ctx context.Context, agentID string, permissions []string) error
	TouchVerified(ctx context.Context, agentID string, at time.Time) error
	ClearCommitmentRef(ctx context.Context, agentID string) error
	Delete(ctx context.Context, agentID string) error
	RecordVerification(ctx context.Context, agentID string, success bool, reason string) error
	ListVerificationLogs(ctx context.Context, agentID string, limit, offset int) ([]*model.VerificationLog, error)
}

// commitmentRevoker revokes all active commitments for an agent.
// *repository.CommitmentRepository satisfies this interface.
type commitmentRevoker interface {
	RevokeAllForAgent(ctx context.Context, agentID string) (int64, error)
}

// Dispatcher fans out webhook events. *webhooks.Service satisfies this.
type Dispatcher interface {
	Dispatch(agentID, event string, data map[string]any)
}

// RegistrationResult carries the one-time plaintext API key.
type RegistrationResult struct {
	Agent *model.Agent

	// APIKey is delivered ONCE at registration time — only its hash is
	// persisted.
	APIKey string
}

// VerifyResult is the outcome of a credential verification.
type VerifyResult struct {
	Valid  bool
	Reason string
	Agent  *model.Agent
}

// AgentService contains business logic for agent lifecycle management.
type AgentService struct {
	repo        agentRepo
	commitments commitmentRevoker // nil = no commitment cascade
	dispatcher  Dispatcher        // nil = no webhook events
	ledger      audit.Ledger      // nil = no ledger writes
	logger      *zap.Logger
}

// NewAgentService creates a new AgentService.
func NewAgentService(repo agentRepo, logger *zap.Logger) *AgentService {
	return &AgentService{repo: repo, logger: logger}
}

// SetCommitmentRevoker configures the commitment cascade used by Revoke.
func (s *AgentService) SetCommitmentRevoker(cr commitmentRevoker) {
	s.commitments = cr
}

// SetDispatcher configures the webhook dispatcher.
func (s *AgentService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetLedger configures the audit ledger.
func (s *AgentService) SetLedger(l audit.Ledger) {
	s.ledger = l
}

// appendLedger appends an audit entry in a non-fatal manner.
func (s *AgentService) appendLedger(ctx context.Context, agentID, action, actor string, payload any) {
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

// dispatch emits a webhook event when a dispatcher is configured.
func (s *AgentService) dispatch(agentID, event string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(agentID, event, data)
}

// Register creates a new agent and returns its plaintext API key exactly once.
// New agents start active on the free tier.
func (s *AgentService) Register(ctx context.Context, req *model.RegisterAgentRequest) (*RegistrationResult, error) {
	agentID, err := generateAgentID()
	if err != nil {
		return nil, fmt.Errorf("generate agent ID: %w", err)
	}
	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate API key: %w", err)
	}

	agent := &model.Agent{
		AgentID:     agentID,
		Name:        req.Name,
		OwnerEmail:  strings.ToLower(strings.TrimSpace(req.OwnerEmail)),
		APIKeyHash:  HashAPIKey(apiKey),
		Permissions: req.Permissions,
		Status:      model.AgentStatusActive,
		Tier:        model.TierFree,
	}

	if err := s.repo.Create(ctx, agent); err != nil {
		s.logger.Error("failed to create agent", zap.Error(err))
		return nil, fmt.Errorf("create agent: %w", err)
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("name", agent.Name),
	)

	s.appendLedger(ctx, agentID, audit.ActionAgentRegistered, agent.OwnerEmail, map[string]any{
		"agent_id": agentID,
		"name":     agent.Name,
		"tier":     agent.Tier,
	})
	s.dispatch(agentID, webhooks.EventAgentRegistered, map[string]any{
		"agent_id": agentID,
		"name":     agent.Name,
	})

	return &RegistrationResult{Agent: agent, APIKey: apiKey}, nil
}

// Verify checks presented credentials. All failure modes surface identically
// to callers; the precise reason is only recorded in verification_logs.
func (s *AgentService) Verify(ctx context.Context, req *model.VerifyAgentRequest) (*VerifyResult, error) {
	agent, err := s.repo.GetByID(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Logged under the presented ID so probing shows up in audit.
			s.recordVerification(ctx, req.AgentID, false, model.VerifyReasonAgentNotFound)
			return &VerifyResult{Valid: false, Reason: model.VerifyReasonAgentNotFound}, nil
		}
		return nil, fmt.Errorf("lookup agent: %w", err)
	}

	if !canonical.EqualConstantTime(HashAPIKey(req.APIKey), agent.APIKeyHash) {
		s.recordVerification(ctx, agent.AgentID, false, model.VerifyReasonInvalidCredentials)
		return &VerifyResult{Valid: false, Reason: model.VerifyReasonInvalidCredentials}, nil
	}

	if agent.Status != model.AgentStatusActive {
		s.recordVerification(ctx, agent.AgentID, false, model.VerifyReasonAgentInactive)
		return &VerifyResult{Valid: false, Reason: model.VerifyReasonAgentInactive, Agent: agent}, nil
	}

	now := time.Now().UTC()
	if err := s.repo.TouchVerified(ctx, agent.AgentID, now); err != nil {
		s.logger.Warn("touch last_verified_at", zap.Error(err))
	}
	agent.LastVerifiedAt = &now
	s.recordVerification(ctx, agent.AgentID, true, model.VerifyReasonOK)

	return &VerifyResult{Valid: true, Reason: model.VerifyReasonOK, Agent: agent}, nil
}

// Authenticate resolves an agent from a raw API key. Used by the auth
// middleware; only active agents authenticate.
func (s *AgentService) Authenticate(ctx context.Context, apiKey string) (*model.Agent, error) {
	agent, err := s.repo.GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.E(model.KindUnauthorized, "invalid API key")
		}
		return nil, fmt.Errorf("lookup agent by key: %w", err)
	}
	if agent.Status != model.AgentStatusActive {
		return nil, model.E(model.KindForbidden, "agent is not active")
	}
	return agent, nil
}

func (s *AgentService) recordVerification(ctx context.Context, agentID string, success bool, reason string) {
	if err := s.repo.RecordVerification(ctx, agentID, success, reason); err != nil {
		s.logger.Warn("record verification", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Get retrieves an agent by ID.
func (s *AgentService) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	return s.repo.GetByID(ctx, agentID)
}

// List returns agents with optional status filtering.
func (s *AgentService) List(ctx context.Context, status model.AgentStatus, limit, offset int) ([]*model.Agent, error) {
	if status != "" && !model.ValidStatus(status) {
		return nil, model.Invalid("invalid status filter", model.FieldError{Field: "status", Message: "unknown status"})
	}
	return s.repo.List(ctx, status, limit, offset)
}

// UpdateStatus transitions an agent's lifecycle state. Revoked is terminal;
// use Revoke for the revocation cascade.
func (s *AgentService) UpdateStatus(ctx context.Context, agentID string, status model.AgentStatus) (*model.Agent, error) {
	if !model.ValidStatus(status) {
		return nil, model.Invalid("invalid status", model.FieldError{Field: "status", Message: "unknown status"})
	}
	agent, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == model.AgentStatusRevoked {
		return nil, model.E(model.KindConflict, "agent is revoked; revocation is terminal")
	}
	if status == model.AgentStatusRevoked {
		if err := s.Revoke(ctx, agentID); err != nil {
			return nil, err
		}
		agent.Status = model.AgentStatusRevoked
		return agent, nil
	}

	before := agent.Status
	if err := s.repo.UpdateStatus(ctx, agentID, status); err != nil {
		return nil, err
	}
	agent.Status = status

	s.appendLedger(ctx, agentID, audit.ActionAgentStatusChanged, audit.SystemActor, map[string]any{
		"before": before, "after": status,
	})
	s.dispatch(agentID, webhooks.EventAgentStatusUpdated, map[string]any{
		"before": string(before), "after": string(status),
	})
	return agent, nil
}

// UpdateTier changes an agent's service tier.
func (s *AgentService) UpdateTier(ctx context.Context, agentID string, tier model.AgentTier) (*model.Agent, error) {
	if !model.ValidTier(tier) {
		return nil, model.Invalid("invalid tier", model.FieldError{Field: "tier", Message: "unknown tier"})
	}
	agent, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	before := agent.Tier
	if err := s.repo.UpdateTier(ctx, agentID, tier); err != nil {
		return nil, err
	}
	agent.Tier = tier

	s.appendLedger(ctx, agentID, audit.ActionAgentTierChanged, audit.SystemActor, map[string]any{
		"before": before, "after": tier,
	})
	s.dispatch(agentID, webhooks.EventAgentTierUpdated, map[string]any{
		"before": string(before), "after": string(tier),
	})
	return agent, nil
}

// UpdatePermissions replaces an agent's permission set.
func (s *AgentService) UpdatePermissions(ctx context.Context, agentID string, permissions []string) (*model.Agent, error) {
	agent, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	before := agent.Permissions
	if err := s.repo.UpdatePermissions(ctx, agentID, permissions); err != nil {
		return nil, err
	}
	agent.Permissions = permissions

	s.appendLedger(ctx, agentID, audit.ActionAgentPermsChanged, audit.SystemActor, map[string]any{
		"before": before, "after": permissions,
	})
	s.dispatch(agentID, webhooks.EventAgentPermissionsUpdated, map[string]any{
		"before": before, "after": permissions,
	})
	return agent, nil
}

// Revoke marks an agent as revoked and revokes all of its active
// commitments. Revocation is terminal.
func (s *AgentService) Revoke(ctx context.Context, agentID string) error {
	agent, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateStatus(ctx, agentID, model.AgentStatusRevoked); err != nil {
		return err
	}

	var revoked int64
	if s.commitments != nil {
		revoked, err = s.commitments.RevokeAllForAgent(ctx, agentID)
		if err != nil {
			s.logger.Error("revoke commitments cascade", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err := s.repo.ClearCommitmentRef(ctx, agentID); err != nil {
			s.logger.Warn("clear commitment ref", zap.Error(err))
		}
	}

	s.logger.Info("agent revoked",
		zap.String("agent_id", agentID),
		zap.Int64("commitments_revoked", revoked),
	)

	s.appendLedger(ctx, agentID, audit.ActionAgentRevoked, audit.SystemActor, map[string]any{
		"agent_id":            agentID,
		"previous_status":     agent.Status,
		"commitments_revoked": revoked,
	})
	s.dispatch(agentID, webhooks.EventAgentRevoked, map[string]any{
		"agent_id":            agentID,
		"commitments_revoked": revoked,
	})
	return nil
}

// Delete permanently removes an agent and its dependents.
func (s *AgentService) Delete(ctx context.Context, agentID string) error {
	if s.commitments != nil {
		if _, err := s.commitments.RevokeAllForAgent(ctx, agentID); err != nil {
			s.logger.Warn("revoke commitments before delete", zap.Error(err))
		}
	}
	return s.repo.Delete(ctx, agentID)
}

// VerificationLogs returns the agent's credential verification history.
func (s *AgentService) VerificationLogs(ctx context.Context, agentID string, limit, offset int) ([]*model.VerificationLog, error) {
	return s.repo.ListVerificationLogs(ctx, agentID, limit, offset)
}

// HashAPIKey returns the lowercase hex SHA-256 digest stored for an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// generateAgentID produces a unique, sortable Base32 agent identifier.
func generateAgentID() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	ts := time.Now().UnixMilli()
	tsBuf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		tsBuf[i] = byte(ts & 0xff)
		ts >>= 8
	}
	combined := append(tsBuf, buf...)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(combined)
	return "agt_" + strings.ToLower(encoded), nil
}

// generateAPIKey produces the plaintext API key: a printable prefix over 32
// random bytes.
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "avk_" + hex.EncodeToString(buf), nil
}
