package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface the webhook service depends on.
type Store interface {
	Create(ctx context.Context, ep *Endpoint) error
	GetByID(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Endpoint, error)
	ListActiveForEvent(ctx context.Context, agentID, event string) ([]*Endpoint, error)
	Delete(ctx context.Context, id uuid.UUID, agentID string) error
	UpdateSecret(ctx context.Context, id uuid.UUID, agentID, secret string) error
	Toggle(ctx context.Context, id uuid.UUID, agentID string) (bool, error)
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, error)
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// ValidationError marks client-correctable input problems.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

const (
	maxAttempts    = 4 // one initial attempt plus three retries
	attemptTimeout = 5 * time.Second
)

// Service manages webhook endpoints and event dispatching.
type Service struct {
	store         Store
	httpClient    *http.Client
	onMetrics     MetricsRecorder
	allowInsecure bool
	logger        *zap.Logger
	inflight      sync.WaitGroup
}

// NewService creates a new webhook Service. allowInsecure permits plain
// http:// endpoint URLs and exists for local development only.
func NewService(store Store, allowInsecure bool, logger *zap.Logger) *Service {
	return &Service{
		store:         store,
		httpClient:    &http.Client{Timeout: attemptTimeout},
		allowInsecure: allowInsecure,
		logger:        logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// CreateEndpoint registers a new endpoint for the agent and returns it with
// its freshly generated secret. The secret is not retrievable afterwards.
func (s *Service) CreateEndpoint(ctx context.Context, agentID string, req *CreateEndpointRequest) (*Endpoint, error) {
	if err := s.validateURL(req.URL); err != nil {
		return nil, err
	}
	for _, e := range req.Events {
		if !ValidEvent(e) {
			return nil, &ValidationError{Msg: fmt.Sprintf("unknown event %q", e)}
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	ep := &Endpoint{
		AgentID: agentID,
		URL:     req.URL,
		Events:  req.Events,
		Secret:  secret,
	}
	if err := s.store.Create(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints returns the agent's endpoints.
func (s *Service) ListEndpoints(ctx context.Context, agentID string) ([]*Endpoint, error) {
	return s.store.ListByAgent(ctx, agentID)
}

// DeleteEndpoint removes an endpoint owned by the agent.
func (s *Service) DeleteEndpoint(ctx context.Context, agentID string, id uuid.UUID) error {
	return s.store.Delete(ctx, id, agentID)
}

// RegenerateSecret rotates the endpoint's signing secret and returns the new
// value exactly once.
func (s *Service) RegenerateSecret(ctx context.Context, agentID string, id uuid.UUID) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := s.store.UpdateSecret(ctx, id, agentID, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// ToggleEndpoint flips the endpoint's active flag and returns the new state.
func (s *Service) ToggleEndpoint(ctx context.Context, agentID string, id uuid.UUID) (bool, error) {
	return s.store.Toggle(ctx, id, agentID)
}

// Deliveries returns the delivery log for an endpoint owned by the agent.
func (s *Service) Deliveries(ctx context.Context, agentID string, id uuid.UUID, limit, offset int) ([]*Delivery, error) {
	ep, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep.AgentID != agentID {
		return nil, ErrNotFound
	}
	return s.store.ListDeliveries(ctx, id, limit, offset)
}

// Dispatch fans out an event to the agent's matching active endpoints.
// Delivery runs on background goroutines detached from the caller's context,
// so a completed HTTP request never cancels an in-flight webhook.
func (s *Service) Dispatch(agentID, event string, data map[string]any) {
	eps, err := s.store.ListActiveForEvent(context.Background(), agentID, event)
	if err != nil {
		s.logger.Error("webhook: list endpoints", zap.String("event", event), zap.Error(err))
		return
	}
	if len(eps) == 0 {
		return
	}

	body, err := json.Marshal(Event{
		Event:     event,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Data:      data,
	})
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, ep := range eps {
		s.inflight.Add(1)
		go func(ep *Endpoint) {
			defer s.inflight.Done()
			s.deliver(context.Background(), ep, event, body)
		}(ep)
	}
}

// Drain blocks until all in-flight deliveries have finished. Called during
// graceful shutdown.
func (s *Service) Drain() {
	s.inflight.Wait()
}

// deliver sends the event to a single endpoint with retries. The signature
// covers the exact transmitted body bytes.
func (s *Service) deliver(ctx context.Context, ep *Endpoint, event string, body []byte) {
	signature := signPayload(body, ep.Secret)

	// Backoff before retries: 1s, 2s, 4s, plus jitter.
	delays := []time.Duration{0, 1 * time.Second, 2 * time.Second, 4 * time.Second}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delays[attempt-1] + jitter(500*time.Millisecond)):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		success, statusCode, errMsg := s.doDelivery(ctx, ep.URL, body, signature)
		elapsed := time.Since(start).Milliseconds()

		delivery := &Delivery{
			EndpointID:   ep.ID,
			AgentID:      ep.AgentID,
			Event:        event,
			URL:          ep.URL,
			StatusCode:   statusCode,
			Attempt:      attempt,
			Success:      success,
			DurationMs:   elapsed,
			ErrorMessage: errMsg,
		}
		if recordErr := s.store.RecordDelivery(ctx, delivery); recordErr != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
		}

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", event),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST with a per-attempt deadline.
func (s *Service) doDelivery(ctx context.Context, target string, body []byte, signature string) (bool, int, string) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

func (s *Service) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Msg: "invalid url: " + err.Error()}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if s.allowInsecure {
			return nil
		}
		return &ValidationError{Msg: "endpoint url must use https"}
	default:
		return &ValidationError{Msg: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
}

// signPayload computes an HMAC-SHA256 signature over the body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// jitter returns a random duration in [0, max) from a CSPRNG. Delivery
// scheduling does not need crypto randomness but crypto/rand is already a
// dependency here and avoids seeding concerns.
func jitter(max time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
