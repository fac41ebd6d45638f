package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a webhook endpoint is not found.
var ErrNotFound = errors.New("webhook endpoint not found")

// Repository provides persistence for webhook endpoints and deliveries.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new webhook Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new webhook endpoint.
func (r *Repository) Create(ctx context.Context, ep *Endpoint) error {
	ep.ID = uuid.New()
	ep.CreatedAt = time.Now().UTC()
	ep.IsActive = true

	query := `INSERT INTO webhook_endpoints (id, agent_id, url, events, secret, is_active, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		ep.ID, ep.AgentID, ep.URL, ep.Events, ep.Secret, ep.IsActive, ep.CreatedAt,
	)
	return err
}

// GetByID retrieves an endpoint by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	query := `SELECT id, agent_id, url, events, secret, is_active, created_at
	          FROM webhook_endpoints WHERE id = $1`
	rows, err := r.db.Query(ctx, query, id)
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
	return scanEndpoint(rows)
}

// ListByAgent returns all endpoints owned by an agent, newest first.
func (r *Repository) ListByAgent(ctx context.Context, agentID string) ([]*Endpoint, error) {
	query := `SELECT id, agent_id, url, events, secret, is_active, created_at
	          FROM webhook_endpoints WHERE agent_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, agentID)
}

// ListActiveForEvent returns the agent's active endpoints subscribed to the
// event, either by name or via the wildcard.
func (r *Repository) ListActiveForEvent(ctx context.Context, agentID, event string) ([]*Endpoint, error) {
	query := `SELECT id, agent_id, url, events, secret, is_active, created_at
	          FROM webhook_endpoints
	          WHERE agent_id = $1 AND is_active = true
	            AND ($2 = ANY(events) OR '*' = ANY(events))
	          ORDER BY created_at`
	return r.list(ctx, query, agentID, event)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Endpoint, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// Delete removes an endpoint owned by the given agent.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID, agentID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_endpoints WHERE id = $1 AND agent_id = $2`, id, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSecret replaces an endpoint's signing secret.
func (r *Repository) UpdateSecret(ctx context.Context, id uuid.UUID, agentID, secret string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_endpoints SET secret = $3 WHERE id = $1 AND agent_id = $2`,
		id, agentID, secret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Toggle flips an endpoint's active flag and returns the new state.
func (r *Repository) Toggle(ctx context.Context, id uuid.UUID, agentID string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx,
		`UPDATE webhook_endpoints SET is_active = NOT is_active
		 WHERE id = $1 AND agent_id = $2
		 RETURNING is_active`,
		id, agentID,
	).Scan(&active)
	if err != nil {
		return false, ErrNotFound
	}
	return active, nil
}

// RecordDelivery appends a delivery attempt to the audit table.
func (r *Repository) RecordDelivery(ctx context.Context, d *Delivery) error {
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()

	query := `INSERT INTO webhook_deliveries
	          (id, endpoint_id, agent_id, event, url, status_code, attempt, success, duration_ms, error_message, delivered_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.Exec(ctx, query,
		d.ID, d.EndpointID, d.AgentID, d.Event, d.URL,
		d.StatusCode, d.Attempt, d.Success, d.DurationMs, d.ErrorMessage, d.DeliveredAt,
	)
	return err
}

// ListDeliveries returns delivery attempts for an endpoint, newest first.
func (r *Repository) ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, endpoint_id, agent_id, event, url, status_code, attempt, success, duration_ms, error_message, delivered_at
	          FROM webhook_deliveries
	          WHERE endpoint_id = $1
	          ORDER BY delivered_at DESC
	          LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, endpointID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ds []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(
			&d.ID, &d.EndpointID, &d.AgentID, &d.Event, &d.URL,
			&d.StatusCode, &d.Attempt, &d.Success, &d.DurationMs, &d.ErrorMessage, &d.DeliveredAt,
		); err != nil {
			return nil, err
		}
		ds = append(ds, &d)
	}
	return ds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	var ep Endpoint
	if err := row.Scan(&ep.ID, &ep.AgentID, &ep.URL, &ep.Events, &ep.Secret, &ep.IsActive, &ep.CreatedAt); err != nil {
		return nil, err
	}
	return &ep, nil
}
