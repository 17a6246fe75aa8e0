package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/fleet-service/internal/models"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Create creates a new fleet event entry
func (r *EventRepository) Create(ctx context.Context, e *models.FleetEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO fleet_events (id, subject, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Subject, e.Action, e.Status, e.Message, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert fleet event: %w", err)
	}

	return nil
}

// ListBySubject retrieves the latest events for a subject
func (r *EventRepository) ListBySubject(ctx context.Context, subject string, limit int) ([]*models.FleetEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, subject, action, status, message, metadata, created_at
		FROM fleet_events
		WHERE subject = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query fleet events: %w", err)
	}
	defer rows.Close()

	var events []*models.FleetEvent
	for rows.Next() {
		e := &models.FleetEvent{}
		err := rows.Scan(&e.ID, &e.Subject, &e.Action, &e.Status, &e.Message, &e.Metadata, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan fleet event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// Record is a helper to log an event with optional metadata
func (r *EventRepository) Record(ctx context.Context, subject, action, status, message string, metadata map[string]interface{}) error {
	return r.Create(ctx, &models.FleetEvent{
		Subject:  subject,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	})
}
