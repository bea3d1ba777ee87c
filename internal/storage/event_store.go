package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

// EventStore persists the async event queue.
type EventStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewEventStore creates an event store on the given database.
func NewEventStore(db *sql.DB, logger *zap.Logger) *EventStore {
	return &EventStore{logger: logger.Named("event-store"), db: db}
}

// Enqueue persists an event for queued delivery.
func (s *EventStore) Enqueue(ctx context.Context, evt *model.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, name, payload, mode, priority, status, attempts, max_attempts,
			next_attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Name,
		sql.NullString{String: string(evt.Payload), Valid: len(evt.Payload) > 0},
		evt.Mode,
		evt.Priority,
		evt.Status,
		evt.Attempts,
		evt.MaxAttempts,
		evt.NextAttempt,
		evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// Claim selects up to limit due pending events, priority first and FIFO
// within a priority tier, and marks them delivering so that concurrent
// consumers never pick up the same event twice.
func (s *EventStore) Claim(ctx context.Context, limit int, now time.Time) ([]*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, payload, priority, attempts, max_attempts, created_at
		FROM events
		WHERE status = ? AND next_attempt <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		model.EventStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending events: %w", err)
	}

	var events []*model.Event
	for rows.Next() {
		evt := &model.Event{Mode: model.DeliveryAsync, Status: model.EventStatusDelivering}
		var payload sql.NullString
		if err := rows.Scan(&evt.ID, &evt.Name, &payload, &evt.Priority,
			&evt.Attempts, &evt.MaxAttempts, &evt.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if payload.Valid {
			evt.Payload = []byte(payload.String)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error during event iteration: %w", err)
	}
	rows.Close()

	for _, evt := range events {
		if _, err := tx.ExecContext(ctx,
			"UPDATE events SET status = ? WHERE id = ?",
			model.EventStatusDelivering, evt.ID); err != nil {
			return nil, fmt.Errorf("failed to claim event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return events, nil
}

// MarkDelivered records a fully delivered event.
func (s *EventStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = ?, delivered_at = ? WHERE id = ?",
		model.EventStatusDelivered, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	return nil
}

// Reschedule returns a failed event to the pending state with an updated
// attempt count and backoff deadline.
func (s *EventStore) Reschedule(ctx context.Context, id string, attempts int, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = ?, attempts = ?, next_attempt = ? WHERE id = ?",
		model.EventStatusPending, attempts, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule event: %w", err)
	}
	return nil
}

// DeadLetter parks an event after its retry budget is exhausted. Dead
// lettered events require operator intervention.
func (s *EventStore) DeadLetter(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET status = ?, attempts = ? WHERE id = ?",
		model.EventStatusDeadLetter, attempts, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter event: %w", err)
	}
	s.logger.Warn("Event moved to dead letter", zap.String("event_id", id), zap.Int("attempts", attempts))
	return nil
}

// PendingDepth returns the number of events waiting for delivery.
func (s *EventStore) PendingDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE status IN (?, ?)",
		model.EventStatusPending, model.EventStatusDelivering).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// DeadLetters lists parked events, oldest first.
func (s *EventStore) DeadLetters(ctx context.Context, limit int) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, payload, priority, attempts, max_attempts, created_at
		FROM events WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		model.EventStatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		evt := &model.Event{Mode: model.DeliveryAsync, Status: model.EventStatusDeadLetter}
		var payload sql.NullString
		if err := rows.Scan(&evt.ID, &evt.Name, &payload, &evt.Priority,
			&evt.Attempts, &evt.MaxAttempts, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if payload.Valid {
			evt.Payload = []byte(payload.String)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
