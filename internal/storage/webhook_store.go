package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
)

// WebhookStore persists inbound webhook receipts.
type WebhookStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewWebhookStore creates a webhook store on the given database.
func NewWebhookStore(db *sql.DB, logger *zap.Logger) *WebhookStore {
	return &WebhookStore{logger: logger.Named("webhook-store"), db: db}
}

// InsertReceipt writes the audit record of one inbound webhook.
func (s *WebhookStore) InsertReceipt(ctx context.Context, r *model.WebhookReceipt) error {
	var headers sql.NullString
	if len(r.Headers) > 0 {
		data, err := json.Marshal(r.Headers)
		if err != nil {
			return fmt.Errorf("failed to encode receipt headers: %w", err)
		}
		headers = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_receipts (
			id, marketplace, headers, payload, valid, reason, processing_result, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Marketplace,
		headers,
		r.Payload,
		boolToInt(r.Valid),
		sql.NullString{String: r.Reason, Valid: r.Reason != ""},
		sql.NullString{String: r.ProcessingResult, Valid: r.ProcessingResult != ""},
		r.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store webhook receipt: %w", err)
	}
	return nil
}

// ListReceipts returns receipts for a marketplace, most recent first.
func (s *WebhookStore) ListReceipts(ctx context.Context, marketplace model.Marketplace, limit int) ([]*model.WebhookReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, marketplace, headers, payload, valid, reason, processing_result, received_at
		FROM webhook_receipts WHERE marketplace = ?
		ORDER BY received_at DESC LIMIT ?`, marketplace, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*model.WebhookReceipt
	for rows.Next() {
		var r model.WebhookReceipt
		var headers, reason, result sql.NullString
		var valid int
		if err := rows.Scan(&r.ID, &r.Marketplace, &headers, &r.Payload,
			&valid, &reason, &result, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook receipt: %w", err)
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode receipt headers: %w", err)
			}
		}
		r.Valid = valid != 0
		if reason.Valid {
			r.Reason = reason.String
		}
		if result.Valid {
			r.ProcessingResult = result.String
		}
		receipts = append(receipts, &r)
	}
	return receipts, rows.Err()
}
