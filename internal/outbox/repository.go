package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// Repository persists outbox rows. It runs on database/sql so the worker
// can claim batches with row locking inside its own transactions.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, roundID uuid.UUID, eventType string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("event payload cannot be empty")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO round_outbox (id, round_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), roundID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return nil
}

// FetchUnsentTx claims a batch of unsent events inside tx. SKIP LOCKED
// keeps concurrent workers from double-claiming.
func (r *Repository) FetchUnsentTx(ctx context.Context, tx *sql.Tx, limit int32) ([]Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, round_id, event_type, payload, created_at
		FROM round_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload pqtype.NullRawMessage
		if err := rows.Scan(&ev.ID, &ev.RoundID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if payload.Valid {
			ev.Payload = payload.RawMessage
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}
	return events, nil
}

// MarkSentTx marks the given events as published inside tx.
func (r *Repository) MarkSentTx(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE round_outbox SET sent_at = now() WHERE id = ANY($1)`,
		pq.Array(strs)); err != nil {
		return fmt.Errorf("failed to mark outbox events as sent: %w", err)
	}
	return nil
}
