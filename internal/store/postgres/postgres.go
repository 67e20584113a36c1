// Package postgres implements the store boundary on PostgreSQL via pgx.
//
// Compare-and-set is a guarded UPDATE on the round's status column; the
// change feed rides LISTEN/NOTIFY, with pg_notify issued inside the same
// transaction as each write so subscribers never observe a notification
// for a write that rolled back.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
	"github.com/wheelpot/wheelpot/internal/store"
)

const notifyChannel = "wheel_changes"

type Store struct {
	pool     *pgxpool.Pool
	listener *listener
}

func NewStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.listener = newListener(pool)
	return s
}

// Start begins the LISTEN/NOTIFY dispatch loop. Blocks until ctx is done.
func (s *Store) Start(ctx context.Context) error {
	return s.listener.run(ctx)
}

func (s *Store) FetchCurrentOpenRound(ctx context.Context) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id FROM rounds WHERE status = 'OPEN' ORDER BY sequence_number DESC LIMIT 1`)
	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch open round: %w", err)
	}
	return s.GetRound(ctx, id)
}

func (s *Store) FetchLatestRound(ctx context.Context) (*models.Round, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id FROM rounds ORDER BY sequence_number DESC LIMIT 1`)
	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch latest round: %w", err)
	}
	return s.GetRound(ctx, id)
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	r := &models.Round{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, sequence_number, status, countdown_deadline, winner_id,
		       winner_probability, total_pot_value, created_at, settled_at
		FROM rounds WHERE id = $1`, id).Scan(
		&r.ID, &r.SequenceNumber, &r.Status, &r.CountdownDeadline, &r.WinnerID,
		&r.WinnerProbability, &r.TotalPotValue, &r.CreatedAt, &r.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("round %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, display_name, avatar_ref, stake_balance,
		       stake_items, joined_at, assigned_color
		FROM participants WHERE round_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Participant
		var items []byte
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.DisplayName, &p.AvatarRef,
			&p.StakeBalance, &items, &p.JoinedAt, &p.AssignedColor); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &p.StakeItems); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stake items: %w", err)
			}
		}
		r.Participants = append(r.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	return r, nil
}

func (s *Store) CreateRound(ctx context.Context, sequenceNumber int64) (*models.Round, error) {
	r := &models.Round{
		ID:             uuid.New(),
		SequenceNumber: sequenceNumber,
		Status:         models.RoundStatusOpen,
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO rounds (id, sequence_number, status)
			VALUES ($1, $2, 'OPEN')
			RETURNING created_at`, r.ID, sequenceNumber).Scan(&r.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("round already open or sequence taken: %w", store.ErrConflict)
			}
			return fmt.Errorf("failed to insert round: %w", err)
		}
		return s.notify(ctx, tx, store.ChangeEvent{
			Type: store.ChangeInsert, Table: store.TableRounds, RoundID: r.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) JoinRound(ctx context.Context, roundID uuid.UUID, p models.Participant) (*models.Participant, error) {
	stored := p.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var status models.RoundStatus
		var count int
		var hasDeadline bool
		err := tx.QueryRow(ctx, `
			SELECT r.status,
			       (SELECT count(*) FROM participants WHERE round_id = r.id),
			       r.countdown_deadline IS NOT NULL
			FROM rounds r WHERE r.id = $1
			FOR UPDATE`, roundID).Scan(&status, &count, &hasDeadline)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to lock round row: %w", err)
		}
		if status != models.RoundStatusOpen {
			return fmt.Errorf("round is %s: %w", status, store.ErrValidation)
		}
		if count >= round.MaxParticipants {
			return fmt.Errorf("round is full: %w", store.ErrValidation)
		}

		items, err := json.Marshal(stored.StakeItems)
		if err != nil {
			return fmt.Errorf("failed to marshal stake items: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO participants
				(id, round_id, external_id, display_name, avatar_ref,
				 stake_balance, stake_items, assigned_color, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING joined_at`,
			stored.ID, roundID, stored.ExternalID, stored.DisplayName,
			stored.AvatarRef, stored.StakeBalance, items, stored.AssignedColor,
			count).Scan(&stored.JoinedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("player %s already joined: %w", stored.ExternalID, store.ErrConflict)
			}
			return fmt.Errorf("failed to insert participant: %w", err)
		}

		// Second player arms the countdown; it never moves once set.
		if count+1 >= 2 && !hasDeadline {
			if _, err := tx.Exec(ctx, `
				UPDATE rounds
				SET countdown_deadline = now() + make_interval(secs => $2)
				WHERE id = $1 AND countdown_deadline IS NULL`,
				roundID, round.CountdownDuration.Seconds()); err != nil {
				return fmt.Errorf("failed to arm countdown: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE rounds SET total_pot_value = (
				SELECT coalesce(sum(stake_balance + item_value), 0)
				FROM participants p,
				LATERAL (
					SELECT coalesce(sum((i->>'unit_value')::float8), 0) AS item_value
					FROM jsonb_array_elements(coalesce(p.stake_items, '[]'::jsonb)) i
				) iv
				WHERE p.round_id = $1
			) WHERE id = $1`, roundID); err != nil {
			return fmt.Errorf("failed to update pot value: %w", err)
		}

		return s.notify(ctx, tx, store.ChangeEvent{
			Type: store.ChangeInsert, Table: store.TableParticipants, RoundID: roundID,
		})
	})
	if err != nil {
		return nil, err
	}
	out := stored.Clone()
	return &out, nil
}

func (s *Store) CompareAndSetRoundStatus(ctx context.Context, roundID uuid.UUID, expected, next models.RoundStatus, settlement *store.Settlement) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var tag pgconn.CommandTag
		var err error
		if next == models.RoundStatusSettled && settlement != nil {
			tag, err = tx.Exec(ctx, `
				UPDATE rounds
				SET status = $3, winner_id = $4, winner_probability = $5,
				    total_pot_value = $6, settled_at = $7
				WHERE id = $1 AND status = $2`,
				roundID, expected, next, settlement.WinnerID,
				settlement.WinnerProbability, settlement.TotalPotValue,
				settlement.SettledAt)
		} else {
			tag, err = tx.Exec(ctx, `
				UPDATE rounds SET status = $3 WHERE id = $1 AND status = $2`,
				roundID, expected, next)
		}
		if err != nil {
			return fmt.Errorf("failed to compare-and-set status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM rounds WHERE id = $1)`, roundID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check round existence: %w", err)
			}
			if !exists {
				return fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
			}
			return fmt.Errorf("status no longer %s: %w", expected, store.ErrConflict)
		}

		return s.notify(ctx, tx, store.ChangeEvent{
			Type: store.ChangeUpdate, Table: store.TableRounds, RoundID: roundID,
		})
	})
}

func (s *Store) ClearCountdown(ctx context.Context, roundID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Guarded store-side: a racing second join keeps the deadline.
		tag, err := tx.Exec(ctx, `
			UPDATE rounds SET countdown_deadline = NULL
			WHERE id = $1 AND status = 'OPEN'
			  AND countdown_deadline IS NOT NULL
			  AND (SELECT count(*) FROM participants WHERE round_id = $1) < 2`,
			roundID)
		if err != nil {
			return fmt.Errorf("failed to clear countdown: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.notify(ctx, tx, store.ChangeEvent{
			Type: store.ChangeUpdate, Table: store.TableRounds, RoundID: roundID,
		})
	})
}

func (s *Store) AppendLogEntry(ctx context.Context, entry models.EventLogEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO round_log (id, round_id, participant_id, kind, message, at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.RoundID, entry.ParticipantID, entry.Kind,
			entry.Message, entry.At); err != nil {
			return fmt.Errorf("failed to append log entry: %w", err)
		}
		return s.notify(ctx, tx, store.ChangeEvent{
			Type: store.ChangeInsert, Table: store.TableRoundLog, RoundID: entry.RoundID,
		})
	})
}

func (s *Store) WriteHistoryRecord(ctx context.Context, rec models.HistoryRecord) error {
	snapshot, err := json.Marshal(rec.ParticipantsSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal participants snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO round_history
			(round_id, sequence_number, settled_at, participants,
			 winner_id, winner_probability, total_pot_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (round_id) DO NOTHING`,
		rec.RoundID, rec.SequenceNumber, rec.SettledAt, snapshot,
		rec.WinnerID, rec.WinnerProbability, rec.TotalPotValue); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, filter store.Filter) (store.Subscription, error) {
	return s.listener.subscribe(filter), nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit(ctx)
}

// notify emits the change event inside the writing transaction.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, ev store.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
