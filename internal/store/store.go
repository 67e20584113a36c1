// Package store defines the boundary with the durable shared store. The
// store is the sole arbiter of truth for round state: a transition is only
// real once its write lands, and concurrent lock attempts are resolved by
// compare-and-set on the round status.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wheelpot/wheelpot/internal/models"
)

var (
	// ErrNotFound is returned when the referenced round does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set write loses its race
	// or a join violates a uniqueness constraint. Never retried; the
	// caller reconciles to the winner's state instead.
	ErrConflict = errors.New("conflicting write")

	// ErrValidation is returned for writes rejected by store-side checks
	// (full round, closed round, duplicate player).
	ErrValidation = errors.New("validation failed")
)

// ChangeType mirrors the row-level change feed event types.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Table names the row families covered by the change feed.
type Table string

const (
	TableRounds       Table = "rounds"
	TableParticipants Table = "participants"
	TableRoundLog     Table = "round_log"
)

// ChangeEvent is one row-level change notification. Consumers re-fetch the
// affected round rather than trusting any payload carried here.
type ChangeEvent struct {
	Type    ChangeType `json:"type"`
	Table   Table      `json:"table"`
	RoundID uuid.UUID  `json:"round_id"`
}

// Filter scopes a subscription: all OPEN rounds globally, or one specific
// round's row plus its participant and log child rows.
type Filter struct {
	Table   Table
	RoundID *uuid.UUID // nil means the global OPEN-rounds scope
}

// Subscription delivers change events in the order the store emits them
// for a given round.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close()
}

// Settlement carries the extra fields written alongside the final CAS into
// SETTLED.
type Settlement struct {
	WinnerID          *uuid.UUID
	WinnerProbability *float64
	TotalPotValue     float64
	SettledAt         time.Time
}

// Store is the durable storage and notification boundary.
type Store interface {
	// FetchCurrentOpenRound returns the single OPEN round, or ErrNotFound.
	// A round that is LOCKED, DRAWING, or SETTLED does not match.
	FetchCurrentOpenRound(ctx context.Context) (*models.Round, error)

	// FetchLatestRound returns the highest-sequence round regardless of
	// status, or ErrNotFound when no round was ever created. Lets a client
	// starting mid-lifecycle adopt the in-flight round instead of opening
	// a new one.
	FetchLatestRound(ctx context.Context) (*models.Round, error)

	// GetRound fetches one round with its participants.
	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)

	// CreateRound opens a new round with the given sequence number.
	// Fails with ErrConflict if an OPEN round already exists or the
	// sequence number is already taken.
	CreateRound(ctx context.Context, sequenceNumber int64) (*models.Round, error)

	// JoinRound appends a participant to an OPEN round, arming the
	// countdown deadline when the second player lands. Returns the stored
	// participant.
	JoinRound(ctx context.Context, roundID uuid.UUID, p models.Participant) (*models.Participant, error)

	// CompareAndSetRoundStatus transitions a round's status only if its
	// current status still equals expected. Returns ErrConflict when the
	// race was lost. settlement is only consulted for the SETTLED write.
	CompareAndSetRoundStatus(ctx context.Context, roundID uuid.UUID, expected, next models.RoundStatus, settlement *Settlement) error

	// ClearCountdown drops a deadline that expired with fewer than two
	// players. Guarded store-side so a concurrent second join wins.
	ClearCountdown(ctx context.Context, roundID uuid.UUID) error

	// AppendLogEntry appends to the round's immutable event log.
	AppendLogEntry(ctx context.Context, entry models.EventLogEntry) error

	// WriteHistoryRecord persists the once-per-round settled snapshot.
	WriteHistoryRecord(ctx context.Context, rec models.HistoryRecord) error

	// Subscribe opens a change-event stream for the filter's scope.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}
