package models

import (
	"time"

	"github.com/google/uuid"
)

// LogKind classifies an event log entry.
type LogKind string

const (
	LogKindJoin   LogKind = "JOIN"
	LogKindLock   LogKind = "LOCK"
	LogKindDraw   LogKind = "DRAW"
	LogKindSettle LogKind = "SETTLE"
	LogKindInfo   LogKind = "INFO"
)

// EventLogEntry is an append-only record of round activity, ordered by At.
// Entries are never mutated or deleted.
type EventLogEntry struct {
	ID            uuid.UUID  `json:"id"`
	RoundID       uuid.UUID  `json:"round_id"`
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	Kind          LogKind    `json:"kind"`
	Message       string     `json:"message"`
	At            time.Time  `json:"at"`
}
