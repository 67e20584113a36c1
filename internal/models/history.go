package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is the immutable snapshot written once per settled round.
type HistoryRecord struct {
	RoundID              uuid.UUID     `json:"round_id"`
	SequenceNumber       int64         `json:"sequence_number"`
	SettledAt            time.Time     `json:"settled_at"`
	ParticipantsSnapshot []Participant `json:"participants_snapshot"`
	WinnerID             *uuid.UUID    `json:"winner_id,omitempty"`
	WinnerProbability    *float64      `json:"winner_probability,omitempty"`
	TotalPotValue        float64       `json:"total_pot_value"`
}
