// Package events holds the payload types shared between the coordinator,
// outbox, and gateway packages.
package events

import (
	"time"
)

// Event type names carried on outbox rows and bus subjects.
const (
	TypeRoundOpened  = "RoundOpened"
	TypePlayerJoined = "PlayerJoined"
	TypeRoundLocked  = "RoundLocked"
	TypeRoundSettled = "RoundSettled"
)

// RoundOpenedPayload announces a fresh OPEN round.
type RoundOpenedPayload struct {
	RoundID        string    `json:"round_id"`
	SequenceNumber int64     `json:"sequence_number"`
	OpenedAt       time.Time `json:"opened_at"`
}

// PlayerJoinedPayload announces a participant entering the round.
type PlayerJoinedPayload struct {
	RoundID           string     `json:"round_id"`
	ParticipantID     string     `json:"participant_id"`
	DisplayName       string     `json:"display_name"`
	TotalWeight       float64    `json:"total_weight"`
	TotalPotValue     float64    `json:"total_pot_value"`
	ParticipantCount  int        `json:"participant_count"`
	CountdownDeadline *time.Time `json:"countdown_deadline,omitempty"`
	JoinedAt          time.Time  `json:"joined_at"`
}

// RoundLockedPayload announces the OPEN -> LOCKED transition.
type RoundLockedPayload struct {
	RoundID          string    `json:"round_id"`
	SequenceNumber   int64     `json:"sequence_number"`
	ParticipantCount int       `json:"participant_count"`
	LockedAt         time.Time `json:"locked_at"`
}

// RoundSettledPayload announces the winner. WinnerID is empty on a
// force-settled round with no winner.
type RoundSettledPayload struct {
	RoundID           string    `json:"round_id"`
	SequenceNumber    int64     `json:"sequence_number"`
	WinnerID          string    `json:"winner_id,omitempty"`
	WinnerName        string    `json:"winner_name,omitempty"`
	WinnerProbability float64   `json:"winner_probability,omitempty"`
	TotalPotValue     float64   `json:"total_pot_value"`
	SettledAt         time.Time `json:"settled_at"`
}
