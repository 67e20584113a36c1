package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the lifecycle status of a round.
type RoundStatus string

const (
	RoundStatusOpen    RoundStatus = "OPEN"
	RoundStatusLocked  RoundStatus = "LOCKED"
	RoundStatusDrawing RoundStatus = "DRAWING"
	RoundStatusSettled RoundStatus = "SETTLED"
)

// statusRank orders statuses so that observed transitions can be checked
// for monotonicity. A round never moves backward through this ordering.
var statusRank = map[RoundStatus]int{
	RoundStatusOpen:    0,
	RoundStatusLocked:  1,
	RoundStatusDrawing: 2,
	RoundStatusSettled: 3,
}

// Rank returns the position of the status in the forward-only lifecycle.
// Unknown statuses rank below OPEN so they never win a reconcile.
func (s RoundStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Round is one complete play cycle from opening for joins to paying out
// a winner. At most one round is OPEN at a time per game instance.
type Round struct {
	ID                uuid.UUID     `json:"id"`
	SequenceNumber    int64         `json:"sequence_number"`
	Status            RoundStatus   `json:"status"`
	Participants      []Participant `json:"participants"`
	CountdownDeadline *time.Time    `json:"countdown_deadline,omitempty"`
	WinnerID          *uuid.UUID    `json:"winner_id,omitempty"`
	WinnerProbability *float64      `json:"winner_probability,omitempty"`
	TotalPotValue     float64       `json:"total_pot_value"`
	CreatedAt         time.Time     `json:"created_at"`
	SettledAt         *time.Time    `json:"settled_at,omitempty"`
}

// ParticipantByID returns the participant with the given id, or nil.
func (r *Round) ParticipantByID(id uuid.UUID) *Participant {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return &r.Participants[i]
		}
	}
	return nil
}

// HasPlayer reports whether the external player identity already joined.
func (r *Round) HasPlayer(externalID string) bool {
	for i := range r.Participants {
		if r.Participants[i].ExternalID == externalID {
			return true
		}
	}
	return false
}

// Pot returns the sum of every participant's total weight.
func (r *Round) Pot() float64 {
	var total float64
	for i := range r.Participants {
		total += r.Participants[i].TotalWeight()
	}
	return total
}

// Clone returns a deep copy of the round. Reconciliation hands clones to
// the session controller so mirror state is never shared by reference.
func (r *Round) Clone() *Round {
	cp := *r
	cp.Participants = make([]Participant, len(r.Participants))
	for i := range r.Participants {
		cp.Participants[i] = r.Participants[i].Clone()
	}
	if r.CountdownDeadline != nil {
		t := *r.CountdownDeadline
		cp.CountdownDeadline = &t
	}
	if r.WinnerID != nil {
		id := *r.WinnerID
		cp.WinnerID = &id
	}
	if r.WinnerProbability != nil {
		p := *r.WinnerProbability
		cp.WinnerProbability = &p
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}
