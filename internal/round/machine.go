// Package round owns the lifecycle of the single current round:
// OPEN -> LOCKED -> DRAWING -> SETTLED -> (new OPEN).
//
// The machine is purely in-memory and single-threaded; every caller
// serializes mutations through one event loop. Durability and the
// multi-client lock race live in the sync coordinator, which brackets
// these transitions with compare-and-set writes against the store.
package round

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/draw"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/stake"
)

const (
	// MaxParticipants caps joins per round.
	MaxParticipants = 15

	// CountdownDuration is armed when the second player joins and never
	// moves backward.
	CountdownDuration = 60 * time.Second

	// SettleCooldown is the winner display window before the next round.
	SettleCooldown = 3 * time.Second
)

// wheelPalette cycles through wedge colors in join order.
var wheelPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
}

// Machine drives one round at a time through its lifecycle.
type Machine struct {
	clock   clockwork.Clock
	current *models.Round
	ledger  *stake.Ledger
	pending []models.EventLogEntry
}

func NewMachine(clock clockwork.Clock) *Machine {
	return &Machine{
		clock:  clock,
		ledger: stake.NewLedger(),
	}
}

// Round returns the current round, or nil before StartRound/Adopt.
func (m *Machine) Round() *models.Round {
	return m.current
}

// DrainLog returns and clears event log entries produced since the last
// drain. The coordinator persists these; local mode keeps them in memory.
func (m *Machine) DrainLog() []models.EventLogEntry {
	entries := m.pending
	m.pending = nil
	return entries
}

// StartRound opens a brand-new round with the given sequence number.
// Valid only when no round exists or the previous round settled.
func (m *Machine) StartRound(sequenceNumber int64) (*models.Round, error) {
	if m.current != nil && m.current.Status != models.RoundStatusSettled {
		return nil, fmt.Errorf("%w: cannot open round %d while round %d is %s",
			ErrInvalidTransition, sequenceNumber, m.current.SequenceNumber, m.current.Status)
	}

	m.current = &models.Round{
		ID:             uuid.New(),
		SequenceNumber: sequenceNumber,
		Status:         models.RoundStatusOpen,
		CreatedAt:      m.clock.Now(),
	}
	m.ledger.Reset()

	log.Info().
		Str("round_id", m.current.ID.String()).
		Int64("sequence", sequenceNumber).
		Msg("round opened")
	return m.current, nil
}

// Adopt replaces the machine's round with remote truth. Used by the
// coordinator when a reconciled remote round supersedes local state.
// Remote state older than local (by sequence, then status rank) is ignored.
func (m *Machine) Adopt(r *models.Round) bool {
	if r == nil {
		return false
	}
	if m.current != nil {
		if r.SequenceNumber < m.current.SequenceNumber {
			return false
		}
		if r.SequenceNumber == m.current.SequenceNumber &&
			r.Status.Rank() < m.current.Status.Rank() {
			return false
		}
	}
	m.current = r.Clone()
	m.ledger.Reset()
	for i := range m.current.Participants {
		p := &m.current.Participants[i]
		for _, item := range p.StakeItems {
			m.ledger.Track(p.ID, item.ItemID)
		}
	}
	return true
}

// Join enters a player into the current OPEN round with the given stake.
// Arms the countdown when the second player joins.
func (m *Machine) Join(identity models.Identity, balance float64, items []models.StakeItem) (*models.Participant, error) {
	if m.current == nil {
		return nil, ErrNoRound
	}
	if m.current.Status != models.RoundStatusOpen {
		return nil, fmt.Errorf("%w: round %d is %s", ErrRoundNotOpen, m.current.SequenceNumber, m.current.Status)
	}
	if len(m.current.Participants) >= MaxParticipants {
		return nil, fmt.Errorf("%w: %d participants", ErrRoundFull, len(m.current.Participants))
	}
	if m.current.HasPlayer(identity.ExternalID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, identity.ExternalID)
	}

	now := m.clock.Now()
	p := models.Participant{
		ID:            uuid.New(),
		ExternalID:    identity.ExternalID,
		DisplayName:   identity.DisplayName,
		AvatarRef:     identity.AvatarRef,
		JoinedAt:      now,
		AssignedColor: wheelPalette[len(m.current.Participants)%len(wheelPalette)],
	}
	if err := m.ledger.AddStake(&p, balance, items); err != nil {
		return nil, err
	}

	m.current.Participants = append(m.current.Participants, p)
	m.current.TotalPotValue = m.current.Pot()

	if len(m.current.Participants) >= 2 && m.current.CountdownDeadline == nil {
		deadline := now.Add(CountdownDuration)
		m.current.CountdownDeadline = &deadline
		log.Info().
			Str("round_id", m.current.ID.String()).
			Time("deadline", deadline).
			Msg("countdown armed")
	}

	m.appendLog(&p.ID, models.LogKindJoin,
		fmt.Sprintf("%s joined with %.2f", p.DisplayName, p.TotalWeight()))

	return m.current.ParticipantByID(p.ID), nil
}

// CountdownDue reports whether the armed deadline has passed with enough
// players to lock.
func (m *Machine) CountdownDue() bool {
	if m.current == nil || m.current.Status != models.RoundStatusOpen {
		return false
	}
	if m.current.CountdownDeadline == nil || len(m.current.Participants) < 2 {
		return false
	}
	return !m.clock.Now().Before(*m.current.CountdownDeadline)
}

// ClearStalledCountdown drops a deadline that expired with fewer than two
// players; the round stays OPEN and the timer re-arms on the next join.
func (m *Machine) ClearStalledCountdown() bool {
	if m.current == nil || m.current.Status != models.RoundStatusOpen {
		return false
	}
	if m.current.CountdownDeadline == nil || len(m.current.Participants) >= 2 {
		return false
	}
	if m.clock.Now().Before(*m.current.CountdownDeadline) {
		return false
	}
	m.current.CountdownDeadline = nil
	log.Info().Str("round_id", m.current.ID.String()).Msg("countdown cleared, waiting for players")
	return true
}

// Lock transitions OPEN -> LOCKED. The caller must already hold the CAS
// win on the store; the machine only enforces local validity.
func (m *Machine) Lock() error {
	if m.current == nil {
		return ErrNoRound
	}
	if m.current.Status != models.RoundStatusOpen {
		return fmt.Errorf("%w: lock from %s", ErrInvalidTransition, m.current.Status)
	}
	if len(m.current.Participants) < 2 {
		return fmt.Errorf("%w: lock with %d participants", ErrInvalidTransition, len(m.current.Participants))
	}

	m.current.Status = models.RoundStatusLocked
	m.appendLog(nil, models.LogKindLock,
		fmt.Sprintf("round %d locked with %d players", m.current.SequenceNumber, len(m.current.Participants)))
	return nil
}

// Settle performs LOCKED -> DRAWING -> SETTLED as one unit: snapshot the
// pool in join order, run the draw, record the winner, and emit the
// history record. On an empty pool the round force-settles with no winner
// and an INFO entry for operator inspection.
func (m *Machine) Settle(rng draw.RNG) (*models.HistoryRecord, error) {
	if m.current == nil {
		return nil, ErrNoRound
	}
	if m.current.Status != models.RoundStatusLocked {
		return nil, fmt.Errorf("%w: settle from %s", ErrInvalidTransition, m.current.Status)
	}

	m.current.Status = models.RoundStatusDrawing

	pool := make([]draw.Entry, 0, len(m.current.Participants))
	for i := range m.current.Participants {
		p := &m.current.Participants[i]
		pool = append(pool, draw.Entry{ParticipantID: p.ID, Weight: p.TotalWeight()})
	}

	now := m.clock.Now()
	m.current.TotalPotValue = m.current.Pot()

	result, err := draw.Draw(pool, rng)
	if err != nil {
		// Force-settle with no winner and flag for operators.
		m.current.Status = models.RoundStatusSettled
		m.current.SettledAt = &now
		m.appendLog(nil, models.LogKindInfo,
			fmt.Sprintf("round %d force-settled with no winner: %v", m.current.SequenceNumber, err))
		log.Error().
			Err(err).
			Str("round_id", m.current.ID.String()).
			Msg("draw failed, round force-settled")
		return m.historyRecord(now), fmt.Errorf("%w: %v", ErrDrawFailed, err)
	}

	m.appendLog(&result.WinnerID, models.LogKindDraw,
		fmt.Sprintf("draw selected %s at %.4f", result.WinnerID, result.Probability))

	m.current.Status = models.RoundStatusSettled
	m.current.WinnerID = &result.WinnerID
	m.current.WinnerProbability = &result.Probability
	m.current.SettledAt = &now

	winner := m.current.ParticipantByID(result.WinnerID)
	m.appendLog(&result.WinnerID, models.LogKindSettle,
		fmt.Sprintf("%s won %.2f (%.1f%%)", winner.DisplayName, m.current.TotalPotValue, result.Probability*100))

	log.Info().
		Str("round_id", m.current.ID.String()).
		Str("winner_id", result.WinnerID.String()).
		Float64("probability", result.Probability).
		Float64("pot", m.current.TotalPotValue).
		Msg("round settled")

	return m.historyRecord(now), nil
}

// NextRound opens the successor round after settlement.
func (m *Machine) NextRound() (*models.Round, error) {
	if m.current == nil {
		return nil, ErrNoRound
	}
	if m.current.Status != models.RoundStatusSettled {
		return nil, fmt.Errorf("%w: next round from %s", ErrInvalidTransition, m.current.Status)
	}
	return m.StartRound(m.current.SequenceNumber + 1)
}

func (m *Machine) historyRecord(settledAt time.Time) *models.HistoryRecord {
	snapshot := make([]models.Participant, len(m.current.Participants))
	for i := range m.current.Participants {
		snapshot[i] = m.current.Participants[i].Clone()
	}
	return &models.HistoryRecord{
		RoundID:              m.current.ID,
		SequenceNumber:       m.current.SequenceNumber,
		SettledAt:            settledAt,
		ParticipantsSnapshot: snapshot,
		WinnerID:             m.current.WinnerID,
		WinnerProbability:    m.current.WinnerProbability,
		TotalPotValue:        m.current.TotalPotValue,
	}
}

func (m *Machine) appendLog(participantID *uuid.UUID, kind models.LogKind, message string) {
	m.pending = append(m.pending, models.EventLogEntry{
		ID:            uuid.New(),
		RoundID:       m.current.ID,
		ParticipantID: participantID,
		Kind:          kind,
		Message:       message,
		At:            m.clock.Now(),
	})
}
