// Package session drives one client's view of the current round. Timer
// ticks, change notifications, and user actions are all serialized
// through a single event loop, so there is exactly one synchronous
// decision point per client and no callback interleaving.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/coordinator"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
)

// Phase is the client-local presentation state machine.
type Phase string

const (
	PhaseIdle              Phase = "IDLE"
	PhaseWaitingForPlayers Phase = "WAITING_FOR_PLAYERS"
	PhaseCountdown         Phase = "COUNTDOWN"
	PhaseSpinning          Phase = "SPINNING"
	PhaseWinnerShown       Phase = "WINNER_SHOWN"
)

// tickInterval paces countdown evaluation. The deadline itself is store
// data; the tick only decides when to look at it.
const tickInterval = 250 * time.Millisecond

// WinnerAnnouncement is surfaced exactly once per settled round.
type WinnerAnnouncement struct {
	SequenceNumber int64
	WinnerID       uuid.UUID
	DisplayName    string
	Probability    float64
	Pot            float64
}

// Controller orchestrates one client session.
type Controller struct {
	coord    *coordinator.Coordinator
	clock    clockwork.Clock
	identity models.Identity

	mirror *models.Round
	phase  Phase

	// Per-round monotonic latches. Comparing against the sequence number
	// keeps a zero-crossing observed on several ticks from triggering the
	// draw twice, and repeated settle notifications from re-announcing.
	triggeredSeq int64
	announcedSeq int64

	cooldownUntil time.Time

	actions chan func(context.Context)
	winners chan WinnerAnnouncement
	proj    chan chan Projection
}

func NewController(coord *coordinator.Coordinator, clock clockwork.Clock, identity models.Identity) *Controller {
	return &Controller{
		coord:    coord,
		clock:    clock,
		identity: identity,
		phase:    PhaseIdle,
		actions:  make(chan func(context.Context), 16),
		winners:  make(chan WinnerAnnouncement, 4),
		proj:     make(chan chan Projection),
	}
}

// Winners delivers each settled round's announcement once.
func (s *Controller) Winners() <-chan WinnerAnnouncement {
	return s.winners
}

// Run is the session event loop. It owns all controller state; nothing
// outside the loop touches the mirror.
func (s *Controller) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-s.coord.Updates():
			s.apply(r)
		case act := <-s.actions:
			act(ctx)
		case replyCh := <-s.proj:
			replyCh <- s.projection()
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// apply reconciles a coordinator snapshot into the local display state.
// Remote wins over whatever the mirror held.
func (s *Controller) apply(r *models.Round) {
	if s.mirror != nil {
		if r.SequenceNumber < s.mirror.SequenceNumber {
			// Stale notification for an older round.
			return
		}
		if r.SequenceNumber == s.mirror.SequenceNumber &&
			r.Status.Rank() < s.mirror.Status.Rank() {
			return
		}
	}
	s.mirror = r
	s.derivePhase()

	if r.Status == models.RoundStatusSettled && r.WinnerID != nil && s.announcedSeq < r.SequenceNumber {
		s.announcedSeq = r.SequenceNumber
		ann := WinnerAnnouncement{
			SequenceNumber: r.SequenceNumber,
			WinnerID:       *r.WinnerID,
			Pot:            r.TotalPotValue,
		}
		if r.WinnerProbability != nil {
			ann.Probability = *r.WinnerProbability
		}
		if w := r.ParticipantByID(*r.WinnerID); w != nil {
			ann.DisplayName = w.DisplayName
		}
		select {
		case s.winners <- ann:
		default:
			log.Warn().Int64("sequence", r.SequenceNumber).Msg("winner channel full, dropping announcement")
		}
	}
}

func (s *Controller) derivePhase() {
	prev := s.phase
	switch s.mirror.Status {
	case models.RoundStatusOpen:
		if len(s.mirror.Participants) >= 2 && s.mirror.CountdownDeadline != nil {
			s.phase = PhaseCountdown
		} else {
			s.phase = PhaseWaitingForPlayers
		}
	case models.RoundStatusLocked, models.RoundStatusDrawing:
		s.phase = PhaseSpinning
	case models.RoundStatusSettled:
		s.phase = PhaseWinnerShown
		if prev != PhaseWinnerShown {
			s.cooldownUntil = s.clock.Now().Add(round.SettleCooldown)
		}
	}
	if prev != s.phase {
		log.Debug().
			Str("from", string(prev)).
			Str("to", string(s.phase)).
			Int64("sequence", s.mirror.SequenceNumber).
			Msg("session phase changed")
	}
}

// tick evaluates deadlines. Every branch is idempotent across repeated
// observations of the same instant.
func (s *Controller) tick(ctx context.Context) {
	if s.mirror == nil {
		return
	}
	now := s.clock.Now()

	switch s.phase {
	case PhaseCountdown:
		deadline := s.mirror.CountdownDeadline
		if deadline == nil || now.Before(*deadline) {
			return
		}
		if s.triggeredSeq >= s.mirror.SequenceNumber {
			return
		}
		s.triggeredSeq = s.mirror.SequenceNumber
		if err := s.coord.TriggerLockAndSettle(ctx); err != nil {
			log.Error().Err(err).Int64("sequence", s.mirror.SequenceNumber).Msg("lock and settle failed")
		}
		s.syncFromCoordinator()

	case PhaseWaitingForPlayers:
		if s.mirror.CountdownDeadline != nil && !now.Before(*s.mirror.CountdownDeadline) {
			if err := s.coord.ClearStalledCountdown(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to clear stalled countdown")
			}
			s.syncFromCoordinator()
		}

	case PhaseWinnerShown:
		if now.Before(s.cooldownUntil) {
			return
		}
		if err := s.coord.NextRound(ctx); err != nil {
			log.Error().Err(err).Msg("failed to open next round")
			return
		}
		s.syncFromCoordinator()
	}
}

// syncFromCoordinator pulls the latest snapshot directly after an action
// the loop itself initiated, so phase changes land this tick rather than
// waiting on the updates channel.
func (s *Controller) syncFromCoordinator() {
	if r := s.coord.Round(); r != nil {
		s.apply(r)
	}
}

// Join enters this session's player into the round. Runs on the event
// loop; the caller blocks until the loop has processed it.
func (s *Controller) Join(ctx context.Context, balance float64, items []models.StakeItem) (*models.Participant, error) {
	type result struct {
		p   *models.Participant
		err error
	}
	resCh := make(chan result, 1)
	select {
	case s.actions <- func(actx context.Context) {
		p, err := s.coord.Join(actx, s.identity, balance, items)
		s.syncFromCoordinator()
		resCh <- result{p: p, err: err}
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resCh:
		return res.p, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestManualRefresh re-pulls remote truth.
func (s *Controller) RequestManualRefresh(ctx context.Context) error {
	return s.enqueue(ctx, func(actx context.Context) error {
		err := s.coord.Refresh(actx)
		s.syncFromCoordinator()
		return err
	})
}

// AcknowledgeWinner marks the current announcement consumed. Repeated
// acknowledgements of the same settlement are no-ops.
func (s *Controller) AcknowledgeWinner(ctx context.Context) error {
	return s.enqueue(ctx, func(actx context.Context) error {
		// The announcement latch already guarantees once-per-settlement
		// delivery; acknowledging only drains a pending announcement.
		select {
		case <-s.winners:
		default:
		}
		return nil
	})
}

// RequestNewRound asks for the next round ahead of the cooldown timer.
func (s *Controller) RequestNewRound(ctx context.Context) error {
	return s.enqueue(ctx, func(actx context.Context) error {
		if s.mirror == nil || s.mirror.Status != models.RoundStatusSettled {
			return nil
		}
		err := s.coord.NextRound(actx)
		s.syncFromCoordinator()
		return err
	})
}

func (s *Controller) enqueue(ctx context.Context, fn func(context.Context) error) error {
	errCh := make(chan error, 1)
	select {
	case s.actions <- func(actx context.Context) { errCh <- fn(actx) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
