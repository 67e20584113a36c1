// Package coordinator bridges the authoritative shared store and the local
// round mirror. It applies remote change notifications in arrival order,
// reconciles optimistic local edits against confirmed remote state (remote
// always wins), and degrades to a purely local simulation for the rest of
// the round when the store becomes unreachable.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/draw"
	"github.com/wheelpot/wheelpot/internal/events"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
	"github.com/wheelpot/wheelpot/internal/store"
)

// OutboxSink accepts domain events for relay to the bus. Optional; nil
// disables fan-out (degraded mode, tests).
type OutboxSink interface {
	Insert(ctx context.Context, roundID uuid.UUID, eventType string, payload []byte) error
}

type Option func(*Coordinator)

// WithRNG overrides the draw randomness source, for deterministic tests.
func WithRNG(rng draw.RNG) Option {
	return func(c *Coordinator) { c.rng = rng }
}

// WithOutbox wires the bus fan-out sink.
func WithOutbox(sink OutboxSink) Option {
	return func(c *Coordinator) { c.outbox = sink }
}

// Coordinator owns one client's synchronized view of the current round.
type Coordinator struct {
	store   store.Store
	machine *round.Machine
	clock   clockwork.Clock
	rng     draw.RNG
	outbox  OutboxSink

	mu       sync.Mutex
	degraded bool
	localLog []models.EventLogEntry
	history  []models.HistoryRecord

	runCtx   context.Context
	sub      store.Subscription // global rounds-table scope
	roundSub store.Subscription // scoped to the mirrored round
	updates  chan *models.Round
}

func New(st store.Store, clock clockwork.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   st,
		machine: round.NewMachine(clock),
		clock:   clock,
		rng:     rand.Float64,
		updates: make(chan *models.Round, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates delivers reconciled round snapshots to the session controller.
func (c *Coordinator) Updates() <-chan *models.Round {
	return c.updates
}

// Round returns a snapshot of the current mirror, or nil.
func (c *Coordinator) Round() *models.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.machine.Round(); r != nil {
		return r.Clone()
	}
	return nil
}

// Degraded reports whether the coordinator dropped to local simulation.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// History returns settlement records accumulated while degraded.
func (c *Coordinator) History() []models.HistoryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HistoryRecord, len(c.history))
	copy(out, c.history)
	return out
}

// LocalLog returns event log entries accumulated while degraded.
func (c *Coordinator) LocalLog() []models.EventLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventLogEntry, len(c.localLog))
	copy(out, c.localLog)
	return out
}

// Start fetches or adopts the current round and begins consuming the
// store's change feed. Two subscription scopes: a global one on the rounds
// table that spots new rounds and status transitions, and a per-round one
// that follows the mirrored round's participant and log rows. The consume
// loops exit with ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx = ctx

	if err := c.ensureRoundLocked(ctx); err != nil {
		return err
	}

	sub, err := c.store.Subscribe(ctx, store.Filter{Table: store.TableRounds})
	if err != nil {
		// A store that cannot even hand out a subscription is unreachable.
		c.enterDegradedLocked(err)
		return nil
	}
	c.sub = sub

	go c.consume(ctx, sub)
	return nil
}

// ensureRoundLocked adopts the current OPEN round. When no round is OPEN
// it adopts the latest round in whatever lifecycle phase it is in, so a
// client starting during the lock, draw, or settle window never re-creates
// an already-used sequence number. Only an empty store opens round 1.
func (c *Coordinator) ensureRoundLocked(ctx context.Context) error {
	r, err := c.fetchCurrentOrLatest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		r, err = c.store.CreateRound(ctx, 1)
		if err == nil {
			c.emitOutbox(ctx, r.ID, events.TypeRoundOpened, events.RoundOpenedPayload{
				RoundID:        r.ID.String(),
				SequenceNumber: r.SequenceNumber,
				OpenedAt:       r.CreatedAt,
			})
		} else if errors.Is(err, store.ErrConflict) {
			// Another client created it first; take theirs.
			r, err = c.fetchCurrentOrLatest(ctx)
		}
	}
	if err != nil {
		if isTransport(err) {
			// Nothing durable to mirror yet; simulate from round 1.
			c.enterDegradedLocked(err)
			_, startErr := c.machine.StartRound(1)
			return startErr
		}
		return fmt.Errorf("failed to ensure current round: %w", err)
	}

	c.adoptLocked(r)
	return nil
}

// fetchCurrentOrLatest prefers the OPEN round and falls back to the
// highest-sequence round when none is OPEN.
func (c *Coordinator) fetchCurrentOrLatest(ctx context.Context) (*models.Round, error) {
	r, err := c.store.FetchCurrentOpenRound(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return c.store.FetchLatestRound(ctx)
	}
	return r, err
}

// consume applies remote change notifications in arrival order. Every
// notification triggers a re-fetch of the affected round; the payload of
// the notification itself is never trusted.
func (c *Coordinator) consume(ctx context.Context, sub store.Subscription) {
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.applyChange(ctx, ev)
		}
	}
}

func (c *Coordinator) applyChange(ctx context.Context, ev store.ChangeEvent) {
	if ev.Table == store.TableRoundLog {
		return
	}

	r, err := c.store.GetRound(ctx, ev.RoundID)
	if err != nil {
		if isTransport(err) {
			c.mu.Lock()
			c.enterDegradedLocked(err)
			c.mu.Unlock()
			return
		}
		log.Warn().Err(err).Str("round_id", ev.RoundID.String()).Msg("failed to re-fetch changed round")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		// Remote writes are suppressed for the rest of this round;
		// notifications are too.
		return
	}
	c.adoptLocked(r)
}

// Join applies an optimistic local join, then makes it durable. A store
// outage keeps the optimistic result and flips to degraded mode so the
// table stays playable; validation and conflict failures surface inline
// after reconciling to remote truth.
func (c *Coordinator) Join(ctx context.Context, identity models.Identity, balance float64, items []models.StakeItem) (*models.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.machine.Round()
	if r == nil {
		return nil, round.ErrNoRound
	}
	roundID := r.ID

	p, err := c.machine.Join(identity, balance, items)
	if err != nil {
		return nil, err
	}
	entries := c.machine.DrainLog()
	c.publishLocked()

	if c.degraded {
		c.localLog = append(c.localLog, entries...)
		return p, nil
	}

	stored, err := c.store.JoinRound(ctx, roundID, *p)
	if err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			c.localLog = append(c.localLog, entries...)
			return p, nil
		}
		// Rejected durably: reconcile the optimistic join away.
		c.reconcileLocked(ctx, roundID)
		return nil, err
	}

	for _, entry := range entries {
		if err := c.store.AppendLogEntry(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("failed to append join log entry")
		}
	}

	if current := c.machine.Round(); current != nil {
		c.emitOutbox(ctx, roundID, events.TypePlayerJoined, events.PlayerJoinedPayload{
			RoundID:           roundID.String(),
			ParticipantID:     stored.ID.String(),
			DisplayName:       stored.DisplayName,
			TotalWeight:       stored.TotalWeight(),
			TotalPotValue:     current.TotalPotValue,
			ParticipantCount:  len(current.Participants),
			CountdownDeadline: current.CountdownDeadline,
			JoinedAt:          stored.JoinedAt,
		})
	}
	return stored, nil
}

// TriggerLockAndSettle performs the OPEN -> LOCKED -> DRAWING -> SETTLED
// sequence. The OPEN -> LOCKED compare-and-set resolves the race between
// clients that all observed the countdown expiring: exactly one caller
// proceeds to the draw, losers reconcile to the winner's outcome and
// return nil without drawing.
func (c *Coordinator) TriggerLockAndSettle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.machine.Round()
	if r == nil {
		return round.ErrNoRound
	}
	if r.Status != models.RoundStatusOpen {
		// A remote LOCKED notification beat the local timer; the remote
		// transition is authoritative and this attempt is abandoned.
		return nil
	}
	roundID := r.ID

	if c.degraded {
		return c.settleLocked(ctx, roundID, true)
	}

	err := c.store.CompareAndSetRoundStatus(ctx, roundID, models.RoundStatusOpen, models.RoundStatusLocked, nil)
	if errors.Is(err, store.ErrConflict) {
		log.Info().Str("round_id", roundID.String()).Msg("lost lock race, reconciling to winner")
		c.reconcileLocked(ctx, roundID)
		return nil
	}
	if err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			return c.settleLocked(ctx, roundID, true)
		}
		return fmt.Errorf("failed to lock round: %w", err)
	}

	return c.settleLocked(ctx, roundID, false)
}

// settleLocked runs the local machine through lock+settle and, unless
// local-only, mirrors each step durably. Caller holds the mutex and, in
// durable mode, has already won the OPEN -> LOCKED compare-and-set.
func (c *Coordinator) settleLocked(ctx context.Context, roundID uuid.UUID, localOnly bool) error {
	if err := c.machine.Lock(); err != nil {
		return err
	}
	lockEntries := c.machine.DrainLog()
	c.publishLocked()

	r := c.machine.Round()
	if !localOnly {
		c.emitOutbox(ctx, roundID, events.TypeRoundLocked, events.RoundLockedPayload{
			RoundID:          roundID.String(),
			SequenceNumber:   r.SequenceNumber,
			ParticipantCount: len(r.Participants),
			LockedAt:         c.clock.Now(),
		})
		if err := c.store.CompareAndSetRoundStatus(ctx, roundID, models.RoundStatusLocked, models.RoundStatusDrawing, nil); err != nil {
			if isTransport(err) {
				c.enterDegradedLocked(err)
				localOnly = true
			} else {
				// Nothing else should be able to move a round we locked.
				c.reconcileLocked(ctx, roundID)
				return fmt.Errorf("failed to enter drawing state: %w", err)
			}
		}
	}

	record, err := c.machine.Settle(c.rng)
	drawFailed := errors.Is(err, round.ErrDrawFailed)
	if err != nil && !drawFailed {
		return err
	}
	entries := append(lockEntries, c.machine.DrainLog()...)
	c.publishLocked()

	settled := c.machine.Round()
	if localOnly {
		c.localLog = append(c.localLog, entries...)
		c.history = append(c.history, *record)
	} else {
		settlement := &store.Settlement{
			WinnerID:          settled.WinnerID,
			WinnerProbability: settled.WinnerProbability,
			TotalPotValue:     settled.TotalPotValue,
			SettledAt:         *settled.SettledAt,
		}
		if err := c.store.CompareAndSetRoundStatus(ctx, roundID, models.RoundStatusDrawing, models.RoundStatusSettled, settlement); err != nil {
			if isTransport(err) {
				c.enterDegradedLocked(err)
				c.localLog = append(c.localLog, entries...)
				c.history = append(c.history, *record)
				return nil
			}
			c.reconcileLocked(ctx, roundID)
			return fmt.Errorf("failed to settle round: %w", err)
		}
		for _, entry := range entries {
			if err := c.store.AppendLogEntry(ctx, entry); err != nil {
				log.Warn().Err(err).Msg("failed to append settle log entry")
			}
		}
		if err := c.store.WriteHistoryRecord(ctx, *record); err != nil {
			log.Warn().Err(err).Msg("failed to write history record")
		}

		payload := events.RoundSettledPayload{
			RoundID:        roundID.String(),
			SequenceNumber: settled.SequenceNumber,
			TotalPotValue:  settled.TotalPotValue,
			SettledAt:      *settled.SettledAt,
		}
		if settled.WinnerID != nil {
			payload.WinnerID = settled.WinnerID.String()
			payload.WinnerProbability = *settled.WinnerProbability
			if w := settled.ParticipantByID(*settled.WinnerID); w != nil {
				payload.WinnerName = w.DisplayName
			}
		}
		c.emitOutbox(ctx, roundID, events.TypeRoundSettled, payload)
	}

	if drawFailed {
		return round.ErrDrawFailed
	}
	return nil
}

// Refresh re-fetches remote truth on demand (the manual refresh action).
// No-op while degraded.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.degraded {
		return nil
	}
	r := c.machine.Round()
	if r == nil {
		return c.ensureRoundLocked(ctx)
	}

	remote, err := c.store.GetRound(ctx, r.ID)
	if errors.Is(err, store.ErrNotFound) {
		remote, err = c.store.FetchCurrentOpenRound(ctx)
	}
	if err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			return nil
		}
		return fmt.Errorf("failed to refresh round: %w", err)
	}
	c.adoptLocked(remote)
	return nil
}

// ClearStalledCountdown drops a deadline that expired without a second
// player, locally and durably.
func (c *Coordinator) ClearStalledCountdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.machine.Round()
	if r == nil || !c.machine.ClearStalledCountdown() {
		return nil
	}
	c.publishLocked()

	if c.degraded {
		return nil
	}
	if err := c.store.ClearCountdown(ctx, r.ID); err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			return nil
		}
		return fmt.Errorf("failed to clear countdown: %w", err)
	}
	return nil
}

// NextRound opens the successor round after the settlement display window.
// A degraded coordinator probes the store here: reconnection happens only
// at round boundaries, never mid-round.
func (c *Coordinator) NextRound(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.machine.Round()
	if r == nil {
		return round.ErrNoRound
	}
	if r.Status != models.RoundStatusSettled {
		return fmt.Errorf("%w: next round from %s", round.ErrInvalidTransition, r.Status)
	}
	nextSeq := r.SequenceNumber + 1

	if c.degraded {
		if c.tryRecoverLocked(ctx, nextSeq) {
			return nil
		}
		_, err := c.machine.NextRound()
		if err == nil {
			c.publishLocked()
		}
		return err
	}

	created, err := c.store.CreateRound(ctx, nextSeq)
	if err == nil {
		// Only the client whose create landed announces the new round;
		// race losers adopt it silently.
		c.emitOutbox(ctx, created.ID, events.TypeRoundOpened, events.RoundOpenedPayload{
			RoundID:        created.ID.String(),
			SequenceNumber: created.SequenceNumber,
			OpenedAt:       created.CreatedAt,
		})
	} else if errors.Is(err, store.ErrConflict) {
		// Another client opened it first.
		created, err = c.fetchCurrentOrLatest(ctx)
	}
	if err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			_, localErr := c.machine.NextRound()
			if localErr == nil {
				c.publishLocked()
			}
			return localErr
		}
		return fmt.Errorf("failed to open next round: %w", err)
	}

	c.adoptLocked(created)
	return nil
}

// tryRecoverLocked attempts to rejoin the shared store at a round
// boundary. Succeeds only if the remote view is at least as new as the
// local simulation, so the mirror's sequence never moves backward.
func (c *Coordinator) tryRecoverLocked(ctx context.Context, nextSeq int64) bool {
	r, err := c.store.CreateRound(ctx, nextSeq)
	createdHere := err == nil
	if errors.Is(err, store.ErrConflict) {
		r, err = c.fetchCurrentOrLatest(ctx)
	}
	if err != nil {
		log.Info().Err(err).Msg("store still unreachable, staying in local mode")
		return false
	}
	if r.SequenceNumber < nextSeq {
		log.Warn().
			Int64("remote_sequence", r.SequenceNumber).
			Int64("local_sequence", nextSeq).
			Msg("remote round is behind local simulation, staying in local mode")
		return false
	}

	c.degraded = false
	if createdHere {
		c.emitOutbox(ctx, r.ID, events.TypeRoundOpened, events.RoundOpenedPayload{
			RoundID:        r.ID.String(),
			SequenceNumber: r.SequenceNumber,
			OpenedAt:       r.CreatedAt,
		})
	}
	c.adoptLocked(r)
	log.Info().Int64("sequence", r.SequenceNumber).Msg("recovered from local mode")
	return true
}

// reconcileLocked re-fetches the round and adopts remote truth, discarding
// any optimistic local state. Remote always wins over optimistic local.
func (c *Coordinator) reconcileLocked(ctx context.Context, roundID uuid.UUID) {
	r, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		if isTransport(err) {
			c.enterDegradedLocked(err)
			return
		}
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("reconcile fetch failed")
		return
	}
	c.adoptLocked(r)
}

// adoptLocked adopts a remote snapshot, publishes it, and keeps the
// round-scoped subscription pointed at the mirrored round.
func (c *Coordinator) adoptLocked(r *models.Round) bool {
	prev := c.machine.Round()
	if !c.machine.Adopt(r) {
		return false
	}
	if prev == nil || prev.ID != r.ID {
		c.rescopeLocked(r.ID)
	}
	c.publishLocked()
	return true
}

// rescopeLocked moves the per-round change subscription to the given
// round. The global rounds-table subscription from Start is untouched.
func (c *Coordinator) rescopeLocked(roundID uuid.UUID) {
	if c.roundSub != nil {
		c.roundSub.Close()
		c.roundSub = nil
	}
	if c.runCtx == nil || c.runCtx.Err() != nil {
		return
	}
	id := roundID
	sub, err := c.store.Subscribe(c.runCtx, store.Filter{RoundID: &id})
	if err != nil {
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("failed to scope change feed to round")
		return
	}
	c.roundSub = sub
	go c.consume(c.runCtx, sub)
}

func (c *Coordinator) enterDegradedLocked(cause error) {
	if c.degraded {
		return
	}
	c.degraded = true
	log.Warn().Err(cause).Msg("store unreachable, switching to local simulation for this round")
}

// publishLocked hands the session controller a fresh snapshot. Dropping
// on a full channel is safe: snapshots are absolute, not deltas.
func (c *Coordinator) publishLocked() {
	r := c.machine.Round()
	if r == nil {
		return
	}
	select {
	case c.updates <- r.Clone():
	default:
		log.Warn().Msg("updates channel full, dropping round snapshot")
	}
}

func (c *Coordinator) emitOutbox(ctx context.Context, roundID uuid.UUID, eventType string, payload interface{}) {
	if c.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal outbox payload")
		return
	}
	if err := c.outbox.Insert(ctx, roundID, eventType, data); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("failed to insert outbox event")
	}
}

// isTransport classifies store failures: anything that is not a domain
// rejection is treated as the store being unreachable.
func isTransport(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, store.ErrConflict) &&
		!errors.Is(err, store.ErrValidation) &&
		!errors.Is(err, store.ErrNotFound)
}
