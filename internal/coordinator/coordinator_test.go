package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
	"github.com/wheelpot/wheelpot/internal/store"
	"github.com/wheelpot/wheelpot/internal/store/memory"
)

// flakyStore wraps the in-memory store and fails selected calls with a
// transport-style error, to exercise the degraded path.
type flakyStore struct {
	store.Store
	failJoin   bool
	rejectJoin bool
	failCAS    bool
	failCreate bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) JoinRound(ctx context.Context, roundID uuid.UUID, p models.Participant) (*models.Participant, error) {
	if f.failJoin {
		return nil, errDown
	}
	if f.rejectJoin {
		return nil, fmt.Errorf("join rejected: %w", store.ErrValidation)
	}
	return f.Store.JoinRound(ctx, roundID, p)
}

func (f *flakyStore) CompareAndSetRoundStatus(ctx context.Context, roundID uuid.UUID, expected, next models.RoundStatus, settlement *store.Settlement) error {
	if f.failCAS {
		return errDown
	}
	return f.Store.CompareAndSetRoundStatus(ctx, roundID, expected, next, settlement)
}

func (f *flakyStore) CreateRound(ctx context.Context, sequenceNumber int64) (*models.Round, error) {
	if f.failCreate {
		return nil, errDown
	}
	return f.Store.CreateRound(ctx, sequenceNumber)
}

func identity(id, name string) models.Identity {
	return models.Identity{ExternalID: id, DisplayName: name}
}

func drain(c *Coordinator) {
	for {
		select {
		case <-c.Updates():
		default:
			return
		}
	}
}

func TestStartCreatesFirstRound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	coord := New(st, clock)

	require.NoError(t, coord.Start(context.Background()))

	r := coord.Round()
	require.NotNil(t, r)
	assert.Equal(t, int64(1), r.SequenceNumber)
	assert.Equal(t, models.RoundStatusOpen, r.Status)
	assert.False(t, coord.Degraded())
}

func TestStartAdoptsExistingRound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)

	existing, err := st.CreateRound(context.Background(), 7)
	require.NoError(t, err)

	coord := New(st, clock)
	require.NoError(t, coord.Start(context.Background()))

	r := coord.Round()
	require.NotNil(t, r)
	assert.Equal(t, existing.ID, r.ID)
	assert.Equal(t, int64(7), r.SequenceNumber)
}

func TestStartDuringSettleWindowAdoptsLatestRound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(st, clock, WithRNG(func() float64 { return 0.0 }))
	require.NoError(t, a.Start(ctx))
	_, err := a.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = a.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	clock.Advance(round.CountdownDuration)
	require.NoError(t, a.TriggerLockAndSettle(ctx))

	// A client starting inside the settle window finds no OPEN round. It
	// adopts the settled round instead of re-creating sequence 1.
	b := New(st, clock)
	require.NoError(t, b.Start(ctx))
	rb := b.Round()
	require.NotNil(t, rb)
	assert.Equal(t, int64(1), rb.SequenceNumber)
	assert.Equal(t, models.RoundStatusSettled, rb.Status)
	assert.False(t, b.Degraded())

	// The boundary converges on a single successor round for everyone.
	require.NoError(t, a.NextRound(ctx))
	assert.Equal(t, int64(2), a.Round().SequenceNumber)
	require.Eventually(t, func() bool {
		r := b.Round()
		return r.SequenceNumber == 2 && r.Status == models.RoundStatusOpen
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.Round().ID, b.Round().ID)
}

func TestStartWhileRoundLockedAdoptsInFlightRound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx := context.Background()

	r, err := st.CreateRound(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, st.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))

	coord := New(st, clock)
	require.NoError(t, coord.Start(ctx))

	got := coord.Round()
	require.NotNil(t, got)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, int64(4), got.SequenceNumber)
	assert.Equal(t, models.RoundStatusLocked, got.Status)
	assert.False(t, coord.Degraded())
}

func TestFullCycleAgainstStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	coord := New(st, clock, WithRNG(func() float64 { return 0.99 }))
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))

	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)

	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))

	r := coord.Round()
	require.Equal(t, models.RoundStatusSettled, r.Status)
	require.NotNil(t, r.WinnerID)
	// 0.99 of the cumulative weight lands in Bob's 90% span.
	assert.Equal(t, "Bob", r.ParticipantByID(*r.WinnerID).DisplayName)
	assert.InDelta(t, 0.9, *r.WinnerProbability, 1e-9)

	// Durable mirror matches.
	stored, err := st.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusSettled, stored.Status)
	assert.Equal(t, *r.WinnerID, *stored.WinnerID)

	require.Len(t, st.HistoryRecords(), 1)
	assert.Equal(t, int64(1), st.HistoryRecords()[0].SequenceNumber)

	kinds := make([]models.LogKind, 0)
	for _, e := range st.LogEntries() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []models.LogKind{
		models.LogKindJoin, models.LogKindJoin,
		models.LogKindLock, models.LogKindDraw, models.LogKindSettle,
	}, kinds)

	require.NoError(t, coord.NextRound(ctx))
	assert.Equal(t, int64(2), coord.Round().SequenceNumber)
	assert.Equal(t, models.RoundStatusOpen, coord.Round().Status)
}

func TestLockRaceLoserReconcilesWithoutDrawing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx := context.Background()

	winnerDraws, loserDraws := 0, 0
	a := New(st, clock, WithRNG(func() float64 { winnerDraws++; return 0.0 }))
	b := New(st, clock, WithRNG(func() float64 { loserDraws++; return 0.0 }))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := a.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = a.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	require.NoError(t, b.Refresh(ctx))

	clock.Advance(round.CountdownDuration)

	// Both observed the deadline. The first caller wins the
	// compare-and-set and draws; the second loses and reconciles.
	require.NoError(t, a.TriggerLockAndSettle(ctx))
	require.NoError(t, b.TriggerLockAndSettle(ctx))

	assert.Equal(t, 1, winnerDraws)
	assert.Equal(t, 0, loserDraws)

	ra, rb := a.Round(), b.Round()
	require.Equal(t, models.RoundStatusSettled, ra.Status)
	require.Equal(t, models.RoundStatusSettled, rb.Status)
	assert.Equal(t, *ra.WinnerID, *rb.WinnerID)

	// Exactly one settlement recorded.
	assert.Len(t, st.HistoryRecords(), 1)
}

func TestJoinRejectionReconcilesOptimisticState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	flaky := &flakyStore{Store: memory.New().WithClock(clock.Now)}
	coord := New(flaky, clock)
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))

	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)

	// The store rejects the join that the optimistic mirror accepted; the
	// coordinator reconciles the phantom participant away.
	flaky.rejectJoin = true
	_, err = coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.Error(t, err)

	r := coord.Round()
	require.Len(t, r.Participants, 1)
	assert.Equal(t, "p1", r.Participants[0].ExternalID)
	assert.False(t, coord.Degraded())
}

func TestDegradedModeCompletesRoundLocally(t *testing.T) {
	clock := clockwork.NewFakeClock()
	flaky := &flakyStore{Store: memory.New().WithClock(clock.Now)}
	coord := New(flaky, clock, WithRNG(func() float64 { return 0.0 }))
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))

	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)

	// Store goes down; the next join stays local and flips the mode.
	flaky.failJoin = true
	flaky.failCAS = true
	flaky.failCreate = true

	p, err := coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, coord.Degraded())

	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))

	r := coord.Round()
	require.Equal(t, models.RoundStatusSettled, r.Status)
	require.NotNil(t, r.WinnerID)
	assert.Equal(t, "Alice", r.ParticipantByID(*r.WinnerID).DisplayName)

	// The settlement lives only in local memory.
	assert.Empty(t, flaky.Store.(*memory.Store).HistoryRecords())
	require.Len(t, coord.History(), 1)
	assert.Equal(t, int64(1), coord.History()[0].SequenceNumber)
	assert.NotEmpty(t, coord.LocalLog())
}

func TestDegradedRecoversAtRoundBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	flaky := &flakyStore{Store: memory.New().WithClock(clock.Now)}
	coord := New(flaky, clock, WithRNG(func() float64 { return 0.0 }))
	ctx := context.Background()

	require.NoError(t, coord.Start(ctx))
	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)

	flaky.failJoin = true
	_, err = coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	require.True(t, coord.Degraded())
	flaky.failJoin = false

	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))
	require.Equal(t, models.RoundStatusSettled, coord.Round().Status)

	// Round 1 is still OPEN in the store, so the next-round probe sees a
	// remote sequence behind the local simulation and stays local.
	require.NoError(t, coord.NextRound(ctx))
	assert.True(t, coord.Degraded())
	assert.Equal(t, int64(2), coord.Round().SequenceNumber)

	// Settle the stale remote round out of the way, then the following
	// boundary recovers.
	remote, err := flaky.Store.FetchCurrentOpenRound(ctx)
	require.NoError(t, err)
	require.NoError(t, flaky.Store.CompareAndSetRoundStatus(ctx, remote.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	require.NoError(t, flaky.Store.CompareAndSetRoundStatus(ctx, remote.ID, models.RoundStatusLocked, models.RoundStatusDrawing, nil))
	require.NoError(t, flaky.Store.CompareAndSetRoundStatus(ctx, remote.ID, models.RoundStatusDrawing, models.RoundStatusSettled, &store.Settlement{SettledAt: clock.Now()}))

	_, err = coord.Join(ctx, identity("p3", "Cara"), 10, nil)
	require.NoError(t, err)
	_, err = coord.Join(ctx, identity("p4", "Dana"), 10, nil)
	require.NoError(t, err)
	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))

	require.NoError(t, coord.NextRound(ctx))
	assert.False(t, coord.Degraded())
	assert.Equal(t, int64(3), coord.Round().SequenceNumber)

	// Recovered round is durable.
	stored, err := flaky.Store.FetchCurrentOpenRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.SequenceNumber)
}

func TestRemoteSettleBeatsLocalTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx := context.Background()

	draws := 0
	coord := New(st, clock, WithRNG(func() float64 { draws++; return 0.0 }))
	require.NoError(t, coord.Start(ctx))

	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)

	// A remote client locks first; the notification arrives before the
	// local timer fires.
	r := coord.Round()
	require.NoError(t, st.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	require.NoError(t, coord.Refresh(ctx))
	require.Equal(t, models.RoundStatusLocked, coord.Round().Status)

	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))
	assert.Equal(t, 0, draws)
	assert.Equal(t, models.RoundStatusLocked, coord.Round().Status)
}

func TestChangeNotificationsReachUpdatesChannel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(st, clock)
	b := New(st, clock)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	drain(b)

	_, err := a.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)

	// b's consume loop re-fetches on the participant insert notification.
	require.Eventually(t, func() bool {
		r := b.Round()
		return r != nil && len(r.Participants) == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case r := <-b.Updates():
		assert.Equal(t, int64(1), r.SequenceNumber)
	default:
		t.Fatal("expected a snapshot on the updates channel")
	}
}

func TestScopedFeedFollowsRoundBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(st, clock, WithRNG(func() float64 { return 0.0 }))
	b := New(st, clock)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := a.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = a.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	clock.Advance(round.CountdownDuration)
	require.NoError(t, a.TriggerLockAndSettle(ctx))
	require.NoError(t, a.NextRound(ctx))

	require.Eventually(t, func() bool {
		r := b.Round()
		return r != nil && r.SequenceNumber == 2
	}, 5*time.Second, 10*time.Millisecond)

	// b's per-round subscription now tracks round 2: a join there reaches
	// b without any manual refresh.
	_, err = a.Join(ctx, identity("p3", "Cara"), 25, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r := b.Round()
		return r.SequenceNumber == 2 && len(r.Participants) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutboxSinkReceivesLifecycleEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx := context.Background()

	var types []string
	sink := outboxSinkFunc(func(_ context.Context, _ uuid.UUID, eventType string, _ []byte) error {
		types = append(types, eventType)
		return nil
	})
	coord := New(st, clock, WithRNG(func() float64 { return 0.0 }), WithOutbox(sink))
	require.NoError(t, coord.Start(ctx))

	_, err := coord.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = coord.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)

	clock.Advance(round.CountdownDuration)
	require.NoError(t, coord.TriggerLockAndSettle(ctx))
	require.NoError(t, coord.NextRound(ctx))

	assert.Equal(t, []string{
		"RoundOpened",
		"PlayerJoined", "PlayerJoined",
		"RoundLocked", "RoundSettled",
		"RoundOpened",
	}, types)
}

func TestOnlyCreatorAnnouncesRoundOpened(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memory.New().WithClock(clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var aTypes, bTypes []string
	a := New(st, clock, WithRNG(func() float64 { return 0.0 }), WithOutbox(outboxSinkFunc(
		func(_ context.Context, _ uuid.UUID, eventType string, _ []byte) error {
			aTypes = append(aTypes, eventType)
			return nil
		})))
	b := New(st, clock, WithOutbox(outboxSinkFunc(
		func(_ context.Context, _ uuid.UUID, eventType string, _ []byte) error {
			bTypes = append(bTypes, eventType)
			return nil
		})))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := a.Join(ctx, identity("p1", "Alice"), 10, nil)
	require.NoError(t, err)
	_, err = a.Join(ctx, identity("p2", "Bob"), 90, nil)
	require.NoError(t, err)
	clock.Advance(round.CountdownDuration)
	require.NoError(t, a.TriggerLockAndSettle(ctx))
	require.NoError(t, b.Refresh(ctx))

	require.NoError(t, a.NextRound(ctx))
	// b either loses the create race or has already adopted round 2 from
	// the change feed; neither path announces the round again.
	if err := b.NextRound(ctx); err != nil {
		require.ErrorIs(t, err, round.ErrInvalidTransition)
	}

	count := 0
	for _, typ := range aTypes {
		if typ == "RoundOpened" {
			count++
		}
	}
	assert.Equal(t, 2, count)
	assert.Empty(t, bTypes)
}

type outboxSinkFunc func(ctx context.Context, roundID uuid.UUID, eventType string, payload []byte) error

func (f outboxSinkFunc) Insert(ctx context.Context, roundID uuid.UUID, eventType string, payload []byte) error {
	return f(ctx, roundID, eventType, payload)
}
