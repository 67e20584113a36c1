package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
	"github.com/wheelpot/wheelpot/internal/store"
)

func participant(externalID string, balance float64) models.Participant {
	return models.Participant{
		ID:           uuid.New(),
		ExternalID:   externalID,
		DisplayName:  externalID,
		StakeBalance: balance,
	}
}

func TestSingleOpenRoundInvariant(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)

	_, err = s.CreateRound(ctx, 2)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCompareAndSetEnforcesExpectedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)
	_, err = s.JoinRound(ctx, r.ID, participant("p1", 10))
	require.NoError(t, err)
	_, err = s.JoinRound(ctx, r.ID, participant("p2", 90))
	require.NoError(t, err)

	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))

	// Second caller loses the race.
	err = s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusLocked, got.Status)
}

func TestSettlementClearsOpenSlot(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)
	winner := uuid.New()
	prob := 0.5

	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusLocked, models.RoundStatusDrawing, nil))
	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusDrawing, models.RoundStatusSettled, &store.Settlement{
		WinnerID:          &winner,
		WinnerProbability: &prob,
		TotalPotValue:     100,
		SettledAt:         time.Now(),
	}))

	got, err := s.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusSettled, got.Status)
	assert.Equal(t, winner, *got.WinnerID)

	_, err = s.FetchCurrentOpenRound(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The slot is free for the successor.
	next, err := s.CreateRound(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.SequenceNumber)
}

func TestOpenRoundInvisibleWhileLockedOrDrawing(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	_, err = s.FetchCurrentOpenRound(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusLocked, models.RoundStatusDrawing, nil))
	_, err = s.FetchCurrentOpenRound(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The latest-round view still exposes it for adoption.
	latest, err := s.FetchLatestRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.ID, latest.ID)
	assert.Equal(t, models.RoundStatusDrawing, latest.Status)
}

func TestCreateRoundRejectsUsedSequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusLocked, models.RoundStatusDrawing, nil))
	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusDrawing, models.RoundStatusSettled, &store.Settlement{SettledAt: time.Now()}))

	// Same uniqueness the relational schema enforces on sequence_number.
	_, err = s.CreateRound(ctx, 1)
	require.ErrorIs(t, err, store.ErrConflict)

	next, err := s.CreateRound(ctx, 2)
	require.NoError(t, err)
	latest, err := s.FetchLatestRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.ID, latest.ID)
}

func TestJoinArmsCountdownOnSecondPlayer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New().WithClock(clock.Now)
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)

	_, err = s.JoinRound(ctx, r.ID, participant("p1", 10))
	require.NoError(t, err)
	got, _ := s.GetRound(ctx, r.ID)
	assert.Nil(t, got.CountdownDeadline)

	_, err = s.JoinRound(ctx, r.ID, participant("p2", 20))
	require.NoError(t, err)
	got, _ = s.GetRound(ctx, r.ID)
	require.NotNil(t, got.CountdownDeadline)
	assert.Equal(t, clock.Now().Add(round.CountdownDuration), *got.CountdownDeadline)
	assert.InDelta(t, 30.0, got.TotalPotValue, 1e-9)

	// Deadline never moves on later joins.
	_, err = s.JoinRound(ctx, r.ID, participant("p3", 5))
	require.NoError(t, err)
	after, _ := s.GetRound(ctx, r.ID)
	assert.Equal(t, *got.CountdownDeadline, *after.CountdownDeadline)
}

func TestJoinGuards(t *testing.T) {
	s := New()
	ctx := context.Background()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)

	_, err = s.JoinRound(ctx, r.ID, participant("p1", 10))
	require.NoError(t, err)

	_, err = s.JoinRound(ctx, r.ID, participant("p1", 10))
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.CompareAndSetRoundStatus(ctx, r.ID, models.RoundStatusOpen, models.RoundStatusLocked, nil))
	_, err = s.JoinRound(ctx, r.ID, participant("p2", 10))
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestSubscriptionDeliversChanges(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, store.Filter{Table: store.TableRounds})
	require.NoError(t, err)
	defer sub.Close()

	r, err := s.CreateRound(ctx, 1)
	require.NoError(t, err)

	// Participant inserts are filtered out by the table filter.
	_, err = s.JoinRound(ctx, r.ID, participant("p1", 10))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, store.ChangeInsert, ev.Type)
		assert.Equal(t, store.TableRounds, ev.Table)
		assert.Equal(t, r.ID, ev.RoundID)
	default:
		t.Fatal("expected a rounds change event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for table %s", ev.Table)
	default:
	}
}
