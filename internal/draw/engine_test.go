package draw

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRNG(v float64) RNG {
	return func() float64 { return v }
}

func TestDraw_EmptyPool(t *testing.T) {
	_, err := Draw(nil, fixedRNG(0.5))
	assert.ErrorIs(t, err, ErrEmptyPool)

	_, err = Draw([]Entry{}, fixedRNG(0.5))
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestDraw_ZeroWeightPool(t *testing.T) {
	pool := []Entry{
		{ParticipantID: uuid.New(), Weight: 0},
		{ParticipantID: uuid.New(), Weight: 0},
	}
	_, err := Draw(pool, fixedRNG(0.5))
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestDraw_TwoPlayerScenario(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	pool := []Entry{
		{ParticipantID: first, Weight: 10},
		{ParticipantID: second, Weight: 90},
	}

	// r = 0.05 * 100 = 5 lands inside the first entrant's slice.
	res, err := Draw(pool, fixedRNG(0.05))
	require.NoError(t, err)
	assert.Equal(t, first, res.WinnerID)
	assert.InDelta(t, 0.10, res.Probability, 1e-12)

	// r = 0.50 * 100 = 50 lands inside the second entrant's slice.
	res, err = Draw(pool, fixedRNG(0.50))
	require.NoError(t, err)
	assert.Equal(t, second, res.WinnerID)
	assert.InDelta(t, 0.90, res.Probability, 1e-12)
}

func TestDraw_BoundaryTieGoesToEarlierEntrant(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	pool := []Entry{
		{ParticipantID: first, Weight: 50},
		{ParticipantID: second, Weight: 50},
	}

	// r = 50 exactly: cumulative sum of the first entry reaches r.
	res, err := Draw(pool, fixedRNG(0.5))
	require.NoError(t, err)
	assert.Equal(t, first, res.WinnerID)
}

func TestDraw_Deterministic(t *testing.T) {
	pool := []Entry{
		{ParticipantID: uuid.New(), Weight: 3.7},
		{ParticipantID: uuid.New(), Weight: 12.1},
		{ParticipantID: uuid.New(), Weight: 0.9},
	}

	for _, r := range []float64{0, 0.1, 0.33, 0.5, 0.77, 0.9999} {
		a, err := Draw(pool, fixedRNG(r))
		require.NoError(t, err)
		b, err := Draw(pool, fixedRNG(r))
		require.NoError(t, err)
		assert.Equal(t, a, b, "same pool and r must give the same winner")
	}
}

func TestDraw_SkipsNonPositiveWeights(t *testing.T) {
	healthy := uuid.New()
	pool := []Entry{
		{ParticipantID: uuid.New(), Weight: 0},
		{ParticipantID: uuid.New(), Weight: math.NaN()},
		{ParticipantID: healthy, Weight: 5},
	}

	res, err := Draw(pool, fixedRNG(0.99))
	require.NoError(t, err)
	assert.Equal(t, healthy, res.WinnerID)
	assert.InDelta(t, 1.0, res.Probability, 1e-12)
}

func TestDraw_WinnerAlwaysInPool(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := make(map[uuid.UUID]bool)
	var pool []Entry
	for i := 0; i < 15; i++ {
		id := uuid.New()
		ids[id] = true
		pool = append(pool, Entry{ParticipantID: id, Weight: rng.Float64()*100 + 0.01})
	}

	for i := 0; i < 1000; i++ {
		res, err := Draw(pool, rng.Float64)
		require.NoError(t, err)
		assert.True(t, ids[res.WinnerID])
	}
}

// TestDraw_Distribution runs a chi-squared test over 10k draws: observed
// win counts must converge to weight/total.
func TestDraw_Distribution(t *testing.T) {
	weights := []float64{10, 20, 30, 40}
	var pool []Entry
	for _, w := range weights {
		pool = append(pool, Entry{ParticipantID: uuid.New(), Weight: w})
	}
	var total float64
	for _, w := range weights {
		total += w
	}

	const trials = 10000
	rng := rand.New(rand.NewSource(7))
	counts := make(map[uuid.UUID]int)
	for i := 0; i < trials; i++ {
		res, err := Draw(pool, rng.Float64)
		require.NoError(t, err)
		counts[res.WinnerID]++
	}

	var chi2 float64
	for _, e := range pool {
		expected := e.Weight / total * trials
		observed := float64(counts[e.ParticipantID])
		diff := observed - expected
		chi2 += diff * diff / expected
	}

	// 3 degrees of freedom, p=0.001 critical value is 16.27.
	assert.Less(t, chi2, 16.27, "draw distribution diverges from stake weights")
}
