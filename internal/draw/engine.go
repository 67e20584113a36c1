// Package draw implements the single-shot weighted winner selection.
//
// The draw is an inverse-CDF walk over the pool in the round's canonical
// join order. Given the same pool and the same random value it always
// produces the same winner, which lets a settled draw be re-verified later
// from its logged random value.
package draw

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrEmptyPool is returned when the pool is empty or carries no weight.
var ErrEmptyPool = errors.New("draw pool is empty or has no weight")

// Entry is one participant's slice of the wheel. Pool order must be the
// round's join order; boundary ties go to the earlier entrant.
type Entry struct {
	ParticipantID uuid.UUID
	Weight        float64
}

// Result is the outcome of a draw.
type Result struct {
	WinnerID    uuid.UUID
	Probability float64
}

// RNG yields a uniform value in [0, 1).
type RNG func() float64

// Draw selects a winner with probability proportional to weight.
//
// r = rng() * total is located in the cumulative weight walk; the first
// entry whose running sum reaches r wins. Entries with non-positive or
// non-finite weight are skipped rather than poisoning the total.
func Draw(pool []Entry, rng RNG) (Result, error) {
	var total float64
	for _, e := range pool {
		if e.Weight <= 0 || math.IsInf(e.Weight, 0) || math.IsNaN(e.Weight) {
			continue
		}
		total += e.Weight
	}
	if total <= 0 {
		return Result{}, ErrEmptyPool
	}

	r := rng() * total

	var cum float64
	for _, e := range pool {
		if e.Weight <= 0 || math.IsInf(e.Weight, 0) || math.IsNaN(e.Weight) {
			continue
		}
		cum += e.Weight
		if cum >= r {
			return Result{
				WinnerID:    e.ParticipantID,
				Probability: e.Weight / total,
			}, nil
		}
	}

	// Floating point accumulation can leave r a hair above the final sum.
	// The last weighted entry owns the tail of the interval.
	for i := len(pool) - 1; i >= 0; i-- {
		e := pool[i]
		if e.Weight > 0 && !math.IsInf(e.Weight, 0) && !math.IsNaN(e.Weight) {
			return Result{
				WinnerID:    e.ParticipantID,
				Probability: e.Weight / total,
			}, nil
		}
	}
	return Result{}, ErrEmptyPool
}
