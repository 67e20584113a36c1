// Package stake validates and applies stake contributions to participants.
// All calls happen inside a single round mutation owned by the round state
// machine; there is no concurrency here.
package stake

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/wheelpot/wheelpot/internal/models"
)

// ErrInvalidStake rejects a contribution that would leave the participant
// with no weight, carries a non-finite or negative balance delta, or stakes
// an item already wagered in the round.
var ErrInvalidStake = errors.New("invalid stake")

// Ledger tracks which items are already staked within the current round.
type Ledger struct {
	stakedItems map[uuid.UUID]uuid.UUID // item id -> participant id
}

func NewLedger() *Ledger {
	return &Ledger{
		stakedItems: make(map[uuid.UUID]uuid.UUID),
	}
}

// Reset clears item tracking for a fresh round.
func (l *Ledger) Reset() {
	l.stakedItems = make(map[uuid.UUID]uuid.UUID)
}

// Track marks an item as staked by a participant without validation.
// Used when adopting a round reconciled from the store, where the items
// were already validated by the writer.
func (l *Ledger) Track(participantID, itemID uuid.UUID) {
	l.stakedItems[itemID] = participantID
}

// AddStake applies a balance delta and item list to the participant.
// On any validation failure nothing is mutated.
func (l *Ledger) AddStake(p *models.Participant, delta float64, items []models.StakeItem) error {
	if delta < 0 || math.IsInf(delta, 0) || math.IsNaN(delta) {
		return fmt.Errorf("%w: balance delta %v is negative or non-finite", ErrInvalidStake, delta)
	}

	var itemValue float64
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, item := range items {
		if item.UnitValue < 0 || math.IsInf(item.UnitValue, 0) || math.IsNaN(item.UnitValue) {
			return fmt.Errorf("%w: item %s unit value %v is negative or non-finite", ErrInvalidStake, item.ItemID, item.UnitValue)
		}
		if owner, taken := l.stakedItems[item.ItemID]; taken {
			return fmt.Errorf("%w: item %s already staked by participant %s", ErrInvalidStake, item.ItemID, owner)
		}
		if _, dup := seen[item.ItemID]; dup {
			return fmt.Errorf("%w: item %s listed more than once", ErrInvalidStake, item.ItemID)
		}
		seen[item.ItemID] = struct{}{}
		itemValue += item.UnitValue
	}

	if p.TotalWeight()+delta+itemValue <= 0 {
		return fmt.Errorf("%w: resulting total weight would be zero", ErrInvalidStake)
	}

	p.StakeBalance += delta
	p.StakeItems = append(p.StakeItems, items...)
	for _, item := range items {
		l.stakedItems[item.ItemID] = p.ID
	}
	return nil
}

// TotalWeight returns the participant's draw weight. Pure.
func TotalWeight(p *models.Participant) float64 {
	return p.TotalWeight()
}
