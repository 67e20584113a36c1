package models

import (
	"time"

	"github.com/google/uuid"
)

// StakeItem is a divisible owned item wagered alongside balance.
type StakeItem struct {
	ItemID    uuid.UUID `json:"item_id"`
	UnitValue float64   `json:"unit_value"`
}

// Participant is a player entered into a round. Created on join, immutable
// once the round reaches LOCKED.
type Participant struct {
	ID            uuid.UUID   `json:"id"`
	ExternalID    string      `json:"external_id"`
	DisplayName   string      `json:"display_name"`
	AvatarRef     string      `json:"avatar_ref,omitempty"`
	StakeBalance  float64     `json:"stake_balance"`
	StakeItems    []StakeItem `json:"stake_items,omitempty"`
	JoinedAt      time.Time   `json:"joined_at"`
	AssignedColor string      `json:"assigned_color"`
}

// TotalWeight is the participant's stake balance plus the value of every
// staked item. This is the weight used by the draw.
func (p *Participant) TotalWeight() float64 {
	total := p.StakeBalance
	for _, item := range p.StakeItems {
		total += item.UnitValue
	}
	return total
}

// Clone returns a deep copy of the participant.
func (p Participant) Clone() Participant {
	cp := p
	cp.StakeItems = make([]StakeItem, len(p.StakeItems))
	copy(cp.StakeItems, p.StakeItems)
	return cp
}

// Identity is the opaque player identity supplied once per client session
// by the hosting platform. Never re-validated mid-round.
type Identity struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}
