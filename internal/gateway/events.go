package gateway

import (
	"encoding/json"
	"time"

	"github.com/wheelpot/wheelpot/internal/events"
)

// RoundEvent is the wire shape pushed to browser clients.
type RoundEvent struct {
	ID        string          `json:"id"`
	RoundID   string          `json:"round_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType identifies a round event on the websocket.
type EventType string

const (
	EventTypeRoundOpened  EventType = "RoundOpened"
	EventTypePlayerJoined EventType = "PlayerJoined"
	EventTypeRoundLocked  EventType = "RoundLocked"
	EventTypeRoundSettled EventType = "RoundSettled"
)

// ParseEventPayload parses event data into the matching payload struct.
func ParseEventPayload(event *RoundEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeRoundOpened:
		var payload events.RoundOpenedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypePlayerJoined:
		var payload events.PlayerJoinedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoundLocked:
		var payload events.RoundLockedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoundSettled:
		var payload events.RoundSettledPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil
	}
}
