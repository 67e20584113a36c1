package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/wheelpot/wheelpot/internal/models"
)

// ParticipantView is one wheel segment as the renderer needs it.
type ParticipantView struct {
	ID          uuid.UUID `json:"id"`
	ExternalID  string    `json:"externalId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Color       string    `json:"color"`
	Weight      float64   `json:"weight"`
	WeightShare float64   `json:"weightShare"`
}

// Projection is a read-only snapshot of session state for rendering.
// It carries no references into controller internals.
type Projection struct {
	SequenceNumber     int64              `json:"sequenceNumber"`
	Status             models.RoundStatus `json:"status"`
	Phase              Phase              `json:"phase"`
	Participants       []ParticipantView  `json:"participants"`
	Pot                float64            `json:"pot"`
	CountdownRemaining *time.Duration     `json:"countdownRemaining,omitempty"`
	WinnerID           *uuid.UUID         `json:"winnerId,omitempty"`
	Degraded           bool               `json:"degraded"`
}

// Projection returns the current snapshot. The request runs on the event
// loop, so the caller always sees a consistent round.
func (s *Controller) Projection(done <-chan struct{}) (Projection, bool) {
	replyCh := make(chan Projection, 1)
	select {
	case s.proj <- replyCh:
	case <-done:
		return Projection{}, false
	}
	select {
	case p := <-replyCh:
		return p, true
	case <-done:
		return Projection{}, false
	}
}

// projection builds the snapshot. Must be called from the event loop.
func (s *Controller) projection() Projection {
	p := Projection{
		Phase:    s.phase,
		Degraded: s.coord.Degraded(),
	}
	r := s.mirror
	if r == nil {
		return p
	}

	p.SequenceNumber = r.SequenceNumber
	p.Status = r.Status
	p.Pot = r.Pot()
	p.WinnerID = r.WinnerID

	total := 0.0
	for i := range r.Participants {
		total += r.Participants[i].TotalWeight()
	}
	p.Participants = make([]ParticipantView, 0, len(r.Participants))
	for i := range r.Participants {
		pt := &r.Participants[i]
		w := pt.TotalWeight()
		share := 0.0
		if total > 0 {
			share = w / total
		}
		p.Participants = append(p.Participants, ParticipantView{
			ID:          pt.ID,
			ExternalID:  pt.ExternalID,
			DisplayName: pt.DisplayName,
			AvatarRef:   pt.AvatarRef,
			Color:       pt.AssignedColor,
			Weight:      w,
			WeightShare: share,
		})
	}

	if r.Status == models.RoundStatusOpen && r.CountdownDeadline != nil {
		rem := r.CountdownDeadline.Sub(s.clock.Now())
		if rem < 0 {
			rem = 0
		}
		p.CountdownRemaining = &rem
	}
	return p
}
