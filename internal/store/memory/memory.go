// Package memory implements the store boundary entirely in process. It
// backs the degraded local simulation when the shared store is unreachable
// and doubles as the store fake in tests. Compare-and-set semantics match
// the relational implementation exactly.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/round"
	"github.com/wheelpot/wheelpot/internal/store"
)

type Store struct {
	mu      sync.Mutex
	rounds  map[uuid.UUID]*models.Round
	log     []models.EventLogEntry
	history []models.HistoryRecord
	subs    map[*subscription]struct{}
	clock   func() time.Time
}

type subscription struct {
	parent *Store
	filter store.Filter
	ch     chan store.ChangeEvent
	once   sync.Once
}

func (s *subscription) Events() <-chan store.ChangeEvent { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.ch)
	})
}

func New() *Store {
	return &Store{
		rounds: make(map[uuid.UUID]*models.Round),
		subs:   make(map[*subscription]struct{}),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.clock = now
	return s
}

func (s *Store) FetchCurrentOpenRound(ctx context.Context) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Status filter matches the relational query: a LOCKED or DRAWING
	// round is invisible here, same as during the settle window.
	for _, r := range s.rounds {
		if r.Status == models.RoundStatusOpen {
			return r.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FetchLatestRound(ctx context.Context) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Round
	for _, r := range s.rounds {
		if latest == nil || r.SequenceNumber > latest.SequenceNumber {
			latest = r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) CreateRound(ctx context.Context, sequenceNumber int64) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rounds {
		if r.Status == models.RoundStatusOpen {
			return nil, fmt.Errorf("open round already exists: %w", store.ErrConflict)
		}
		if r.SequenceNumber == sequenceNumber {
			return nil, fmt.Errorf("sequence %d already used: %w", sequenceNumber, store.ErrConflict)
		}
	}

	r := &models.Round{
		ID:             uuid.New(),
		SequenceNumber: sequenceNumber,
		Status:         models.RoundStatusOpen,
		CreatedAt:      s.clock(),
	}
	s.rounds[r.ID] = r

	s.notifyLocked(store.ChangeEvent{Type: store.ChangeInsert, Table: store.TableRounds, RoundID: r.ID})
	return r.Clone(), nil
}

func (s *Store) JoinRound(ctx context.Context, roundID uuid.UUID, p models.Participant) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	if r.Status != models.RoundStatusOpen {
		return nil, fmt.Errorf("round is %s: %w", r.Status, store.ErrValidation)
	}
	if len(r.Participants) >= round.MaxParticipants {
		return nil, fmt.Errorf("round is full: %w", store.ErrValidation)
	}
	if r.HasPlayer(p.ExternalID) {
		return nil, fmt.Errorf("player %s already joined: %w", p.ExternalID, store.ErrConflict)
	}

	stored := p.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = s.clock()
	}
	r.Participants = append(r.Participants, stored)
	r.TotalPotValue = r.Pot()

	if len(r.Participants) >= 2 && r.CountdownDeadline == nil {
		deadline := s.clock().Add(round.CountdownDuration)
		r.CountdownDeadline = &deadline
	}

	s.notifyLocked(store.ChangeEvent{Type: store.ChangeInsert, Table: store.TableParticipants, RoundID: roundID})
	out := stored.Clone()
	return &out, nil
}

func (s *Store) CompareAndSetRoundStatus(ctx context.Context, roundID uuid.UUID, expected, next models.RoundStatus, settlement *store.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	if r.Status != expected {
		return fmt.Errorf("status is %s, expected %s: %w", r.Status, expected, store.ErrConflict)
	}

	r.Status = next
	if next == models.RoundStatusSettled && settlement != nil {
		r.WinnerID = settlement.WinnerID
		r.WinnerProbability = settlement.WinnerProbability
		r.TotalPotValue = settlement.TotalPotValue
		settledAt := settlement.SettledAt
		r.SettledAt = &settledAt
	}
	s.notifyLocked(store.ChangeEvent{Type: store.ChangeUpdate, Table: store.TableRounds, RoundID: roundID})
	return nil
}

func (s *Store) ClearCountdown(ctx context.Context, roundID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rounds[roundID]
	if !ok {
		return fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	// A second join racing this clear wins: the deadline stays.
	if r.Status != models.RoundStatusOpen || len(r.Participants) >= 2 {
		return nil
	}
	if r.CountdownDeadline == nil {
		return nil
	}
	r.CountdownDeadline = nil

	s.notifyLocked(store.ChangeEvent{Type: store.ChangeUpdate, Table: store.TableRounds, RoundID: roundID})
	return nil
}

func (s *Store) AppendLogEntry(ctx context.Context, entry models.EventLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)
	s.notifyLocked(store.ChangeEvent{Type: store.ChangeInsert, Table: store.TableRoundLog, RoundID: entry.RoundID})
	return nil
}

func (s *Store) WriteHistoryRecord(ctx context.Context, rec models.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return nil
}

// LogEntries returns a copy of the append-only log, for tests.
func (s *Store) LogEntries() []models.EventLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventLogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// HistoryRecords returns a copy of the settled-round history, for tests.
func (s *Store) HistoryRecords() []models.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.HistoryRecord, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) Subscribe(ctx context.Context, filter store.Filter) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscription{
		parent: s,
		filter: filter,
		ch:     make(chan store.ChangeEvent, 64),
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// notifyLocked fans an event out to matching subscribers. Callers hold the
// store mutex, which also serializes event order per round.
func (s *Store) notifyLocked(ev store.ChangeEvent) {
	for sub := range s.subs {
		if sub.filter.RoundID != nil && *sub.filter.RoundID != ev.RoundID {
			continue
		}
		if sub.filter.Table != "" && sub.filter.Table != ev.Table {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber loses the event; it will re-fetch on the
			// next one or via manual refresh.
		}
	}
}
