package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/store"
)

// listener owns a dedicated connection in LISTEN mode and fans
// notifications out to subscriptions. Reconnects with backoff if the
// listening connection drops.
type listener struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	parent *listener
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

func newListener(pool *pgxpool.Pool) *listener {
	return &listener{
		pool: pool,
		subs: make(map[*subscription]struct{}),
	}
}

func (l *listener) subscribe(filter store.Filter) *subscription {
	sub := &subscription{
		parent: l,
		filter: filter,
		ch:     make(chan store.ChangeEvent, 64),
	}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

func (l *listener) run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Dur("backoff", backoff).Msg("notification listener dropped, reconnecting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}
	log.Info().Str("channel", notifyChannel).Msg("change feed listening")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed waiting for notification: %w", err)
		}

		var ev store.ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("payload", notification.Payload).Msg("dropping malformed change event")
			continue
		}
		l.dispatch(ev)
	}
}

func (l *listener) dispatch(ev store.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		if sub.filter.RoundID != nil && *sub.filter.RoundID != ev.RoundID {
			continue
		}
		if sub.filter.Table != "" && sub.filter.Table != ev.Table {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("round_id", ev.RoundID.String()).
				Msg("subscriber channel full, dropping change event")
		}
	}
}
