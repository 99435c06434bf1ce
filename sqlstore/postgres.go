package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-server"
	"github.com/lib/pq"
)

// PostgresDriver is the database/sql driver used for the PostgreSQL dialect.
const PostgresDriver = "postgres"

const notifyChannel = "mcp_events"

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(PostgresDriver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	return db, nil
}

// Broker is an mcp.Broker for servers sharing one PostgreSQL store. Publishing sends a
// NOTIFY carrying the event coordinates; every process LISTENs and hands the event, loaded
// from the store, to its local subscribers. A session closed anywhere ends its streams
// everywhere.
type Broker struct {
	store    *Store
	local    *mcp.MemoryBroker
	listener *pq.Listener
	logger   *slog.Logger
}

type notification struct {
	SessionID string `json:"s"`
	EventID   int64  `json:"e,omitempty"`
	Closed    bool   `json:"c,omitempty"`
}

var _ mcp.Broker = (*Broker)(nil)

// NewBroker listens for events of store, which must use the PostgreSQL dialect. dsn opens
// the dedicated listening connection. Run must be running for events to be delivered.
func NewBroker(store *Store, dsn string) (*Broker, error) {
	if store.dialect != DialectPostgres {
		return nil, fmt.Errorf("broker requires the %s dialect, got %s", DialectPostgres, store.dialect)
	}

	b := &Broker{
		store:  store,
		local:  mcp.NewMemoryBroker(0),
		logger: store.logger.With(slog.String("component", "pg-broker")),
	}
	b.listener = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.logger.Warn("listener event", slog.Int("event", int(ev)), slog.String("err", err.Error()))
		}
	})
	if err := b.listener.Listen(notifyChannel); err != nil {
		_ = b.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}
	return b, nil
}

// Subscribe implements mcp.Broker.
func (b *Broker) Subscribe(sessionID string) (<-chan mcp.Event, func()) {
	return b.local.Subscribe(sessionID)
}

// Publish implements mcp.Broker.
func (b *Broker) Publish(ctx context.Context, ev mcp.Event) error {
	return b.notify(ctx, notification{SessionID: ev.SessionID, EventID: ev.ID})
}

// Unsubscribe implements mcp.Broker.
func (b *Broker) Unsubscribe(sessionID string) {
	b.local.Unsubscribe(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.notify(ctx, notification{SessionID: sessionID, Closed: true}); err != nil {
		b.logger.Warn("failed to announce unsubscribe", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
	}
}

// Run delivers notifications to local subscribers until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-b.listener.Notify:
			if !ok {
				return fmt.Errorf("listener closed")
			}
			// A nil notification follows a reconnect; streams recover missed events by backfill.
			if n == nil {
				continue
			}
			b.deliver(ctx, n.Extra)
		}
	}
}

// Close stops listening.
func (b *Broker) Close() error {
	return b.listener.Close()
}

func (b *Broker) deliver(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		b.logger.Warn("dropped malformed notification", slog.String("err", err.Error()))
		return
	}
	if n.Closed {
		b.local.Unsubscribe(n.SessionID)
		return
	}
	if !b.local.Subscribed(n.SessionID) {
		return
	}

	events, err := b.store.EventsAfter(ctx, n.SessionID, n.EventID-1)
	if err != nil {
		b.logger.Warn("failed to load event",
			slog.String("sessionID", n.SessionID), slog.Int64("lastEventID", n.EventID), slog.String("err", err.Error()))
		return
	}
	for _, ev := range events {
		if ev.ID == n.EventID {
			_ = b.local.Publish(ctx, ev)
			return
		}
	}
}

func (b *Broker) notify(ctx context.Context, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if _, err := b.store.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}
