// Package bus implements the Durable Bus (§4.H): an at-least-once,
// publish-time-ordered message queue backed by a SQLite table in WAL mode,
// so unprocessed messages survive a process restart.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/brlog"
)

var logger = brlog.Default.WithComponent("bus")

const maxRetries = 3
const maxErrorLen = 1000
const pollInterval = 100 * time.Millisecond

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	source TEXT,
	processed INTEGER NOT NULL DEFAULT 0,
	processed_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);
CREATE INDEX IF NOT EXISTS idx_messages_processed ON messages(processed);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// Message is one row of the bus table as delivered to a Handler.
type Message struct {
	ID         string
	Type       string
	Payload    map[string]any
	Timestamp  int64
	Source     string
	RetryCount int
}

// Handler processes one message. A returned error leaves the message
// unprocessed and increments its retry count.
type Handler func(Message) error

// Bus is the Durable Bus. Source tags every published message (the engine's
// process identity, e.g. "brainsurgeon").
type Bus struct {
	db     *sql.DB
	source string

	mu       sync.RWMutex
	handlers map[string][]Handler

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL mode, and ensures the schema exists.
func Open(path string, source string) (*Bus, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, brerr.New(brerr.Internal, "bus.Open", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL still allows concurrent readers elsewhere

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, brerr.New(brerr.Internal, "bus.Open", fmt.Errorf("enabling WAL: %w", err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, brerr.New(brerr.Internal, "bus.Open", fmt.Errorf("creating schema: %w", err))
	}

	return &Bus{
		db:       db,
		source:   source,
		handlers: make(map[string][]Handler),
	}, nil
}

// Close releases the underlying database handle.
func (b *Bus) Close() error {
	return b.db.Close()
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Publish inserts a new message of the given type with a generated id and
// the current timestamp.
func (b *Bus) Publish(msgType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return brerr.New(brerr.Internal, "bus.Publish", err)
	}

	_, err = b.db.Exec(
		`INSERT INTO messages (id, type, payload, timestamp, source, processed, retry_count) VALUES (?, ?, ?, ?, ?, 0, 0)`,
		uuid.NewString(), msgType, string(data), nowMs(), b.source,
	)
	if err != nil {
		return brerr.New(brerr.Internal, "bus.Publish", err)
	}
	return nil
}

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Subscribe registers handler for msgType. Multiple handlers for the same
// type are invoked sequentially in registration order.
func (b *Bus) Subscribe(msgType string, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[msgType] = append(b.handlers[msgType], handler)
	idx := len(b.handlers[msgType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[msgType]
		if idx < len(hs) {
			b.handlers[msgType] = append(hs[:idx], hs[idx+1:]...)
		}
	}
}

// Start replays all unprocessed rows once, then polls every 100ms for new
// unprocessed rows ordered by timestamp, until ctx is cancelled or Stop is
// called.
func (b *Bus) Start(ctx context.Context) {
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)

		b.pollOnce()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.pollOnce()
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight poll to finish.
func (b *Bus) Stop() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	<-b.done
}

// pollOnce dequeues every unprocessed, non-dead-lettered row ordered by
// timestamp and dispatches it.
func (b *Bus) pollOnce() {
	rows, err := b.db.Query(
		`SELECT id, type, payload, timestamp, source, retry_count FROM messages
		 WHERE processed = 0 AND retry_count < ? ORDER BY timestamp ASC`,
		maxRetries,
	)
	if err != nil {
		logger.Error("bus: poll query failed", map[string]any{"error": err.Error()})
		return
	}

	var messages []Message
	for rows.Next() {
		var m Message
		var payloadRaw string
		if err := rows.Scan(&m.ID, &m.Type, &payloadRaw, &m.Timestamp, &m.Source, &m.RetryCount); err != nil {
			logger.Error("bus: row scan failed", map[string]any{"error": err.Error()})
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
			logger.Error("bus: payload decode failed", map[string]any{"id": m.ID, "error": err.Error()})
			continue
		}
		m.Payload = payload
		messages = append(messages, m)
	}
	rows.Close()

	for _, m := range messages {
		b.dispatch(m)
	}
}

func (b *Bus) dispatch(m Message) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[m.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.markProcessed(m.ID)
		return
	}

	for _, h := range handlers {
		if err := h(m); err != nil {
			logger.Warn("bus: handler failed", map[string]any{
				"id": m.ID, "type": m.Type, "retry_count": m.RetryCount + 1, "error": err.Error(),
			})
			b.recordFailure(m.ID, err)
			return
		}
	}
	b.markProcessed(m.ID)
}

func (b *Bus) markProcessed(id string) {
	if _, err := b.db.Exec(`UPDATE messages SET processed = 1, processed_at = ? WHERE id = ?`, nowMs(), id); err != nil {
		logger.Error("bus: failed to mark processed", map[string]any{"id": id, "error": err.Error()})
	}
}

func (b *Bus) recordFailure(id string, handlerErr error) {
	msg := handlerErr.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	if _, err := b.db.Exec(
		`UPDATE messages SET retry_count = retry_count + 1, error = ? WHERE id = ?`,
		msg, id,
	); err != nil {
		logger.Error("bus: failed to record failure", map[string]any{"id": id, "error": err.Error()})
	}
}
