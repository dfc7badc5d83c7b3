package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	_ "modernc.org/sqlite"
)

var log = logging.Logger("offchat/storage")

const (
	// DefaultSentRetention is how long delivered messages are kept before GC.
	DefaultSentRetention = 7 * 24 * time.Hour

	// DefaultContactTTL is how long a contact may go unseen before GC.
	DefaultContactTTL = 24 * time.Hour

	// DefaultRecentWindow is the window used by ListRecentContacts when none is given.
	DefaultRecentWindow = time.Hour
)

var (
	// ErrStorageUnavailable is returned by every operation until Init has
	// completed, and again after Close.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned by InsertMessage when an inbound message with
	// the same origin id is already stored. The existing id is returned with it.
	ErrDuplicate = errors.New("duplicate message")

	// ErrInvalidTransition is returned when a status change would move a
	// message backwards (e.g. sent -> failed).
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	chat_id          TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	content          TEXT NOT NULL DEFAULT '',
	message_type     TEXT NOT NULL DEFAULT 'text',
	timestamp        INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	transaction_data TEXT,
	peer_device_id   TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL DEFAULT 'outbound',
	origin_id        TEXT NOT NULL DEFAULT '',
	origin_timestamp INTEGER NOT NULL DEFAULT 0,
	last_attempt_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_origin
	ON messages(direction, origin_id) WHERE origin_id <> '';

CREATE TABLE IF NOT EXISTS contacts (
	peer_device_id TEXT PRIMARY KEY,
	id             TEXT NOT NULL,
	username       TEXT NOT NULL DEFAULT '',
	last_seen      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON contacts(last_seen);

CREATE TABLE IF NOT EXISTS chats (
	id            TEXT PRIMARY KEY,
	last_activity INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chats_last_activity ON chats(last_activity);
`

// Store is the durable offline queue: messages, peer contacts and chat
// metadata in a single SQLite file.
type Store struct {
	path string
	clk  clock.Clock

	sentRetention time.Duration
	contactTTL    time.Duration

	mu sync.RWMutex
	db *sql.DB // nil until Init, and again after Close
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps and retention.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// WithRetention overrides the GC horizons. Zero values keep the defaults.
func WithRetention(sent, contacts time.Duration) Option {
	return func(s *Store) {
		if sent > 0 {
			s.sentRetention = sent
		}
		if contacts > 0 {
			s.contactTTL = contacts
		}
	}
}

// New returns an uninitialized store backed by the file at path.
// Call Init before use.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:          path,
		clk:           clock.New(),
		sentRetention: DefaultSentRetention,
		contactTTL:    DefaultContactTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates and initializes a store in one step.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database file and creates the schema. Calling Init on an
// already initialized store is a no-op.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// WAL lets readers proceed while a writer holds the lock.
	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.db = db
	log.Infof("opened offline store at %s", s.path)
	return nil
}

// Ready reports whether Init has completed and Close has not been called.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Close closes the database. Further operations fail with ErrStorageUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// now returns the store clock in unix milliseconds.
func (s *Store) now() int64 {
	return s.clk.Now().UnixMilli()
}

// write runs fn in a transaction under the write lock.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStorageUnavailable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// read runs fn under the read lock.
func (s *Store) read(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStorageUnavailable
	}
	return fn(s.db)
}

// GCResult reports what GarbageCollect removed.
type GCResult struct {
	Messages int64
	Contacts int64
}

// GarbageCollect deletes sent messages older than the retention horizon and
// contacts unseen for longer than the contact TTL. Pending and failed
// messages are never removed here, whatever their age.
func (s *Store) GarbageCollect(ctx context.Context) (GCResult, error) {
	var res GCResult
	now := s.clk.Now()
	msgCutoff := now.Add(-s.sentRetention).UnixMilli()
	contactCutoff := now.Add(-s.contactTTL).UnixMilli()

	err := s.write(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE status = ? AND timestamp < ?`,
			string(StatusSent), msgCutoff)
		if err != nil {
			return fmt.Errorf("gc messages: %w", err)
		}
		res.Messages, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx, `DELETE FROM contacts WHERE last_seen < ?`, contactCutoff)
		if err != nil {
			return fmt.Errorf("gc contacts: %w", err)
		}
		res.Contacts, _ = r.RowsAffected()

		// Chats with no remaining messages and no recent activity go too.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM chats
			WHERE last_activity < ?
			  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = chats.id)`,
			msgCutoff); err != nil {
			return fmt.Errorf("gc chats: %w", err)
		}
		return nil
	})
	if err != nil {
		return GCResult{}, err
	}
	if res.Messages > 0 || res.Contacts > 0 {
		log.Infow("garbage collected", "messages", res.Messages, "contacts", res.Contacts)
	}
	return res, nil
}

// Stats summarizes the store contents.
type Stats struct {
	Messages int
	Pending  int
	Failed   int
	Contacts int
	Chats    int
}

// Stats returns row counts for the offline store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM messages),
				(SELECT COUNT(*) FROM messages WHERE direction = 'outbound' AND status = 'pending'),
				(SELECT COUNT(*) FROM messages WHERE direction = 'outbound' AND status = 'failed'),
				(SELECT COUNT(*) FROM contacts),
				(SELECT COUNT(*) FROM chats)`).
			Scan(&st.Messages, &st.Pending, &st.Failed, &st.Contacts, &st.Chats)
	})
	return st, err
}
