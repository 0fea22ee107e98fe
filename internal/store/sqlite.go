package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// SQLite implements Gateway on a single SQLite file.
type SQLite struct {
	db         *sql.DB
	path       string
	bcryptCost int
	now        func() time.Time
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *SQLite) { s.bcryptCost = cost }
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "configure database: %s", pragma)
		}
	}

	s := &SQLite{db: db, path: path, bcryptCost: bcrypt.DefaultCost, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Database ready at %s", path)
	return s, nil
}

func (s *SQLite) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			username     TEXT UNIQUE NOT NULL,
			password     TEXT NOT NULL,
			avatar_color TEXT DEFAULT '#3390ec',
			created_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id         TEXT PRIMARY KEY,
			name       TEXT,
			type       TEXT DEFAULT 'private',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sender_id  TEXT NOT NULL REFERENCES users(id),
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			read_at    INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_participants_user ON chat_participants(user_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return errors.Wrap(err, "create tables")
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

var _ Gateway = (*SQLite)(nil)
