// Package sqlite implements the event store, outbox, projection checkpoints,
// projection status and integration inbox on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const memoryDSN = ":memory:"

// config holds internal configuration shared by the SQLite stores.
type config struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	busyTimeout time.Duration

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	// outbox records every appended event in event_outbox
	outbox bool

	logger *slog.Logger
}

func defaultConfig() config {
	return config{
		dsn:          "bizsuite.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		busyTimeout:  5 * time.Second,
		autoMigrate:  true,
		outbox:       true,
		logger:       slog.Default(),
	}
}

// Option configures how a SQLite database is opened.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
// A URI DSN or one that already carries query parameters is passed to the
// driver unchanged.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = memoryDSN
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging.
// Ignored for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithOutbox controls whether Append also writes event_outbox rows.
// Enabled by default.
func WithOutbox(enabled bool) Option {
	return func(c *config) {
		c.outbox = enabled
	}
}

// WithLogger sets the logger used by the stores.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Open opens a SQLite database configured for concurrent writers: every
// transaction takes the write lock up front and waits up to the busy timeout
// for it.
func Open(opts ...Option) (*sql.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return openDB(cfg)
}

func openDB(cfg config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own isolated database.
	if cfg.dsn == memoryDSN {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func buildDSN(cfg config) string {
	if strings.HasPrefix(cfg.dsn, "file:") || strings.Contains(cfg.dsn, "?") {
		return cfg.dsn
	}

	params := []string{
		"_txlock=immediate",
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.busyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if cfg.walMode && cfg.dsn != memoryDSN {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}

	return cfg.dsn + "?" + strings.Join(params, "&")
}
