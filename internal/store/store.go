// Package store persists credentials, usage records and rate-limit counters
// in a relational database. SQLite (default), PostgreSQL and MySQL are
// supported; the schema is applied with embedded goose migrations.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations
var embedMigrations embed.FS

// Driver names accepted in Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver       string
	DSN          string
	DataDir      string // sqlite only; empty means in-memory when DSN is empty
	MaxOpenConns int

	// SkipMigrations leaves the schema untouched; call Migrate explicitly.
	SkipMigrations bool
}

// dialect holds the statements that differ between engines.
type dialect struct {
	name        string
	sqlDriver   string
	goose       goose.Dialect
	ensureOwner string
	lockOwner   string
	consumeSlot string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:        DriverSQLite,
		sqlDriver:   "sqlite",
		goose:       goose.DialectSQLite3,
		ensureOwner: `INSERT INTO owners (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		// The single sqlite connection already serializes writers.
		lockOwner: "",
		consumeSlot: `INSERT INTO rate_limits (bucket, window_start, window_end, count) VALUES (?, ?, ?, 1)
			ON CONFLICT (bucket, window_start) DO UPDATE SET count = rate_limits.count + 1
			WHERE rate_limits.count < ?`,
	},
	DriverPostgres: {
		name:        DriverPostgres,
		sqlDriver:   "pgx",
		goose:       goose.DialectPostgres,
		ensureOwner: `INSERT INTO owners (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		lockOwner:   `SELECT id FROM owners WHERE id = ? FOR UPDATE`,
		consumeSlot: `INSERT INTO rate_limits (bucket, window_start, window_end, count) VALUES (?, ?, ?, 1)
			ON CONFLICT (bucket, window_start) DO UPDATE SET count = rate_limits.count + 1
			WHERE rate_limits.count < ?`,
	},
	DriverMySQL: {
		name:        DriverMySQL,
		sqlDriver:   "mysql",
		goose:       goose.DialectMySQL,
		ensureOwner: `INSERT IGNORE INTO owners (id, created_at) VALUES (?, ?)`,
		lockOwner:   `SELECT id FROM owners WHERE id = ? FOR UPDATE`,
		// Rows affected is 0 when the IF leaves count unchanged.
		consumeSlot: `INSERT INTO rate_limits (bucket, window_start, window_end, count) VALUES (?, ?, ?, 1)
			ON DUPLICATE KEY UPDATE count = IF(count < ?, count + 1, count)`,
	},
}

// Store is the credential store. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects to the configured database and applies pending migrations
// unless cfg.SkipMigrations is set.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if d.name == DriverSQLite && dsn == "" {
		var err error
		if dsn, err = sqliteDSN(cfg.DataDir); err != nil {
			return nil, err
		}
	}
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required for driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{db: db, dialect: d}
	if cfg.SkipMigrations {
		return s, nil
	}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite store under dataDir. Pass empty string for
// in-memory.
func OpenSQLite(dataDir string) (*Store, error) {
	return Open(context.Background(), Config{Driver: DriverSQLite, DataDir: dataDir})
}

// New wraps an existing connection without running migrations. driver must
// be one of the Driver constants.
func New(db *sqlx.DB, driver string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &Store{db: db, dialect: d}, nil
}

func sqliteDSN(dataDir string) (string, error) {
	if dataDir == "" {
		return ":memory:?_pragma=foreign_keys(1)", nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dataDir, "tokend.db") +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

// MigrationResult describes one applied migration.
type MigrationResult struct {
	Version  int64
	Source   string
	Duration time.Duration
}

// Migrate applies all pending migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) ([]MigrationResult, error) {
	fsys, err := fs.Sub(embedMigrations, "migrations/"+s.dialect.name)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(s.dialect.goose, s.db.DB, fsys)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	out := make([]MigrationResult, 0, len(results))
	for _, r := range results {
		out = append(out, MigrationResult{
			Version:  r.Source.Version,
			Source:   r.Source.Path,
			Duration: r.Duration,
		})
	}
	return out, nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a unique or primary key
// violation on any supported engine.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------------------------------------------------------------------------
// Time encoding
// ---------------------------------------------------------------------------

// Instants are stored as unix milliseconds so that comparisons behave the
// same on every engine.

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := toMillis(*t)
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
