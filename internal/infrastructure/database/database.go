package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	connectionTimeout = 5 * time.Second
	connMaxIdleTime   = 30 * time.Minute
)

// DB wraps a sql.DB with migration support and health checks.
//
// The run history and the command audit trail share one file. Repositories
// take the embedded *sql.DB directly.
//
// Thread Safety:
//   - Safe for concurrent use; the pool holds a single connection, so
//     statements are serialised by database/sql.
type DB struct {
	*sql.DB
	path string
}

// Config contains database open options.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// WALMode lets the API read run history while the controller writes.
	WALMode bool

	// BusyTimeout is the lock wait in seconds.
	BusyTimeout int
}

// DSN builds the go-sqlite3 connection string for cfg.
//
// Foreign keys are always on. WALMode adds journal_mode=WAL with
// synchronous=NORMAL.
//
// Example:
//
//	Config{Path: "data/runs.db", BusyTimeout: 5}.DSN()
//	// "file:data/runs.db?_busy_timeout=5000&_foreign_keys=on"
func (cfg Config) DSN() string {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout*int(time.Second/time.Millisecond))
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// Open creates the database directory, opens the file and verifies the
// connection with a ping.
//
// Parameters:
//   - cfg: File path, WAL mode and busy timeout from the database section
//
// The file is restricted to the owner (0600) and its directory to 0750.
// Migrations are not applied here; call Migrate after Open.
//
// Returns:
//   - *DB: Open handle with a single-connection pool
//   - error: When the path is empty, the directory cannot be created, or
//     the ping fails within five seconds
//
// Example:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return fmt.Errorf("opening database: %w", err)
//	}
//	defer db.Close()
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer. Run history writes are small and infrequent.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file may not exist until first write

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query to confirm the database answers.
//
// Parameters:
//   - ctx: Bounds the query; the API passes the health endpoint's deadline
//
// Returns:
//   - error: nil when SELECT 1 succeeds, otherwise the wrapped driver error
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
