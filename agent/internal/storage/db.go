package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrClosed is returned by every operation on a closed DB.
var ErrClosed = errors.New("storage: closed")

// DefaultPoolSize is used when Config.PoolSize is zero or negative.
const DefaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS queue (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	record BLOB NOT NULL
);
`

// Config holds the parameters for opening a DB.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections.
	PoolSize int

	// Logger receives open/close and append-failure messages. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// DB is a pooled SQLite handle. Safe for concurrent use.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
	closed atomic.Bool
}

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema on every new connection.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}

	db := &DB{pool: pool, logger: logger, path: cfg.Path}

	// Touch one connection so schema errors surface here, not on first use.
	conn, err := db.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	db.pool.Put(conn)

	logger.Debug("storage: opened", "path", cfg.Path, "pool_size", size)
	return db, nil
}

// Close closes every pooled connection. Blocks until borrowed connections
// are returned. A second call is a no-op.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", db.path, err)
	}
	db.logger.Debug("storage: closed", "path", db.path)
	return nil
}

func (db *DB) take(ctx context.Context) (*sqlite.Conn, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	return conn, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", p, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("storage: schema: %w", err)
	}
	return nil
}

// columnBlob copies column col of the current row.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}
