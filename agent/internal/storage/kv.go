package storage

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Get returns the value stored under key. ok is false when the key has
// never been written.
func (db *DB) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	conn, err := db.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer db.pool.Put(conn)

	value, ok, err = getKey(conn, key)
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return value, ok, nil
}

// Put replaces the value stored under key.
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	conn, err := db.take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	if err := putKey(conn, key, value); err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

// Update atomically replaces the value under key with fn(old). old is nil
// when the key is absent. If fn returns an error nothing is written and
// the error is returned unchanged.
func (db *DB) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) (err error) {
	conn, err := db.take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: update %q: begin: %w", key, err)
	}
	defer endTransaction(&err)

	old, _, err := getKey(conn, key)
	if err != nil {
		return fmt.Errorf("storage: update %q: %w", key, err)
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if err := putKey(conn, key, next); err != nil {
		return fmt.Errorf("storage: update %q: %w", key, err)
	}
	return nil
}

func getKey(conn *sqlite.Conn, key string) (value []byte, ok bool, err error) {
	err = sqlitex.Execute(conn, `SELECT value FROM kv WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = columnBlob(stmt, 0)
			ok = true
			return nil
		},
	})
	return value, ok, err
}

func putKey(conn *sqlite.Conn, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return sqlitex.Execute(conn,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
}
