package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Queue is the durable FIFO of undelivered message records. Many goroutines
// may Append; one consumer peeks and removes. All mutations are serialized
// by an internal mutex.
type Queue struct {
	db    *DB
	mu    sync.Mutex
	count atomic.Int64
}

// NewQueue binds a Queue to db and loads the current depth.
func NewQueue(ctx context.Context, db *DB) (*Queue, error) {
	conn, err := db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM queue`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: queue count: %w", err)
	}

	q := &Queue{db: db}
	q.count.Store(n)
	return q, nil
}

// Append stores record at the tail. Failures are logged, never returned:
// producers must not be able to stall on the queue.
func (q *Queue) Append(ctx context.Context, record []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.append(ctx, record); err != nil {
		q.db.logger.Error("storage: queue append failed, record dropped",
			"bytes", len(record), "err", err)
		return
	}
	q.count.Add(1)
}

func (q *Queue) append(ctx context.Context, record []byte) error {
	conn, err := q.db.take(ctx)
	if err != nil {
		return err
	}
	defer q.db.pool.Put(conn)

	if record == nil {
		record = []byte{}
	}
	return sqlitex.Execute(conn, `INSERT INTO queue (record) VALUES (?)`,
		&sqlitex.ExecOptions{Args: []any{record}})
}

// PushFront puts records back at the head of the queue, in the given order,
// ahead of everything already queued. Like Append, failures are logged.
func (q *Queue) PushFront(ctx context.Context, records ...[]byte) {
	if len(records) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.pushFront(ctx, records); err != nil {
		q.db.logger.Error("storage: queue requeue failed, records dropped",
			"records", len(records), "err", err)
		return
	}
	q.count.Add(int64(len(records)))
}

func (q *Queue) pushFront(ctx context.Context, records [][]byte) (err error) {
	conn, err := q.db.take(ctx)
	if err != nil {
		return err
	}
	defer q.db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: queue requeue: begin: %w", err)
	}
	defer endTransaction(&err)

	head := int64(1)
	err = sqlitex.Execute(conn, `SELECT MIN(seq) FROM queue`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				head = stmt.ColumnInt64(0)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("storage: queue requeue: %w", err)
	}

	first := head - int64(len(records))
	for i, record := range records {
		if record == nil {
			record = []byte{}
		}
		err = sqlitex.Execute(conn, `INSERT INTO queue (seq, record) VALUES (?, ?)`,
			&sqlitex.ExecOptions{Args: []any{first + int64(i), record}})
		if err != nil {
			return fmt.Errorf("storage: queue requeue: %w", err)
		}
	}
	return nil
}

// PeekOldest returns the head record without removing it. ok is false when
// the queue is empty.
func (q *Queue) PeekOldest(ctx context.Context) (record []byte, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.db.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer q.db.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT record FROM queue ORDER BY seq LIMIT 1`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record = columnBlob(stmt, 0)
			ok = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: queue peek: %w", err)
	}
	return record, ok, nil
}

// RemoveOldest deletes the head record. On an empty queue it does nothing.
func (q *Queue) RemoveOldest(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.db.take(ctx)
	if err != nil {
		return err
	}
	defer q.db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM queue WHERE seq = (SELECT MIN(seq) FROM queue)`, nil)
	if err != nil {
		return fmt.Errorf("storage: queue remove: %w", err)
	}
	if conn.Changes() > 0 {
		q.count.Add(-1)
	}
	return nil
}

// Count returns the number of queued records.
func (q *Queue) Count() int {
	return int(q.count.Load())
}

// IsEmpty reports whether the queue holds no records.
func (q *Queue) IsEmpty() bool {
	return q.count.Load() == 0
}
