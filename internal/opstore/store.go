// Package opstore persists a per-document operation log so a
// reconnecting client can SYNC_REQUEST the edits it missed. Wiring an
// opstore.Store into WebSocketServer is opt-in; without one the server
// runs as a pure relay and SYNC_RESPONSE always carries an empty
// operations slice.
package opstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/collabtext/realtime-engine/pkg/clock"
	"github.com/collabtext/realtime-engine/pkg/ot"
)

// Store is the persistence contract a WebSocketServer relies on for
// SYNC_REQUEST/SYNC_RESPONSE. Implementations must be safe for
// concurrent use.
type Store interface {
	Append(documentID string, op ot.Operation) error
	OperationsSince(documentID string, since clock.VectorClock) ([]ot.Operation, error)
	VectorClock(documentID string) (clock.VectorClock, error)
	Close() error
}

// SQLiteStore is the default Store, backed by a simple per-document
// operations table.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or attaches to) a sqlite database at path and ensures
// its schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opstore: open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		operation_data TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_document_id ON operations(document_id);
	CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp);

	CREATE TABLE IF NOT EXISTS document_clocks (
		document_id TEXT PRIMARY KEY,
		clock_data TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("opstore: create schema: %w", err)
	}
	return nil
}

// Append stores op in the document's log and advances its recorded
// vector clock. Duplicate ids (the same operation persisted twice) are
// silently ignored, matching the idempotence the CRDT layer already
// guarantees in-memory.
func (s *SQLiteStore) Append(documentID string, op ot.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("opstore: serialize operation: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO operations (id, document_id, user_id, operation_data, timestamp)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		op.ID, documentID, op.UserID, string(data), op.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("opstore: append operation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("opstore: check insert result: %w", err)
	}
	if rows == 0 {
		return nil
	}

	vc, err := s.VectorClock(documentID)
	if err != nil {
		return err
	}
	vc.Increment(op.UserID)
	return s.saveClock(documentID, vc)
}

// OperationsSince returns every operation recorded for documentID that
// is not already reflected in since (i.e. the caller's clock does not
// dominate the operation's originating user's counter).
func (s *SQLiteStore) OperationsSince(documentID string, since clock.VectorClock) ([]ot.Operation, error) {
	rows, err := s.db.Query(
		`SELECT operation_data FROM operations WHERE document_id = ? ORDER BY timestamp ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("opstore: query operations: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]int64)
	var out []ot.Operation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("opstore: scan operation: %w", err)
		}
		var op ot.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("opstore: deserialize operation: %w", err)
		}

		seen[op.UserID]++
		if since != nil && seen[op.UserID] <= since.Get(op.UserID) {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

// VectorClock returns the document's recorded clock, or an empty clock
// if nothing has been appended yet.
func (s *SQLiteStore) VectorClock(documentID string) (clock.VectorClock, error) {
	var raw string
	err := s.db.QueryRow(`SELECT clock_data FROM document_clocks WHERE document_id = ?`, documentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return clock.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opstore: query clock: %w", err)
	}

	vc, err := clock.FromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("opstore: deserialize clock: %w", err)
	}
	return vc, nil
}

func (s *SQLiteStore) saveClock(documentID string, vc clock.VectorClock) error {
	data, err := vc.ToJSON()
	if err != nil {
		return fmt.Errorf("opstore: serialize clock: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO document_clocks (document_id, clock_data) VALUES (?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET clock_data = excluded.clock_data`,
		documentID, data,
	)
	if err != nil {
		return fmt.Errorf("opstore: save clock: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
