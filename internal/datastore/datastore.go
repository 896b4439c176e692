// Package datastore implements the remote-data-handle store the
// surrogate interposes on perform_task's store=true path and exposes
// directly as resolve/retain/expire/store_data. An embedded sqlite
// database backs it; a single-node surrogate needs nothing heavier.
package datastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/madsdk/python-execution-environment/internal/taskerr"
)

// Handle is an opaque identifier for a stored payload.
type Handle string

// Store is the embedded remote-data-handle table.
type Store struct {
	db         *sql.DB
	defaultTTL time.Duration
}

// Open creates or attaches to the sqlite file at path and ensures its
// schema exists.
func Open(path string, defaultTTLSecs int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS handles (
			handle      TEXT PRIMARY KEY,
			payload     TEXT NOT NULL,
			retain_count INTEGER NOT NULL DEFAULT 0,
			expires_at  INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return &Store{
		db:         db,
		defaultTTL: time.Duration(defaultTTLSecs) * time.Second,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// StoreData persists payload behind a freshly minted handle.
func (s *Store) StoreData(payload interface{}) (Handle, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("datastore: marshal payload: %w", err)
	}
	h := Handle(uuid.NewString())
	expires := time.Now().Add(s.defaultTTL).Unix()
	if _, err := s.db.Exec(
		`INSERT INTO handles (handle, payload, retain_count, expires_at) VALUES (?, ?, 0, ?)`,
		string(h), string(blob), expires,
	); err != nil {
		return "", fmt.Errorf("datastore: insert: %w", err)
	}
	return h, nil
}

// ResolveDataHandle returns the payload behind h, decoded into a
// generic Go value.
func (s *Store) ResolveDataHandle(h Handle) (interface{}, error) {
	var blob string
	err := s.db.QueryRow(`SELECT payload FROM handles WHERE handle = ?`, string(h)).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, &taskerr.UnknownDataHandleError{Handle: string(h)}
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: resolve %s: %w", h, err)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(blob), &v); err != nil {
		return nil, fmt.Errorf("datastore: unmarshal %s: %w", h, err)
	}
	return v, nil
}

// RetainDataHandle increments h's retain count, protecting it from the
// next TTL cleanup sweep regardless of age.
func (s *Store) RetainDataHandle(h Handle) error {
	res, err := s.db.Exec(`UPDATE handles SET retain_count = retain_count + 1 WHERE handle = ?`, string(h))
	if err != nil {
		return fmt.Errorf("datastore: retain %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &taskerr.UnknownDataHandleError{Handle: string(h)}
	}
	return nil
}

// ExpireDataHandle removes h immediately, regardless of retain count.
func (s *Store) ExpireDataHandle(h Handle) error {
	res, err := s.db.Exec(`DELETE FROM handles WHERE handle = ?`, string(h))
	if err != nil {
		return fmt.Errorf("datastore: expire %s: %w", h, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &taskerr.UnknownDataHandleError{Handle: string(h)}
	}
	return nil
}

// Cleanup deletes every expired, unretained handle. Called
// periodically by the surrogate's maintenance loop.
func (s *Store) Cleanup() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM handles WHERE retain_count = 0 AND expires_at < ?`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("datastore: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
