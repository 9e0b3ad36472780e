// Package pinning remembers the public keys servers presented and rejects
// later handshakes that present a different one. Pins live in a sqlite
// database keyed by origin ("host:port").
package pinning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultLifetime is how long a pin stays valid after it was last seen.
const DefaultLifetime = 30 * 24 * time.Hour

var ErrNotFound = errors.New("pinning: no pin for origin")

// Record is the pin set stored for one origin.
type Record struct {
	// SPKIHashes are SHA-256 digests of SubjectPublicKeyInfo structures.
	SPKIHashes [][]byte `cbor:"1,keyasint" json:"spki_hashes"`
	AuthMethod string   `cbor:"2,keyasint,omitempty" json:"auth_method,omitempty"`
	FirstSeen  int64    `cbor:"3,keyasint" json:"first_seen"`
	LastSeen   int64    `cbor:"4,keyasint" json:"last_seen"`
}

// Matches reports whether hash is one of the pinned keys.
func (r *Record) Matches(hash []byte) bool {
	for _, h := range r.SPKIHashes {
		if string(h) == string(hash) {
			return true
		}
	}
	return false
}

// Store is a pin database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the pin database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("pinning: open %s: %w", path, err)
	}
	// Tolerate concurrent handshakes against the same file.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS pins (
		origin TEXT NOT NULL PRIMARY KEY,
		record BLOB NOT NULL,
		valid_until INTEGER NOT NULL
	);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pinning: create table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StorePins replaces the pins for origin. They expire lifetime after
// rec.LastSeen.
func (s *Store) StorePins(ctx context.Context, origin string, rec *Record, lifetime time.Duration) error {
	if rec == nil || len(rec.SPKIHashes) == 0 {
		return fmt.Errorf("pinning: empty pin set for %s", origin)
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pinning: encode record: %w", err)
	}
	validUntil := time.Unix(rec.LastSeen, 0).Add(lifetime)
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO pins (origin, record, valid_until) VALUES (?, ?, ?)",
		origin, blob, validUntil.Unix())
	if err != nil {
		return fmt.Errorf("pinning: store %s: %w", origin, err)
	}
	return nil
}

// ReadPins returns the unexpired pins for origin, or ErrNotFound.
func (s *Store) ReadPins(ctx context.Context, origin string) (*Record, error) {
	var blob []byte
	var validUntil int64
	err := s.db.QueryRowContext(ctx,
		"SELECT record, valid_until FROM pins WHERE origin = ?", origin).Scan(&blob, &validUntil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("pinning: read %s: %w", origin, err)
	}
	if s.now().Unix() >= validUntil {
		return nil, ErrNotFound
	}

	rec := new(Record)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, fmt.Errorf("pinning: decode record for %s: %w", origin, err)
	}
	return rec, nil
}

// DeletePins removes the pins for origin and reports whether any existed.
func (s *Store) DeletePins(ctx context.Context, origin string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pins WHERE origin = ?", origin)
	if err != nil {
		return false, fmt.Errorf("pinning: delete %s: %w", origin, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Clear removes every pin.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pins"); err != nil {
		return fmt.Errorf("pinning: clear: %w", err)
	}
	return nil
}

// Cleanup drops expired pins and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pins WHERE valid_until <= ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("pinning: cleanup: %w", err)
	}
	return res.RowsAffected()
}
