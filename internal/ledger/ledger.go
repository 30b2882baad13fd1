// Package ledger records completed migrations in a durable, queryable
// log, supplementing the teacher's flat per-command response directory
// (internal/ron's responsePath/responseHandler: one directory per
// command id, written once and read back by the CLI) with a transactional
// embedded KV store, since this spec's operations complete asynchronously
// on a remote peer rather than via a local command id a client polls.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var migrationsBucket = []byte("migrations")

// Kind distinguishes which operation produced a Record.
type Kind string

const (
	KindEmigratePPM Kind = "emigrate-ppm"
	KindEmigrateNPM Kind = "emigrate-npm"
	KindMigrateHome Kind = "migrate-home"
)

// Record is one completed migration event, keyed by LocalPID+When for
// uniqueness across repeated migrations of the same process.
type Record struct {
	LocalPID  int
	RemotePID int
	NodeID    uint32
	Kind      Kind
	Status    string
	When      time.Time
}

func (r Record) key() []byte {
	return []byte(fmt.Sprintf("%020d/%d", r.When.UnixNano(), r.LocalPID))
}

// Ledger wraps a bbolt database holding the migration history.
type Ledger struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(migrationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends r to the journal.
func (l *Ledger) Record(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(migrationsBucket).Put(r.key(), data)
	})
}

// ForPID returns every recorded migration for localPID, oldest first.
func (l *Ledger) ForPID(localPID int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(migrationsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("ledger: unmarshal record %s: %w", k, err)
			}
			if r.LocalPID == localPID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// Recent returns up to limit most-recently-recorded migrations, newest
// first.
func (l *Ledger) Recent(limit int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(migrationsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("ledger: unmarshal record %s: %w", k, err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
