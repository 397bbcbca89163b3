// Package audit implements the append-only audit ledger: game start/stop,
// ignore-list mutation, and layer-supersession events, persisted with
// bbolt and queryable by time range.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is a system-wide bbolt file location. The daemon does not
	// use it: its ledger path comes from config.Config.AuditDBPath, which
	// defaults to audit.db under the data directory.
	DefaultDBPath = "/var/lib/capframexd/audit.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// EventType identifies the kind of event a LedgerEntry records.
type EventType string

const (
	EventGameStarted     EventType = "game_started"
	EventGameStopped     EventType = "game_stopped"
	EventIgnoreAdded     EventType = "ignore_added"
	EventIgnoreRemoved   EventType = "ignore_removed"
	EventLayerSuperseded EventType = "layer_superseded"
)

// LedgerEntry is a single audit log record, stored as JSON in the ledger
// bucket.
type LedgerEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	PID         uint32    `json:"pid"`
	ProcessName string    `json:"process_name"`
	Event       EventType `json:"event"`
	Detail      string    `json:"detail,omitempty"`
}

// DB wraps a bbolt instance with typed accessors for the audit ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int

	writeLatency  prometheus.Histogram
	ledgerEntries prometheus.Gauge
}

// SetMetrics wires writeLatency and ledgerEntries to be updated on every
// Append/PruneOldEntries call. Either may be nil.
func (d *DB) SetMetrics(writeLatency prometheus.Histogram, ledgerEntries prometheus.Gauge) {
	d.writeLatency = writeLatency
	d.ledgerEntries = ledgerEntries
	if d.ledgerEntries != nil {
		if n, err := d.count(); err == nil {
			d.ledgerEntries.Set(float64(n))
		}
	}
}

func (d *DB) count() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketLedger)).Stats().KeyN
		return nil
	})
	return n, err
}

// Open opens (or creates) the bbolt database at path, initializing its
// buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, daemon requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ledgerKey constructs a sortable bbolt key: fixed-width UTC timestamp with
// nanoseconds + "_" + zero-padded PID. Lexicographic sort equals
// chronological sort.
func ledgerKey(t time.Time, pid uint32) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), pid))
}

// Append writes a new audit ledger entry in a single ACID transaction.
func (d *DB) Append(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("Append marshal: %w", err)
	}
	key := ledgerKey(entry.Timestamp, entry.PID)

	start := time.Now()
	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("Append bolt.Put: %w", err)
		}
		return nil
	})
	if d.writeLatency != nil {
		d.writeLatency.Observe(time.Since(start).Seconds())
	}
	if err == nil && d.ledgerEntries != nil {
		d.ledgerEntries.Inc()
	}
	return err
}

// PruneOldEntries deletes ledger entries older than the configured
// retention window. Returns the number of entries deleted.
func (d *DB) PruneOldEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err == nil && deleted > 0 && d.ledgerEntries != nil {
		d.ledgerEntries.Sub(float64(deleted))
	}
	return deleted, err
}

// ReadAll returns every ledger entry in chronological order.
func (d *DB) ReadAll() ([]LedgerEntry, error) {
	return d.ReadSince(time.Time{})
}

// ReadSince returns every ledger entry at or after since, in chronological
// order.
func (d *DB) ReadSince(since time.Time) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.Timestamp.Before(since) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	return entries, err
}
