// Package storage — bolt.go
//
// BoltDB-backed persistent storage for the Gatekeeper Tier-1 detection
// engine: the external persistence collaborator spec.md §3/§6 describes
// for checkpoint blobs and policy metadata.
//
// Schema (BoltDB bucket layout):
//
//	/checkpoints
//	    key:   shard id, big-endian uint16 (2 bytes)
//	    value: the shard's latest checkpoint.Encode container
//
//	/policy
//	    key:   "active"
//	    value: the currently published policy.Snapshot blob (JSON)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in); the
//     checkpoint container's own CRC32 trailer is checked again by
//     checkpoint.Decode on top of that.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The agent logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error. The caller logs the
//     error and continues without persisting (in-memory state preserved),
//     per spec.md §7: checkpoint I/O failures never propagate to the hot path.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketCheckpoints = "checkpoints"
	bucketPolicy      = "policy"
	bucketMeta        = "meta"

	policyKeyActive = "active"
)

// DB wraps a BoltDB instance with typed accessors for Gatekeeper
// checkpoint blobs and policy metadata.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path,
// initializing all required buckets and verifying the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCheckpoints, bucketPolicy, bucketMeta} {
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
			return fmt.Errorf(
				"schema version mismatch: database has %q, agent requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// shardKey returns the 2-byte big-endian key a shard's checkpoint is
// stored under, sorting numerically under bbolt's lexicographic cursor.
func shardKey(shardID uint16) []byte {
	key := make([]byte, 2)
	binary.BigEndian.PutUint16(key, shardID)
	return key
}

// PutCheckpoint stores shardID's latest checkpoint container blob,
// overwriting any previous checkpoint for that shard.
func (d *DB) PutCheckpoint(shardID uint16, blob []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoints))
		if err := b.Put(shardKey(shardID), blob); err != nil {
			return fmt.Errorf("PutCheckpoint(shard=%d): %w", shardID, err)
		}
		return nil
	})
}

// GetCheckpoint retrieves shardID's stored checkpoint blob. Returns
// (nil, nil) if no checkpoint has ever been written for that shard.
func (d *DB) GetCheckpoint(shardID uint16) ([]byte, error) {
	var blob []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoints))
		data := b.Get(shardKey(shardID))
		if data == nil {
			return nil
		}
		blob = make([]byte, len(data))
		copy(blob, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetCheckpoint(shard=%d): %w", shardID, err)
	}
	return blob, nil
}

// AllCheckpoints returns every stored shard checkpoint, keyed by shard
// id, for startup recovery across the whole engine.
func (d *DB) AllCheckpoints() (map[uint16][]byte, error) {
	out := make(map[uint16][]byte)
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCheckpoints))
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 2 {
				return nil
			}
			shardID := binary.BigEndian.Uint16(k)
			blob := make([]byte, len(v))
			copy(blob, v)
			out[shardID] = blob
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("AllCheckpoints: %w", err)
	}
	return out, nil
}

// PutActivePolicy persists the currently active policy.Snapshot blob,
// so a restart can resume enforcing the last published policy before
// any new snapshot arrives over the control plane.
func (d *DB) PutActivePolicy(blob []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPolicy))
		if err := b.Put([]byte(policyKeyActive), blob); err != nil {
			return fmt.Errorf("PutActivePolicy: %w", err)
		}
		return nil
	})
}

// GetActivePolicy retrieves the last persisted active policy blob.
// Returns (nil, nil) if none has ever been stored.
func (d *DB) GetActivePolicy() ([]byte, error) {
	var blob []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPolicy))
		data := b.Get([]byte(policyKeyActive))
		if data == nil {
			return nil
		}
		blob = make([]byte, len(data))
		copy(blob, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetActivePolicy: %w", err)
	}
	return blob, nil
}
