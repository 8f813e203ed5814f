package storage

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetCheckpointRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutCheckpoint(3, []byte("blob-3")); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	got, err := db.GetCheckpoint(3)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if string(got) != "blob-3" {
		t.Errorf("GetCheckpoint(3) = %q, want %q", got, "blob-3")
	}
}

func TestGetCheckpointMissingReturnsNilNoError(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetCheckpoint(99)
	if err != nil {
		t.Fatalf("expected no error for a missing checkpoint, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for a missing checkpoint, got %v", got)
	}
}

func TestAllCheckpointsReturnsEveryShard(t *testing.T) {
	db := openTestDB(t)
	for _, id := range []uint16{0, 1, 5} {
		if err := db.PutCheckpoint(id, []byte{byte(id)}); err != nil {
			t.Fatalf("PutCheckpoint(%d): %v", id, err)
		}
	}
	all, err := db.AllCheckpoints()
	if err != nil {
		t.Fatalf("AllCheckpoints: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(AllCheckpoints()) = %d, want 3", len(all))
	}
	for _, id := range []uint16{0, 1, 5} {
		if _, ok := all[id]; !ok {
			t.Errorf("expected shard %d in AllCheckpoints()", id)
		}
	}
}

func TestPutGetActivePolicyRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutActivePolicy([]byte(`{"version":"v1"}`)); err != nil {
		t.Fatalf("PutActivePolicy: %v", err)
	}
	got, err := db.GetActivePolicy()
	if err != nil {
		t.Fatalf("GetActivePolicy: %v", err)
	}
	if string(got) != `{"version":"v1"}` {
		t.Errorf("GetActivePolicy() = %q, want the stored blob", got)
	}
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	}); err != nil {
		t.Fatalf("corrupting schema_version: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Error("expected Open to reject a database with a mismatched schema_version")
	}
}
