package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "keys.tdb"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveFetchRoundTrip(t *testing.T) {
	db := openTestDB(t)

	rec := Record{
		Magic:     RecordMagic,
		Timestamp: 12345,
		Port1:     14550,
	}
	copy(rec.SecretKey[:], []byte("0123456789abcdef0123456789abcdef"))

	if err := db.Save(14551, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := db.Fetch(14551)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestFetchMissing(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Fetch(9999); err != ErrNotFound {
		t.Fatalf("Fetch on missing key: got %v, want ErrNotFound", err)
	}
}

func TestSigningDisabled(t *testing.T) {
	var r Record
	if !r.SigningDisabled() {
		t.Fatal("zero-value record should report signing disabled")
	}
	r.Timestamp = 1
	if r.SigningDisabled() {
		t.Fatal("nonzero timestamp should report signing enabled")
	}
}

func TestTraverseSkipsInvalidRecords(t *testing.T) {
	db := openTestDB(t)

	valid := Record{Magic: RecordMagic, Port1: 1}
	if err := db.Save(100, valid); err != nil {
		t.Fatalf("Save valid: %v", err)
	}
	// Write a record with the wrong magic directly to simulate corruption.
	invalid := Record{Magic: 0xdeadbeef, Port1: 2}
	if err := db.Save(200, invalid); err != nil {
		t.Fatalf("Save invalid: %v", err)
	}

	seen := map[int32]Record{}
	if err := db.Traverse(func(port2 int32, rec Record) {
		seen[port2] = rec
	}); err != nil {
		t.Fatalf("Traverse: %v", err)
	}

	if _, ok := seen[100]; !ok {
		t.Error("expected valid record at port2=100 to be visited")
	}
	if _, ok := seen[200]; ok {
		t.Error("expected invalid-magic record at port2=200 to be skipped")
	}
}

func TestTxCommitAndCancel(t *testing.T) {
	db := openTestDB(t)

	rec := Record{Magic: RecordMagic, Port1: 5}
	if err := db.Save(300, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loaded, err := tx.Fetch(300)
	if err != nil {
		t.Fatalf("tx.Fetch: %v", err)
	}
	loaded.Connections = 1
	if err := tx.Save(300, loaded); err != nil {
		t.Fatalf("tx.Save: %v", err)
	}
	if err := tx.Cancel(); err != nil {
		t.Fatalf("tx.Cancel: %v", err)
	}

	after, err := db.Fetch(300)
	if err != nil {
		t.Fatalf("Fetch after cancel: %v", err)
	}
	if after.Connections != 0 {
		t.Fatalf("cancelled transaction should not persist: got Connections=%d", after.Connections)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loaded2, _ := tx2.Fetch(300)
	loaded2.Connections = 7
	_ = tx2.Save(300, loaded2)
	if err := tx2.Commit(); err != nil {
		t.Fatalf("tx.Commit: %v", err)
	}

	committed, err := db.Fetch(300)
	if err != nil {
		t.Fatalf("Fetch after commit: %v", err)
	}
	if committed.Connections != 7 {
		t.Fatalf("committed transaction should persist: got Connections=%d", committed.Connections)
	}
}
