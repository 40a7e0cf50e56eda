// Package store provides transactional access to the tenant key/value
// database: a table from port2 (the engineer-facing port) to a fixed-size
// tenant record holding the signing key, signing timestamp high-watermark,
// vehicle port, and lifetime traffic counters.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// RecordMagic is the validity sentinel stored in every Record. A record
// loaded without this value is treated as absent.
const RecordMagic uint64 = 0x6b73e867a72cdd1f

var bucketName = []byte("tenants")

// ErrNotFound is returned by Fetch when no record exists for the given key.
var ErrNotFound = errors.New("store: record not found")

// Record is the persisted tenant record, keyed by Port2. The field order
// and sizes mirror the original 96-byte native layout; only the encoding
// underneath (bbolt instead of a flat tdb file) differs.
type Record struct {
	Magic       uint64
	Timestamp   uint64 // signing timestamp high-watermark, 10us units since 2015-01-01 UTC
	SecretKey   [32]byte
	Port1       int32
	Connections uint32
	Count1      uint32
	Count2      uint32
	Name        [32]byte
}

// Valid reports whether the record was actually loaded (magic matches).
func (r Record) Valid() bool {
	return r.Magic == RecordMagic
}

// SigningDisabled reports whether the record carries no signing key (zero
// timestamp and all-zero secret key). The engineer link treats such a
// record as having no key loaded and rejects every engineer-side frame.
func (r Record) SigningDisabled() bool {
	if r.Timestamp != 0 {
		return false
	}
	for _, b := range r.SecretKey {
		if b != 0 {
			return false
		}
	}
	return true
}

func keyBytes(port2 int32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, uint32(port2))
	return b
}

func encode(r Record) []byte {
	b := make([]byte, 96)
	binary.NativeEndian.PutUint64(b[0:8], r.Magic)
	binary.NativeEndian.PutUint64(b[8:16], r.Timestamp)
	copy(b[16:48], r.SecretKey[:])
	binary.NativeEndian.PutUint32(b[48:52], uint32(r.Port1))
	binary.NativeEndian.PutUint32(b[52:56], r.Connections)
	binary.NativeEndian.PutUint32(b[56:60], r.Count1)
	binary.NativeEndian.PutUint32(b[60:64], r.Count2)
	copy(b[64:96], r.Name[:])
	return b
}

func decode(b []byte) (Record, error) {
	if len(b) != 96 {
		return Record{}, fmt.Errorf("store: record has %d bytes, want 96", len(b))
	}
	var r Record
	r.Magic = binary.NativeEndian.Uint64(b[0:8])
	r.Timestamp = binary.NativeEndian.Uint64(b[8:16])
	copy(r.SecretKey[:], b[16:48])
	r.Port1 = int32(binary.NativeEndian.Uint32(b[48:52]))
	r.Connections = binary.NativeEndian.Uint32(b[52:56])
	r.Count1 = binary.NativeEndian.Uint32(b[56:60])
	r.Count2 = binary.NativeEndian.Uint32(b[60:64])
	copy(r.Name[:], b[64:96])
	return r, nil
}

// DB wraps a bbolt database holding the tenant table.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if necessary) the key store at path, mode 0600.
func Open(path string) (*DB, error) {
	bdb, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &DB{bolt: bdb}, nil
}

// Close closes the underlying database file.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// Fetch loads the record for port2 in its own read-only transaction.
func (db *DB) Fetch(port2 int32) (Record, error) {
	var rec Record
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(keyBytes(port2))
		if v == nil {
			return ErrNotFound
		}
		r, err := decode(v)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// Save writes the record for port2 in its own transaction.
func (db *DB) Save(port2 int32, rec Record) error {
	return db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(keyBytes(port2), encode(rec))
	})
}

// Traverse calls fn once for every valid record in the store. Traversal
// runs in a single read-only transaction; fn must not call back into db.
func (db *DB) Traverse(fn func(port2 int32, rec Record)) error {
	return db.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if len(k) != 4 {
				return nil
			}
			rec, err := decode(v)
			if err != nil || !rec.Valid() {
				return nil
			}
			port2 := int32(binary.NativeEndian.Uint32(k))
			fn(port2, rec)
			return nil
		})
	})
}

// Tx is an explicit read-write transaction, used by callers that need to
// load, mutate, and conditionally commit or cancel a single record (the
// signing-timestamp save and SETUP_SIGNING handlers both follow this shape).
type Tx struct {
	tx *bbolt.Tx
}

// Begin starts a read-write transaction. The caller must call Commit or
// Cancel exactly once.
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.bolt.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Fetch loads the record for port2 within the transaction.
func (t *Tx) Fetch(port2 int32) (Record, error) {
	v := t.tx.Bucket(bucketName).Get(keyBytes(port2))
	if v == nil {
		return Record{}, ErrNotFound
	}
	return decode(v)
}

// Save writes the record for port2 within the transaction. The write is
// not visible to other transactions until Commit.
func (t *Tx) Save(port2 int32, rec Record) error {
	return t.tx.Bucket(bucketName).Put(keyBytes(port2), encode(rec))
}

// Commit durably applies the transaction's writes.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Cancel discards the transaction's writes.
func (t *Tx) Cancel() error {
	return t.tx.Rollback()
}
