// Package durable implements the oplock manager's write-behind durability
// mirror (SPEC_FULL.md §4.13): a key-value record of each oplock's last
// known state, updated after every in-memory transition but never read
// back into the live state machine. Grounded on
// pkg/metadata/store/badger/server.go's Update/View transaction shape.
package durable

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/oncfsd/oncfsd/internal/logger"
	"github.com/oncfsd/oncfsd/internal/oplock"
)

// Snapshot wraps a badger database dedicated to oplock state mirroring. It
// implements oplock.DurabilityStore.
type Snapshot struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger database at dir.
func Open(dir string) (*Snapshot, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("oplock durable: open %s: %w", dir, err)
	}
	return &Snapshot{db: db}, nil
}

// Close releases the underlying database.
func (s *Snapshot) Close() error {
	return s.db.Close()
}

// Put records path's current type and owner count. A type of oplock.None
// deletes the record instead of writing a tombstone value, since an absent
// key and a NONE oplock mean the same thing on Scan.
func (s *Snapshot) Put(path string, typ oplock.Type, ownerCount int) error {
	if typ == oplock.None {
		return s.db.Update(func(txn *badger.Txn) error {
			err := txn.Delete([]byte(path))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		})
	}
	val := encodeRecord(typ, ownerCount)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), val)
	})
}

// Record is one path's last-mirrored state, returned by Scan.
type Record struct {
	Path       string
	Type       oplock.Type
	OwnerCount int
}

// Scan walks every record left over from the previous process and logs it;
// it never feeds the result back into a Manager, since an owner's session
// back-reference cannot survive a restart (DESIGN.md, oplock subsystem).
// oncfsd start calls it once at startup for the log lines; the records are
// also returned for callers (the tests) that want them programmatically.
func (s *Snapshot) Scan() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(v []byte) error {
				typ, n, err := decodeRecord(v)
				if err != nil {
					return err
				}
				out = append(out, Record{Path: key, Type: typ, OwnerCount: n})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("oplock durable: scan: %w", err)
	}
	for _, r := range out {
		logger.Info("oplock durable: outstanding at last shutdown", "path", r.Path, "type", r.Type, "owners", r.OwnerCount)
	}
	return out, nil
}

// encodeRecord packs type and owner count into a fixed 9-byte value:
// 1-byte type tag, 8-byte big-endian owner count. There is no need for a
// richer schema; this store exists purely for operator visibility.
func encodeRecord(typ oplock.Type, n int) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(typ)
	binary.BigEndian.PutUint64(buf[1:], uint64(n))
	return buf
}

func decodeRecord(buf []byte) (oplock.Type, int, error) {
	if len(buf) != 9 {
		return oplock.None, 0, fmt.Errorf("oplock durable: malformed record (%d bytes)", len(buf))
	}
	return oplock.Type(buf[0]), int(binary.BigEndian.Uint64(buf[1:])), nil
}

