// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swingstore is the host's view of the storage a kernel lives in:
// a string keyed store with batched, all-or-nothing writes and a portable
// snapshot format.
package swingstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ava-labs/avalanchego/database"

	log "github.com/inconshreveable/log15"
)

var (
	ErrNotFound = errors.New("key not found")

	errEmptyKey    = errors.New("empty key")
	errUnknownOp   = errors.New("unknown batch operation")
	errBadSnapshot = errors.New("bad snapshot")
)

const snapshotVersion uint16 = 1

// OpType is the kind of a batch operation.
type OpType uint8

const (
	OpSet OpType = iota + 1
	OpDelete
)

// Op is one write in a batch.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// Set returns an operation storing [value] under [key].
func Set(key string, value []byte) Op { return Op{Type: OpSet, Key: key, Value: value} }

// Delete returns an operation removing [key].
func Delete(key string) Op { return Op{Type: OpDelete, Key: key} }

// Store wraps a database. Keys are stored as their raw bytes, so a Store
// over the database a kernel was given sees the kernel's own records.
type Store struct {
	db  database.Database
	log log.Logger
}

// New returns a store over [db].
func New(db database.Database) *Store {
	return &Store{db: db, log: log.New("module", "swingstore")}
}

// Database returns the database under the store, for handing to a kernel.
func (s *Store) Database() database.Database { return s.db }

// Has reports whether [key] is present.
func (s *Store) Has(key string) (bool, error) {
	return s.db.Has([]byte(key))
}

// Get returns the value of [key], or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key))
	if err == database.ErrNotFound {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return value, err
}

// GetKeys returns, in order, the keys k with start <= k < end. An empty
// [end] leaves the range open.
func (s *Store) GetKeys(start, end string) ([]string, error) {
	iter := s.db.NewIteratorWithStart([]byte(start))
	defer iter.Release()

	var keys []string
	for iter.Next() {
		key := iter.Key()
		if end != "" && bytes.Compare(key, []byte(end)) >= 0 {
			break
		}
		keys = append(keys, string(key))
	}
	return keys, iter.Error()
}

// ApplyBatch performs every operation in [ops] or none of them.
func (s *Store) ApplyBatch(ops []Op) error {
	for i, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("%w: operation %d", errEmptyKey, i)
		}
		if op.Type != OpSet && op.Type != OpDelete {
			return fmt.Errorf("%w: %d", errUnknownOp, op.Type)
		}
	}

	batch := s.db.NewBatch()
	for _, op := range ops {
		var err error
		if op.Type == OpSet {
			err = batch.Put([]byte(op.Key), op.Value)
		} else {
			err = batch.Delete([]byte(op.Key))
		}
		if err != nil {
			return err
		}
	}
	return batch.Write()
}

type entry struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

type snapshot struct {
	Version uint16  `cbor:"1,keyasint"`
	Entries []entry `cbor:"2,keyasint"`
}

// Export writes every key and value to [w] as one CBOR document.
func (s *Store) Export(w io.Writer) error {
	snap := snapshot{Version: snapshotVersion}
	iter := s.db.NewIterator()
	defer iter.Release()
	for iter.Next() {
		snap.Entries = append(snap.Entries, entry{
			Key:   copyBytes(iter.Key()),
			Value: copyBytes(iter.Value()),
		})
	}
	if err := iter.Error(); err != nil {
		return err
	}

	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	if err := em.NewEncoder(w).Encode(snap); err != nil {
		return err
	}
	s.log.Debug("exported store", "keys", len(snap.Entries))
	return nil
}

// Import replaces the contents of the store with the snapshot read from
// [r]. Nothing changes if the snapshot cannot be read.
func (s *Store) Import(r io.Reader) error {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("%w: %v", errBadSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: version %d", errBadSnapshot, snap.Version)
	}

	keep := make(map[string]struct{}, len(snap.Entries))
	ops := make([]Op, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		keep[string(e.Key)] = struct{}{}
		ops = append(ops, Set(string(e.Key), e.Value))
	}
	existing, err := s.GetKeys("", "")
	if err != nil {
		return err
	}
	for _, key := range existing {
		if _, ok := keep[key]; !ok {
			ops = append(ops, Delete(key))
		}
	}
	if err := s.ApplyBatch(ops); err != nil {
		return err
	}
	s.log.Debug("imported store", "keys", len(snap.Entries))
	return nil
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
