// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swingstore

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ava-labs/avalanchego/utils/formatting"
)

// ServiceName is the JSON-RPC service name of Service.
const ServiceName = "swingstore"

// Service is a read-only JSON-RPC view of a store, for inspecting the state
// of a running node.
type Service struct {
	lock  sync.Locker
	store *Store
}

// NewService wraps [store]. Reads hold [lock] so they never observe a
// crank half written.
func NewService(store *Store, lock sync.Locker) *Service {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Service{lock: lock, store: store}
}

// KeyArgs are arguments for Has and Get
type KeyArgs struct {
	Key      string              `json:"key"`
	Encoding formatting.Encoding `json:"encoding"`
}

// HasReply is the reply from Has
type HasReply struct {
	Present bool `json:"present"`
}

// Has reports whether a key is present
func (s *Service) Has(_ *http.Request, args *KeyArgs, reply *HasReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	present, err := s.store.Has(args.Key)
	reply.Present = present
	return err
}

// GetReply is the reply from Get
type GetReply struct {
	Value    string              `json:"value"`
	Encoding formatting.Encoding `json:"encoding"`
}

// Get returns the encoded value of a key
func (s *Service) Get(_ *http.Request, args *KeyArgs, reply *GetReply) error {
	s.lock.Lock()
	value, err := s.store.Get(args.Key)
	s.lock.Unlock()
	if err != nil {
		return err
	}

	encoded, err := formatting.EncodeWithChecksum(args.Encoding, value)
	if err != nil {
		return fmt.Errorf("couldn't encode value as string: %s", err)
	}
	reply.Value = encoded
	reply.Encoding = args.Encoding
	return nil
}

// RangeArgs are arguments for GetKeys
type RangeArgs struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// GetKeysReply is the reply from GetKeys
type GetKeysReply struct {
	Keys []string `json:"keys"`
}

// GetKeys lists the keys in [start, end)
func (s *Service) GetKeys(_ *http.Request, args *RangeArgs, reply *GetKeysReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	keys, err := s.store.GetKeys(args.Start, args.End)
	reply.Keys = keys
	return err
}
