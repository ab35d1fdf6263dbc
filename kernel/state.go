// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/cache/metercacher"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/vatkernel/slots"
)

var (
	// These are prefixes for db keys.
	// Every table of kernel state lives under its own prefix.
	kernelPrefix   = []byte("kernel")
	objectPrefix   = []byte("object")
	promisePrefix  = []byte("promise")
	devnodePrefix  = []byte("devnode")
	refcountPrefix = []byte("refcount")
	runQueuePrefix = []byte("runqueue")
	agentPrefix    = []byte("agent")

	initializedKey     = []byte("initialized")
	crankNumberKey     = []byte("crankNumber")
	activityHashKey    = []byte("activityHash")
	statsKey           = []byte("stats")
	bootstrapResultKey = []byte("bootstrapResult")
	runQueueHeadKey    = []byte("runQueueHead")
	runQueueTailKey    = []byte("runQueueTail")
	nextObjectKey      = []byte("nextObject")
	nextPromiseKey     = []byte("nextPromise")
	nextDevnodeKey     = []byte("nextDevnode")
	nextVatKey         = []byte("nextVat")
	nextDeviceKey      = []byte("nextDevice")

	vatNamePrefix    = "vatName."
	deviceNamePrefix = "deviceName."
	dynamicVatPrefix = "dynamicVat."
	hostPinPrefix    = "hostPin."

	errWrongVersion = errors.New("wrong version")
)

// state is the kernel's view of its database. Every write lands in the
// crank buffer and only reaches the underlying database on commit.
type state struct {
	baseDB *versiondb.Database

	kernelDB   database.Database
	objectDB   database.Database
	promiseDB  database.Database
	devnodeDB  database.Database
	refcountDB database.Database
	runQueueDB database.Database
	agentDB    database.Database

	objectCache cache.Cacher
	agents      map[string]*agentKeeper

	// maybeFree collects slots whose refcount reached zero during the
	// current crank.
	maybeFree map[string]struct{}
}

func newState(db database.Database, cacheSize int, namespace string, registerer prometheus.Registerer) (*state, error) {
	objectCache, err := metercacher.New(
		fmt.Sprintf("%s_object_cache", namespace),
		registerer,
		&cache.LRU{Size: cacheSize},
	)
	if err != nil {
		return nil, err
	}

	baseDB := versiondb.New(db)
	return &state{
		baseDB:      baseDB,
		kernelDB:    prefixdb.New(kernelPrefix, baseDB),
		objectDB:    prefixdb.New(objectPrefix, baseDB),
		promiseDB:   prefixdb.New(promisePrefix, baseDB),
		devnodeDB:   prefixdb.New(devnodePrefix, baseDB),
		refcountDB:  prefixdb.New(refcountPrefix, baseDB),
		runQueueDB:  prefixdb.New(runQueuePrefix, baseDB),
		agentDB:     prefixdb.New(agentPrefix, baseDB),
		objectCache: objectCache,
		agents:      make(map[string]*agentKeeper),
		maybeFree:   make(map[string]struct{}),
	}, nil
}

// commit writes the crank buffer through to the underlying database.
func (s *state) commit() error {
	s.maybeFree = make(map[string]struct{})
	return s.baseDB.Commit()
}

// abort discards the crank buffer.
func (s *state) abort() {
	s.baseDB.Abort()
	s.objectCache.Flush()
	s.maybeFree = make(map[string]struct{})
}

func (s *state) close() error {
	return s.baseDB.Close()
}

func getUint64(db database.Database, key []byte) (uint64, error) {
	b, err := db.Get(key)
	if err == database.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed counter %q", key)
	}
	return binary.BigEndian.Uint64(b), nil
}

func putUint64(db database.Database, key []byte, n uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return db.Put(key, b)
}

// nextID increments the counter at [key] and returns its new value. Ids
// start at 1.
func nextID(db database.Database, key []byte) (uint64, error) {
	n, err := getUint64(db, key)
	if err != nil {
		return 0, err
	}
	n++
	return n, putUint64(db, key, n)
}

func (s *state) isInitialized() (bool, error) {
	return s.kernelDB.Has(initializedKey)
}

func (s *state) setInitialized() error {
	return s.kernelDB.Put(initializedKey, nil)
}

func (s *state) crankNumber() (uint64, error) {
	return getUint64(s.kernelDB, crankNumberKey)
}

func (s *state) setCrankNumber(n uint64) error {
	return putUint64(s.kernelDB, crankNumberKey, n)
}

func (s *state) activityHash() (ids.ID, error) {
	b, err := s.kernelDB.Get(activityHashKey)
	if err == database.ErrNotFound {
		return ids.Empty, nil
	}
	if err != nil {
		return ids.Empty, err
	}
	return ids.ToID(b)
}

func (s *state) setActivityHash(h ids.ID) error {
	return s.kernelDB.Put(activityHashKey, h[:])
}

func (s *state) stats() (Stats, error) {
	stats := Stats{}
	b, err := s.kernelDB.Get(statsKey)
	if err == database.ErrNotFound {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	if err := unmarshal(b, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *state) setStats(stats Stats) error {
	b, err := Codec.Marshal(CodecVersion, &stats)
	if err != nil {
		return err
	}
	return s.kernelDB.Put(statsKey, b)
}

func (s *state) getString(key []byte) (string, bool, error) {
	b, err := s.kernelDB.Get(key)
	if err == database.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (s *state) putString(key []byte, value string) error {
	return s.kernelDB.Put(key, []byte(value))
}

// pinForHost takes the host's hold on [kpid].
func (s *state) pinForHost(kpid string) error {
	if err := s.incref(kpid); err != nil {
		return err
	}
	return s.kernelDB.Put([]byte(hostPinPrefix+kpid), nil)
}

// unpinForHost drops the host's hold on [kpid]. It reports false, and
// changes nothing, if the host did not hold it.
func (s *state) unpinForHost(kpid string) (bool, error) {
	key := []byte(hostPinPrefix + kpid)
	held, err := s.kernelDB.Has(key)
	if err != nil || !held {
		return false, err
	}
	if err := s.kernelDB.Delete(key); err != nil {
		return false, err
	}
	return true, s.decref(kpid)
}

// agentID returns the id registered for a vat or device name.
func (s *state) agentID(prefix, name string) (string, bool, error) {
	return s.getString([]byte(prefix + name))
}

func (s *state) setAgentID(prefix, name, id string) error {
	return s.putString([]byte(prefix+name), id)
}

// persistedVatNames returns the name of every vat ever created, sorted.
func (s *state) persistedVatNames() ([]string, error) {
	it := s.kernelDB.NewIteratorWithPrefix([]byte(vatNamePrefix))
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, strings.TrimPrefix(string(it.Key()), vatNamePrefix))
	}
	return names, it.Error()
}

func (s *state) putDynamicVat(name string, rec *dynamicVatRecord) error {
	return s.putRecord(s.kernelDB, dynamicVatPrefix+name, rec)
}

func (s *state) getDynamicVat(name string) (*dynamicVatRecord, bool, error) {
	b, err := s.kernelDB.Get([]byte(dynamicVatPrefix + name))
	if err == database.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec := &dynamicVatRecord{}
	if err := unmarshal(b, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func unmarshal(b []byte, v interface{}) error {
	version, err := Codec.Unmarshal(b, v)
	if err != nil {
		return err
	}
	if version != CodecVersion {
		return errWrongVersion
	}
	return nil
}

func (s *state) putRecord(db database.Database, key string, v interface{}) error {
	b, err := Codec.Marshal(CodecVersion, v)
	if err != nil {
		return err
	}
	return db.Put([]byte(key), b)
}

// addObject allocates a kernel object exported by [owner].
func (s *state) addObject(owner string) (string, error) {
	n, err := nextID(s.kernelDB, nextObjectKey)
	if err != nil {
		return "", err
	}
	kslot := slots.KernelSlot{Kind: slots.Object, ID: n}.String()
	rec := &ownerRecord{Owner: owner}
	s.objectCache.Put(kslot, rec)
	return kslot, s.putRecord(s.objectDB, kslot, rec)
}

func (s *state) getObject(kslot string) (*ownerRecord, error) {
	if rec, ok := s.objectCache.Get(kslot); ok {
		if rec == nil {
			return nil, database.ErrNotFound
		}
		return rec.(*ownerRecord), nil
	}
	b, err := s.objectDB.Get([]byte(kslot))
	if err != nil {
		return nil, err
	}
	rec := &ownerRecord{}
	if err := unmarshal(b, rec); err != nil {
		return nil, err
	}
	s.objectCache.Put(kslot, rec)
	return rec, nil
}

func (s *state) deleteObject(kslot string) error {
	s.objectCache.Put(kslot, nil)
	return s.objectDB.Delete([]byte(kslot))
}

// addPromise allocates an unresolved kernel promise decided by [decider].
// An empty decider means only the kernel may resolve it.
func (s *state) addPromise(decider string) (string, error) {
	n, err := nextID(s.kernelDB, nextPromiseKey)
	if err != nil {
		return "", err
	}
	kslot := slots.KernelSlot{Kind: slots.Promise, ID: n}.String()
	return kslot, s.putPromise(kslot, &promiseRecord{State: uint8(Unresolved), Decider: decider})
}

func (s *state) getPromise(kslot string) (*promiseRecord, error) {
	b, err := s.promiseDB.Get([]byte(kslot))
	if err != nil {
		return nil, err
	}
	rec := &promiseRecord{}
	return rec, unmarshal(b, rec)
}

func (s *state) putPromise(kslot string, rec *promiseRecord) error {
	return s.putRecord(s.promiseDB, kslot, rec)
}

func (s *state) deletePromise(kslot string) error {
	return s.promiseDB.Delete([]byte(kslot))
}

// addDevnode allocates a kernel device node exported by device [owner].
func (s *state) addDevnode(owner string) (string, error) {
	n, err := nextID(s.kernelDB, nextDevnodeKey)
	if err != nil {
		return "", err
	}
	kslot := slots.KernelSlot{Kind: slots.Device, ID: n}.String()
	return kslot, s.putRecord(s.devnodeDB, kslot, &ownerRecord{Owner: owner})
}

func (s *state) getDevnode(kslot string) (*ownerRecord, error) {
	b, err := s.devnodeDB.Get([]byte(kslot))
	if err != nil {
		return nil, err
	}
	rec := &ownerRecord{}
	return rec, unmarshal(b, rec)
}

// exists reports whether [kslot] names a live kernel object, promise, or
// device node.
func (s *state) exists(kslot string) (bool, error) {
	ks, err := slots.ParseKernelSlot(kslot)
	if err != nil {
		return false, nil
	}
	switch ks.Kind {
	case slots.Object:
		_, err := s.getObject(kslot)
		if err == database.ErrNotFound {
			return false, nil
		}
		return err == nil, err
	case slots.Promise:
		return s.promiseDB.Has([]byte(kslot))
	default:
		return s.devnodeDB.Has([]byte(kslot))
	}
}

func (s *state) refcount(kslot string) (uint64, error) {
	return getUint64(s.refcountDB, []byte(kslot))
}

// counted reports whether [kslot] takes part in reference counting. Device
// nodes live as long as their device.
func counted(kslot string) bool {
	kind, err := slots.KindOf(kslot)
	return err == nil && kind != slots.Device
}

func (s *state) incref(kslot string) error {
	if !counted(kslot) {
		return nil
	}
	n, err := s.refcount(kslot)
	if err != nil {
		return err
	}
	delete(s.maybeFree, kslot)
	return putUint64(s.refcountDB, []byte(kslot), n+1)
}

func (s *state) decref(kslot string) error {
	if !counted(kslot) {
		return nil
	}
	n, err := s.refcount(kslot)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: refcount underflow on %s", errKernelAssertion, kslot)
	}
	n--
	if n == 0 {
		s.maybeFree[kslot] = struct{}{}
		return s.refcountDB.Delete([]byte(kslot))
	}
	return putUint64(s.refcountDB, []byte(kslot), n)
}

func (s *state) increfAll(kslots []string) error {
	for _, kslot := range kslots {
		if err := s.incref(kslot); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) decrefAll(kslots []string) error {
	for _, kslot := range kslots {
		if err := s.decref(kslot); err != nil {
			return err
		}
	}
	return nil
}

func runQueueKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

func (s *state) runQueueBounds() (uint64, uint64, error) {
	head, err := getUint64(s.kernelDB, runQueueHeadKey)
	if err != nil {
		return 0, 0, err
	}
	tail, err := getUint64(s.kernelDB, runQueueTailKey)
	return head, tail, err
}

func (s *state) runQueueLength() (uint64, error) {
	head, tail, err := s.runQueueBounds()
	return tail - head, err
}

// pushRunQueue appends [entry] without touching refcounts.
func (s *state) pushRunQueue(entry *runQueueEntry) error {
	_, tail, err := s.runQueueBounds()
	if err != nil {
		return err
	}
	b, err := Codec.Marshal(CodecVersion, entry)
	if err != nil {
		return err
	}
	if err := s.runQueueDB.Put(runQueueKey(tail), b); err != nil {
		return err
	}
	return putUint64(s.kernelDB, runQueueTailKey, tail+1)
}

// popRunQueue removes the head entry without touching refcounts.
func (s *state) popRunQueue() (*runQueueEntry, bool, error) {
	head, tail, err := s.runQueueBounds()
	if err != nil || head == tail {
		return nil, false, err
	}
	key := runQueueKey(head)
	b, err := s.runQueueDB.Get(key)
	if err != nil {
		return nil, false, err
	}
	entry := &runQueueEntry{}
	if err := unmarshal(b, entry); err != nil {
		return nil, false, err
	}
	if err := s.runQueueDB.Delete(key); err != nil {
		return nil, false, err
	}
	return entry, true, putUint64(s.kernelDB, runQueueHeadKey, head+1)
}

// runQueue returns every queued entry in order.
func (s *state) runQueue() ([]*runQueueEntry, error) {
	head, tail, err := s.runQueueBounds()
	if err != nil {
		return nil, err
	}
	entries := make([]*runQueueEntry, 0, tail-head)
	for i := head; i < tail; i++ {
		b, err := s.runQueueDB.Get(runQueueKey(i))
		if err != nil {
			return nil, err
		}
		entry := &runQueueEntry{}
		if err := unmarshal(b, entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// agent returns the keeper for a vat or device id.
func (s *state) agent(id string) *agentKeeper {
	a, ok := s.agents[id]
	if !ok {
		a = newAgentKeeper(id, prefixdb.New([]byte(id), s.agentDB))
		s.agents[id] = a
	}
	return a
}
