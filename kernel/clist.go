// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ava-labs/avalanchego/database"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
)

var (
	kernelToAgentPrefix = []byte("k.")
	agentToKernelPrefix = []byte("v.")
	transcriptPrefix    = []byte("t.")

	transcriptLengthKey = []byte("transcriptLength")
	faultsKey           = []byte("faults")
	deviceStateKey      = []byte("deviceState")

	_ vatmanager.TranscriptStore = &agentKeeper{}
)

// agentKeeper holds the per-vat or per-device tables: the c-list in both
// directions, import counters, the transcript, and device state.
type agentKeeper struct {
	id string
	db database.Database
}

func newAgentKeeper(id string, db database.Database) *agentKeeper {
	return &agentKeeper{id: id, db: db}
}

func prefixedKey(prefix []byte, s string) []byte {
	k := make([]byte, 0, len(prefix)+len(s))
	k = append(k, prefix...)
	return append(k, s...)
}

func isDeviceID(id string) bool { return strings.HasPrefix(id, "d") }

func (a *agentKeeper) lookupAgentSlot(kslot string) (string, bool, error) {
	b, err := a.db.Get(prefixedKey(kernelToAgentPrefix, kslot))
	if err == database.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (a *agentKeeper) lookupKernelSlot(vslot string) (string, bool, error) {
	b, err := a.db.Get(prefixedKey(agentToKernelPrefix, vslot))
	if err == database.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (a *agentKeeper) addCListEntry(kslot, vslot string) error {
	if err := a.db.Put(prefixedKey(kernelToAgentPrefix, kslot), []byte(vslot)); err != nil {
		return err
	}
	return a.db.Put(prefixedKey(agentToKernelPrefix, vslot), []byte(kslot))
}

func (a *agentKeeper) deleteCListEntry(kslot, vslot string) error {
	if err := a.db.Delete(prefixedKey(kernelToAgentPrefix, kslot)); err != nil {
		return err
	}
	return a.db.Delete(prefixedKey(agentToKernelPrefix, vslot))
}

// clist returns the agent's c-list keyed by kernel slot.
func (a *agentKeeper) clist() (map[string]string, error) {
	it := a.db.NewIteratorWithPrefix(kernelToAgentPrefix)
	defer it.Release()

	entries := make(map[string]string)
	for it.Next() {
		kslot := string(bytes.TrimPrefix(it.Key(), kernelToAgentPrefix))
		entries[kslot] = string(it.Value())
	}
	return entries, it.Error()
}

// nextImport allocates the id of the next import of [kind].
func (a *agentKeeper) nextImport(kind slots.Kind) (uint64, error) {
	return nextID(a.db, []byte("nextImport."+kind.String()))
}

func transcriptKey(i uint64) []byte {
	k := make([]byte, len(transcriptPrefix)+8)
	copy(k, transcriptPrefix)
	binary.BigEndian.PutUint64(k[len(transcriptPrefix):], i)
	return k
}

func (a *agentKeeper) AppendTranscript(e vatmanager.TranscriptEntry) error {
	n, err := getUint64(a.db, transcriptLengthKey)
	if err != nil {
		return err
	}
	b, err := vat.MarshalCBOR(e)
	if err != nil {
		return err
	}
	if err := a.db.Put(transcriptKey(n), b); err != nil {
		return err
	}
	return putUint64(a.db, transcriptLengthKey, n+1)
}

func (a *agentKeeper) Transcript() ([]vatmanager.TranscriptEntry, error) {
	n, err := getUint64(a.db, transcriptLengthKey)
	if err != nil {
		return nil, err
	}
	entries := make([]vatmanager.TranscriptEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := a.db.Get(transcriptKey(i))
		if err != nil {
			return nil, err
		}
		var e vatmanager.TranscriptEntry
		if err := vat.UnmarshalCBOR(b, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (a *agentKeeper) faults() (uint64, error) {
	return getUint64(a.db, faultsKey)
}

func (a *agentKeeper) recordFault() (uint64, error) {
	return nextID(a.db, faultsKey)
}

func (a *agentKeeper) deviceState() ([]byte, error) {
	b, err := a.db.Get(deviceStateKey)
	if err == database.ErrNotFound {
		return nil, nil
	}
	return b, err
}

func (a *agentKeeper) setDeviceState(b []byte) error {
	return a.db.Put(deviceStateKey, b)
}

// mapAgentSlotToKernelSlot translates a slot named by vat or device [id].
// Exports the agent has never named before are allocated fresh kernel
// slots; unknown imports are a fault.
func (s *state) mapAgentSlotToKernelSlot(id, vslot string) (string, error) {
	vs, err := slots.ParseVatSlot(vslot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", vat.ErrFault, err)
	}
	a := s.agent(id)
	kslot, ok, err := a.lookupKernelSlot(vslot)
	if err != nil || ok {
		return kslot, err
	}
	if !vs.Allocated {
		return "", fmt.Errorf("%w: %s imported %s without it being in its c-list", vat.ErrFault, id, vslot)
	}

	switch {
	case vs.Kind == slots.Object && !isDeviceID(id):
		kslot, err = s.addObject(id)
	case vs.Kind == slots.Promise && !isDeviceID(id):
		kslot, err = s.addPromise(id)
		if err != nil {
			return "", err
		}
		// Promise references are counted for every holder.
		err = s.incref(kslot)
	case vs.Kind == slots.Device && isDeviceID(id):
		kslot, err = s.addDevnode(id)
	default:
		return "", fmt.Errorf("%w: %s may not export %s", vat.ErrFault, id, vslot)
	}
	if err != nil {
		return "", err
	}
	return kslot, a.addCListEntry(kslot, vslot)
}

// mapKernelSlotToAgentSlot translates a kernel slot for vat or device [id],
// importing it into the agent's c-list if needed.
func (s *state) mapKernelSlotToAgentSlot(id, kslot string) (string, error) {
	ks, err := slots.ParseKernelSlot(kslot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errKernelAssertion, err)
	}
	a := s.agent(id)
	vslot, ok, err := a.lookupAgentSlot(kslot)
	if err != nil || ok {
		return vslot, err
	}

	switch ks.Kind {
	case slots.Object:
		rec, err := s.getObject(kslot)
		if err != nil {
			return "", fmt.Errorf("%w: unknown object %s: %v", errKernelAssertion, kslot, err)
		}
		if rec.Owner == id {
			return "", fmt.Errorf("%w: %s lost its export %s", errKernelAssertion, id, kslot)
		}
	case slots.Promise:
		if isDeviceID(id) {
			return "", fmt.Errorf("%w: devices cannot hold promises", vat.ErrFault)
		}
	case slots.Device:
		if isDeviceID(id) {
			return "", fmt.Errorf("%w: devices cannot hold device nodes", vat.ErrFault)
		}
	}

	n, err := a.nextImport(ks.Kind)
	if err != nil {
		return "", err
	}
	vslot = slots.NewImport(ks.Kind, n).String()
	if err := a.addCListEntry(kslot, vslot); err != nil {
		return "", err
	}
	if ks.Kind != slots.Device {
		if err := s.incref(kslot); err != nil {
			return "", err
		}
	}
	return vslot, nil
}

func (s *state) capDataToKernel(id string, c vat.CapData) (vat.CapData, error) {
	if len(c.Slots) == 0 {
		return c, nil
	}
	out := vat.CapData{Body: c.Body, Slots: make([]string, len(c.Slots))}
	for i, vslot := range c.Slots {
		kslot, err := s.mapAgentSlotToKernelSlot(id, vslot)
		if err != nil {
			return vat.CapData{}, err
		}
		out.Slots[i] = kslot
	}
	return out, nil
}

func (s *state) capDataToAgent(id string, c vat.CapData) (vat.CapData, error) {
	if len(c.Slots) == 0 {
		return c, nil
	}
	out := vat.CapData{Body: c.Body, Slots: make([]string, len(c.Slots))}
	for i, kslot := range c.Slots {
		vslot, err := s.mapKernelSlotToAgentSlot(id, kslot)
		if err != nil {
			return vat.CapData{}, err
		}
		out.Slots[i] = vslot
	}
	return out, nil
}
