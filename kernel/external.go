// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"

	"github.com/ava-labs/avalanchego/database"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

// PromiseStatus is the host's view of a promise.
type PromiseStatus string

const (
	Pending   PromiseStatus = "pending"
	Fulfilled PromiseStatus = "fulfilled"
	Broken    PromiseStatus = "rejected"
)

// ResultReader lets the host watch the result of a message it queued. The
// result promise stays alive until Release is called.
type ResultReader struct {
	k    *Kernel
	kpid string
}

// Promise returns the kernel slot of the result promise.
func (r *ResultReader) Promise() string { return r.kpid }

// State returns the resolution state of the result.
func (r *ResultReader) State() (PromiseState, error) {
	rec, err := r.k.state.getPromise(r.kpid)
	if err == database.ErrNotFound {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKernelSlot, r.kpid)
	}
	if err != nil {
		return 0, err
	}
	return rec.state(), nil
}

func (r *ResultReader) Status() (PromiseStatus, error) {
	state, err := r.State()
	if err != nil {
		return "", err
	}
	switch state {
	case Unresolved:
		return Pending, nil
	case Rejected:
		return Broken, nil
	default:
		return Fulfilled, nil
	}
}

// Resolution returns the data the promise settled to, in kernel slots. A
// promise fulfilled to an object resolves to a presence of that object.
func (r *ResultReader) Resolution() (vat.CapData, error) {
	rec, err := r.k.state.getPromise(r.kpid)
	if err != nil {
		return vat.CapData{}, err
	}
	switch rec.state() {
	case Unresolved:
		return vat.CapData{}, fmt.Errorf("%w: %s", ErrPending, r.kpid)
	case FulfilledToPresence:
		return vat.PresenceData(rec.Presence), nil
	default:
		return rec.Data.capData(), nil
	}
}

// Release drops the host's hold on the result promise. Releasing a promise
// the host does not hold fails with ErrUnknownKernelSlot.
func (r *ResultReader) Release() error {
	return r.k.hostOp(func() error {
		held, err := r.k.state.unpinForHost(r.kpid)
		if err != nil {
			return err
		}
		if !held {
			return fmt.Errorf("%w: %s is not held by the host", ErrUnknownKernelSlot, r.kpid)
		}
		return nil
	})
}

// QueueToExport sends [method] to an object the named vat exports and
// returns a reader for its result. Slots in [args] are kernel slots.
func (k *Kernel) QueueToExport(vatName, export, method string, args vat.CapData) (*ResultReader, error) {
	id, err := k.VatID(vatName)
	if err != nil {
		return nil, err
	}
	vs, err := slots.ParseVatSlot(export)
	if err != nil {
		return nil, err
	}
	if vs.Kind != slots.Object || !vs.Allocated {
		return nil, fmt.Errorf("%w: %s is not an object export", slots.ErrInvalidSlot, export)
	}
	kslot, ok, err := k.state.agent(id).lookupKernelSlot(export)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s does not export %s", ErrUnknownKernelSlot, vatName, export)
	}
	return k.QueueToKref(kslot, method, args)
}

// Root returns the kernel slot of vat [name]'s root object, or of device
// [name]'s root node.
func (k *Kernel) Root(name string) (string, error) {
	id, root := k.vatNames[name], vat.RootObject
	if id == "" {
		id, root = k.deviceNames[name], vat.RootDevice
	}
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownVat, name)
	}
	kslot, ok, err := k.state.agent(id).lookupKernelSlot(root)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no root", errKernelAssertion, id)
	}
	return kslot, nil
}

// QueueToKref sends [method] to any kernel object or promise.
func (k *Kernel) QueueToKref(target, method string, args vat.CapData) (*ResultReader, error) {
	msg := vat.Message{Method: method, Args: args}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	kind, err := slots.KindOf(target)
	if err != nil {
		return nil, err
	}
	if kind == slots.Device {
		return nil, fmt.Errorf("%w: cannot send to device node %s", slots.ErrInvalidSlot, target)
	}

	var kpid string
	err = k.hostOp(func() error {
		for _, kslot := range append([]string{target}, args.Slots...) {
			ok, err := k.state.exists(kslot)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownKernelSlot, kslot)
			}
		}
		var err error
		if kpid, err = k.state.addPromise(""); err != nil {
			return err
		}
		if err := k.state.pinForHost(kpid); err != nil {
			return err
		}
		msg.Result = kpid
		return k.enqueueSend(target, msg)
	})
	if err != nil {
		return nil, err
	}
	k.log.Debug("queued host message", "target", target, "method", method, "result", kpid)
	return &ResultReader{k: k, kpid: kpid}, nil
}

// BootstrapResult returns a reader for the result of the bootstrap message.
func (k *Kernel) BootstrapResult() (*ResultReader, error) {
	kpid, ok, err := k.state.getString(bootstrapResultKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no bootstrap message was sent", ErrUnknownKernelSlot)
	}
	return &ResultReader{k: k, kpid: kpid}, nil
}

// Promise returns a reader for any kernel promise. Releasing it drops a hold
// taken earlier by QueueToKref or by genesis for the bootstrap result.
func (k *Kernel) Promise(kpid string) (*ResultReader, error) {
	ks, err := slots.ParseKernelSlot(kpid)
	if err != nil {
		return nil, err
	}
	if ks.Kind != slots.Promise {
		return nil, fmt.Errorf("%w: %s is not a promise", slots.ErrInvalidSlot, kpid)
	}
	return &ResultReader{k: k, kpid: kpid}, nil
}

// hostOp runs [f] as its own committed unit between cranks. Nothing is
// committed if [f] fails.
func (k *Kernel) hostOp(f func() error) error {
	if err := k.beginHostOp(); err != nil {
		return err
	}
	defer k.endCrank()

	if err := k.safely(f); err != nil {
		k.state.abort()
		return k.reloadStats(err)
	}
	if err := k.collectGarbage(); err != nil {
		return k.fail(err)
	}
	length, err := k.state.runQueueLength()
	if err != nil {
		return k.fail(err)
	}
	k.stats.RunQueueLength = length
	if err := k.state.setStats(k.stats); err != nil {
		return k.fail(err)
	}
	if err := k.state.commit(); err != nil {
		return k.fail(err)
	}
	k.metrics.runQueueLength.Set(float64(length))
	return nil
}

// AgentDump is one vat's or device's c-list.
type AgentDump struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	CList  map[string]string `json:"clist"`
	Faults uint64            `json:"faults"`
}

// Dump is a read-only snapshot of kernel state for debugging.
type Dump struct {
	CrankNumber  uint64      `json:"crankNumber"`
	ActivityHash string      `json:"activityHash"`
	RunQueue     []string    `json:"runQueue"`
	Vats         []AgentDump `json:"vats"`
	Devices      []AgentDump `json:"devices"`
}

// Dump returns a snapshot of the committed kernel state.
func (k *Kernel) Dump() (*Dump, error) {
	n, err := k.state.crankNumber()
	if err != nil {
		return nil, err
	}
	hash, err := k.state.activityHash()
	if err != nil {
		return nil, err
	}
	entries, err := k.state.runQueue()
	if err != nil {
		return nil, err
	}
	d := &Dump{
		CrankNumber:  n,
		ActivityHash: hash.String(),
		RunQueue:     make([]string, len(entries)),
	}
	for i, entry := range entries {
		d.RunQueue[i] = entry.String()
	}
	for _, id := range k.vatIDs() {
		a, err := k.dumpAgent(id, k.vats[id].name)
		if err != nil {
			return nil, err
		}
		d.Vats = append(d.Vats, a)
	}
	for _, id := range k.deviceOrder {
		a, err := k.dumpAgent(id, k.devices[id].name)
		if err != nil {
			return nil, err
		}
		d.Devices = append(d.Devices, a)
	}
	return d, nil
}

func (k *Kernel) dumpAgent(id, name string) (AgentDump, error) {
	keeper := k.state.agent(id)
	clist, err := keeper.clist()
	if err != nil {
		return AgentDump{}, err
	}
	faults, err := keeper.faults()
	if err != nil {
		return AgentDump{}, err
	}
	return AgentDump{ID: id, Name: name, CList: clist, Faults: faults}, nil
}
