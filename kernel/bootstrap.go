// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
)

// Start brings the kernel up. On a fresh database it creates the genesis
// vats and devices and queues the bootstrap message; on an existing one it
// rebuilds every vat by replaying its transcript.
func (k *Kernel) Start(ctx context.Context) error {
	if k.started {
		return ErrAlreadyStarted
	}
	if k.panicErr != nil {
		return k.panicErr
	}
	initialized, err := k.state.isInitialized()
	if err != nil {
		return err
	}
	if !initialized {
		if err := k.genesis(); err != nil {
			k.state.abort()
			return fmt.Errorf("genesis failed: %w", err)
		}
	}

	// Devices first: a vat never reaches a device during replay, but the
	// device table must be complete before the first crank.
	for _, d := range k.genesisDevices {
		id, ok, err := k.state.agentID(deviceNamePrefix, d.name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: device %q is not in the persisted state", ErrUnknownDevice, d.name)
		}
		if err := k.startDevice(id, d.name, d.options); err != nil {
			return err
		}
	}
	for _, v := range k.genesisVats {
		id, ok, err := k.state.agentID(vatNamePrefix, v.name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: vat %q is not in the persisted state", ErrUnknownVat, v.name)
		}
		if err := k.startVat(ctx, id, v.name, v.options, initialized); err != nil {
			return err
		}
	}
	if initialized {
		if err := k.restoreDynamicVats(ctx); err != nil {
			return err
		}
	}

	if k.stats, err = k.state.stats(); err != nil {
		return err
	}
	length, err := k.state.runQueueLength()
	if err != nil {
		return err
	}
	k.metrics.runQueueLength.Set(float64(length))
	k.started = true
	k.log.Info("kernel started", "vats", len(k.vats), "devices", len(k.devices), "restarted", initialized, "runQueue", length)
	return nil
}

// genesis allocates ids and root objects for the genesis vats and devices
// and commits them together with the bootstrap message.
func (k *Kernel) genesis() error {
	vatRoots := make(map[string]string, len(k.genesisVats))
	for _, v := range k.genesisVats {
		_, root, err := k.allocateVat(v.name)
		if err != nil {
			return err
		}
		vatRoots[v.name] = root
	}

	deviceRoots := make(map[string]string, len(k.genesisDevices))
	for _, d := range k.genesisDevices {
		n, err := nextID(k.state.kernelDB, nextDeviceKey)
		if err != nil {
			return err
		}
		id := "d" + strconv.FormatUint(n, 10)
		if err := k.state.setAgentID(deviceNamePrefix, d.name, id); err != nil {
			return err
		}
		root, err := k.state.mapAgentSlotToKernelSlot(id, vat.RootDevice)
		if err != nil {
			return err
		}
		deviceRoots[d.name] = root
	}

	if k.config.BootstrapVat != "" {
		bootstrapRoot, ok := vatRoots[k.config.BootstrapVat]
		if !ok {
			return fmt.Errorf("%w: bootstrap vat %q", ErrUnknownVat, k.config.BootstrapVat)
		}
		args, err := bootstrapArgs(vatRoots, deviceRoots)
		if err != nil {
			return err
		}
		result, err := k.state.addPromise("")
		if err != nil {
			return err
		}
		// The host keeps the bootstrap result alive until it releases it.
		if err := k.state.pinForHost(result); err != nil {
			return err
		}
		if err := k.state.putString(bootstrapResultKey, result); err != nil {
			return err
		}
		if err := k.enqueueSend(bootstrapRoot, vat.Message{Method: "bootstrap", Args: args, Result: result}); err != nil {
			return err
		}
	}

	if err := k.state.setInitialized(); err != nil {
		return err
	}
	k.log.Info("created genesis state", "vats", len(vatRoots), "devices", len(deviceRoots))
	return k.state.commit()
}

// allocateVat assigns an id to [name] and exports its root object, pinned
// so it is never collected.
func (k *Kernel) allocateVat(name string) (string, string, error) {
	if _, ok, err := k.state.agentID(vatNamePrefix, name); err != nil || ok {
		if err == nil {
			err = fmt.Errorf("%w: vat %q", ErrDuplicateName, name)
		}
		return "", "", err
	}
	n, err := nextID(k.state.kernelDB, nextVatKey)
	if err != nil {
		return "", "", err
	}
	id := "v" + strconv.FormatUint(n, 10)
	if err := k.state.setAgentID(vatNamePrefix, name, id); err != nil {
		return "", "", err
	}
	root, err := k.state.mapAgentSlotToKernelSlot(id, vat.RootObject)
	if err != nil {
		return "", "", err
	}
	return id, root, k.state.incref(root)
}

// bootstrapArgs encodes the bootstrap arguments: the root objects of every
// vat and the root nodes of every device, keyed by name.
func bootstrapArgs(vatRoots, deviceRoots map[string]string) (vat.CapData, error) {
	e := vat.NewEncoder()
	vats := make(map[string]vat.SlotRef, len(vatRoots))
	for _, name := range sortedKeys(vatRoots) {
		vats[name] = e.Ref(vatRoots[name])
	}
	devices := make(map[string]vat.SlotRef, len(deviceRoots))
	for _, name := range sortedKeys(deviceRoots) {
		devices[name] = e.Ref(deviceRoots[name])
	}
	return e.Encode([]interface{}{vats, devices})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k *Kernel) startDevice(id, name string, opts DeviceOptions) error {
	d, err := k.newDeviceManager(id, name, opts)
	if err != nil {
		return err
	}
	k.devices[id] = d
	k.deviceNames[name] = id
	k.deviceOrder = append(k.deviceOrder, id)
	sort.Slice(k.deviceOrder, func(i, j int) bool { return agentLess(k.deviceOrder[i], k.deviceOrder[j]) })
	return nil
}

// restoreDynamicVats rebuilds every persisted vat the host did not supply
// again. A vat that cannot be rebuilt stops the kernel from starting.
func (k *Kernel) restoreDynamicVats(ctx context.Context) error {
	names, err := k.state.persistedVatNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := k.vatNames[name]; ok {
			continue
		}
		id, _, err := k.state.agentID(vatNamePrefix, name)
		if err != nil {
			return err
		}
		rec, ok, err := k.state.getDynamicVat(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: vat %q is persisted but was not supplied", ErrUnknownVat, name)
		}
		if err := k.startVat(ctx, id, name, rec.options(), true); err != nil {
			return err
		}
		k.log.Info("restored vat", "name", name, "vat", id)
	}
	return nil
}

func rebuildable(opts VatOptions) bool {
	if opts.ManagerKind == vatmanager.Subprocess {
		return len(opts.Command) > 0
	}
	return opts.BuilderName != ""
}

// startVat builds the vat's manager and, when [replay] is set, brings its
// code back to where it was by replaying the transcript.
func (k *Kernel) startVat(ctx context.Context, id, name string, opts VatOptions, replay bool) error {
	kind := opts.ManagerKind
	if kind == "" {
		kind = k.config.ManagerKind
	}
	builder := opts.Builder
	if builder == nil && opts.BuilderName != "" && kind != vatmanager.Subprocess {
		b, ok := vat.Lookup(opts.BuilderName)
		if !ok {
			return fmt.Errorf("%w: %q for vat %q", ErrUnknownBuilder, opts.BuilderName, name)
		}
		builder = b
	}
	keeper := k.state.agent(id)
	m, err := vatmanager.New(vatmanager.Config{
		VatID:       id,
		Translators: &translators{s: k.state, vatID: id},
		Syscall:     k.syscallHandler(id),
		Transcript:  keeper,
	}, vatmanager.Options{
		Kind:    kind,
		Builder: builder,
		Params:  opts.Params,
		Command: opts.Command,
	})
	if err != nil {
		return err
	}
	if replay {
		if err := m.ReplayTranscript(ctx); err != nil {
			_ = m.Shutdown()
			return fmt.Errorf("failed to replay vat %q: %w", name, err)
		}
	}
	k.vats[id] = &vatEntry{id: id, name: name, options: opts, manager: m}
	k.vatNames[name] = id
	return nil
}

// CreateVat adds a vat to a running kernel and returns its id. The vat's
// options are persisted and Start rebuilds it after a restart, so [opts]
// must name a registered builder or, for subprocess vats, a command.
// Nothing is persisted if the vat fails to start.
func (k *Kernel) CreateVat(ctx context.Context, name string, opts VatOptions) (string, error) {
	if !rebuildable(opts) {
		return "", fmt.Errorf("%w: vat %q", errNotRebuildable, name)
	}
	if err := k.beginHostOp(); err != nil {
		return "", err
	}
	defer k.endCrank()

	id, _, err := k.allocateVat(name)
	if err == nil {
		err = k.state.putDynamicVat(name, newDynamicVatRecord(opts))
	}
	if err == nil {
		err = k.startVat(ctx, id, name, opts, false)
	}
	if err != nil {
		k.state.abort()
		return "", err
	}
	if err := k.state.commit(); err != nil {
		_ = k.vats[id].manager.Shutdown()
		delete(k.vats, id)
		delete(k.vatNames, name)
		return "", k.fail(err)
	}
	k.log.Info("created vat", "name", name, "vat", id)
	return id, nil
}

// beginHostOp claims the kernel for a host operation between cranks.
func (k *Kernel) beginHostOp() error {
	if k.panicErr != nil {
		return k.panicErr
	}
	if !k.started {
		return ErrNotStarted
	}
	if !atomic.CompareAndSwapInt32(&k.inCrank, 0, 1) {
		k.notePanic(errNestedCrank)
		return fmt.Errorf("%w: %v", ErrKernelPanic, errNestedCrank)
	}
	return nil
}
