// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package kernel implements a deterministic, persistent microkernel for
// isolated vats.
//
// Vats never share memory. They hold capabilities through their c-lists and
// reach the kernel only through syscalls. The kernel runs the run queue one
// crank at a time; each crank delivers exactly one message or notification
// and commits its effects to the database atomically.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
)

var (
	// ErrKernelPanic is returned by every operation once the kernel has
	// found its own state inconsistent. Nothing from the failed crank was
	// committed.
	ErrKernelPanic = errors.New("kernel panic")

	ErrNotStarted            = errors.New("kernel not started")
	ErrAlreadyStarted        = errors.New("kernel already started")
	ErrUnknownVat            = errors.New("unknown vat")
	ErrUnknownDevice         = errors.New("unknown device")
	ErrUnknownBuilder        = errors.New("unknown vat builder")
	ErrUnknownKernelSlot     = errors.New("unknown kernel slot")
	ErrDuplicateName         = errors.New("duplicate name")
	ErrRedirectUnimplemented = errors.New("promise redirection is not implemented")
	ErrPending               = errors.New("promise is not resolved")

	errKernelAssertion = errors.New("kernel assertion failed")
	errNestedCrank     = errors.New("crank started while another crank is running")
	errNotRebuildable  = errors.New("dynamic vats need a builder name or a worker command")
	ErrDeviceFailed    = errors.New("device invocation failed")
)

// VatOptions configure one vat.
type VatOptions struct {
	// Builder constructs the vat's code. Subprocess vats name a registered
	// builder in their command line instead.
	Builder vat.Builder
	// BuilderName names a registered builder. It is used when Builder is
	// nil, and is what Start rebuilds a dynamic vat from after a restart.
	BuilderName string
	// ManagerKind defaults to the kernel's configured kind.
	ManagerKind vatmanager.Kind
	// EnablePipelining lets the vat receive messages sent to promises it
	// decides before they resolve.
	EnablePipelining bool
	Params           vat.Params
	Command          []string
}

// DeviceOptions configure one device.
type DeviceOptions struct {
	Builder    vat.DeviceBuilder
	Endowments interface{}
}

type vatEntry struct {
	id      string
	name    string
	options VatOptions
	manager vatmanager.Manager
}

type namedVat struct {
	name    string
	options VatOptions
}

type namedDevice struct {
	name    string
	options DeviceOptions
}

// Kernel owns all kernel state. Its methods must not be called concurrently;
// Service serializes access for remote callers.
type Kernel struct {
	config Config
	log    log.Logger
	clock  mockable.Clock

	state   *state
	metrics *metrics

	genesisVats    []namedVat
	genesisDevices []namedDevice

	vats        map[string]*vatEntry
	vatNames    map[string]string
	devices     map[string]*deviceManager
	deviceNames map[string]string
	deviceOrder []string

	started bool
	// inCrank is set while a crank or host operation is in progress.
	inCrank int32
	// panicErr is sticky: once set the kernel refuses all further work.
	panicErr error

	// Faults and panics noticed inside syscall handlers during the current
	// crank. They are checked once the delivery returns.
	crankCtx   context.Context
	crankVat   string
	crankFault error
	crankPanic error
	crankLog   [][]byte
	stats      Stats
}

// New creates a kernel over [db]. The kernel takes ownership of [db]. A nil
// [registerer] keeps the kernel's metrics private.
func New(config Config, db database.Database, registerer prometheus.Registerer) (*Kernel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m, err := newMetrics(config.MetricsNamespace, registerer)
	if err != nil {
		return nil, err
	}
	s, err := newState(db, config.ObjectCacheSize, config.MetricsNamespace, registerer)
	if err != nil {
		return nil, err
	}
	return &Kernel{
		config:      config,
		log:         log.New("module", "kernel"),
		state:       s,
		metrics:     m,
		vats:        make(map[string]*vatEntry),
		vatNames:    make(map[string]string),
		devices:     make(map[string]*deviceManager),
		deviceNames: make(map[string]string),
	}, nil
}

// AddGenesisVat registers a vat to be created when the kernel first starts.
// On restart the vat is matched to its persisted state by name.
func (k *Kernel) AddGenesisVat(name string, opts VatOptions) error {
	if k.started {
		return ErrAlreadyStarted
	}
	for _, v := range k.genesisVats {
		if v.name == name {
			return fmt.Errorf("%w: vat %q", ErrDuplicateName, name)
		}
	}
	k.genesisVats = append(k.genesisVats, namedVat{name: name, options: opts})
	return nil
}

// AddGenesisDevice registers a device. Devices hold host endowments, so
// they are supplied again on every start.
func (k *Kernel) AddGenesisDevice(name string, opts DeviceOptions) error {
	if k.started {
		return ErrAlreadyStarted
	}
	for _, d := range k.genesisDevices {
		if d.name == name {
			return fmt.Errorf("%w: device %q", ErrDuplicateName, name)
		}
	}
	k.genesisDevices = append(k.genesisDevices, namedDevice{name: name, options: opts})
	return nil
}

// VatID returns the id of the vat called [name].
func (k *Kernel) VatID(name string) (string, error) {
	id, ok := k.vatNames[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVat, name)
	}
	return id, nil
}

func (k *Kernel) DeviceID(name string) (string, error) {
	id, ok := k.deviceNames[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return id, nil
}

// VatNames returns the names of all running vats, sorted.
func (k *Kernel) VatNames() []string {
	names := make([]string, 0, len(k.vatNames))
	for name := range k.vatNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CrankNumber returns the number of committed cranks.
func (k *Kernel) CrankNumber() (uint64, error) {
	return k.state.crankNumber()
}

// ActivityHash returns the running hash over every committed crank. Two
// kernels fed the same inputs report the same hash.
func (k *Kernel) ActivityHash() (ids.ID, error) {
	return k.state.activityHash()
}

// Stats returns the committed statistics.
func (k *Kernel) Stats() (Stats, error) {
	return k.state.stats()
}

// Shutdown stops every vat and releases the kernel's view of the database.
// The kernel is unusable afterwards; the database itself stays open.
func (k *Kernel) Shutdown() error {
	errs := wrappers.Errs{}
	for _, id := range k.vatIDs() {
		errs.Add(k.vats[id].manager.Shutdown())
	}
	errs.Add(k.state.close())
	k.started = false
	return errs.Err
}

// vatIDs returns the ids of all running vats in creation order.
func (k *Kernel) vatIDs() []string {
	out := make([]string, 0, len(k.vats))
	for id := range k.vats {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return agentLess(out[i], out[j]) })
	return out
}

// agentLess orders "v2" before "v10".
func agentLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// fail marks the kernel as panicked. Everything since the last commit is
// discarded.
func (k *Kernel) fail(err error) error {
	if k.panicErr != nil {
		return k.panicErr
	}
	if !errors.Is(err, ErrKernelPanic) {
		err = fmt.Errorf("%w: %v", ErrKernelPanic, err)
	}
	k.state.abort()
	k.panicErr = err
	k.log.Error("kernel panic", "error", err)
	return err
}
