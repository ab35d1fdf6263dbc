// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vat is the contract between vat code and the kernel.
//
// Vat code implements Dispatcher and talks to the rest of the world only
// through the Syscaller it was built with. Every slot it sees or names is
// local to its own c-list.
package vat

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ava-labs/vatkernel/slots"
)

var (
	errDuplicateBuilder = errors.New("builder already registered")

	_ Syscaller = &syscaller{}
)

// Dispatcher is implemented by vat code.
type Dispatcher interface {
	// Deliver handles one delivery. A returned error (or a panic) marks the
	// vat as faulty for this delivery.
	Deliver(d Delivery) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(d Delivery) error

func (f DispatcherFunc) Deliver(d Delivery) error { return f(d) }

// Syscaller is the only channel from vat code back to the kernel.
type Syscaller interface {
	Send(target string, msg Message) error
	Invoke(device, method string, args CapData) (CapData, error)
	Subscribe(promise string) error
	FulfillToPresence(promise, presence string) error
	FulfillToData(promise string, data CapData) error
	Reject(promise string, data CapData) error
	DropImports(slots ...string) error
}

// Params are opaque per-vat parameters from the genesis configuration.
type Params map[string]string

// Builder constructs vat code bound to [sys].
type Builder func(sys Syscaller, params Params) (Dispatcher, error)

// NewSyscaller wraps a handler in the Syscaller interface.
func NewSyscaller(h SyscallHandler) Syscaller {
	return &syscaller{handler: h}
}

type syscaller struct {
	handler SyscallHandler
}

func (s *syscaller) Send(target string, msg Message) error {
	return s.handler(Syscall{Type: SysSend, Target: target, Message: msg}).Err()
}

func (s *syscaller) Invoke(device, method string, args CapData) (CapData, error) {
	r := s.handler(Syscall{Type: SysInvoke, Device: device, Method: method, Args: args})
	if err := r.Err(); err != nil {
		return CapData{}, err
	}
	if r.Data == nil {
		return CapData{}, nil
	}
	return *r.Data, nil
}

func (s *syscaller) Subscribe(promise string) error {
	return s.handler(Syscall{Type: SysSubscribe, Promise: promise}).Err()
}

func (s *syscaller) FulfillToPresence(promise, presence string) error {
	return s.handler(Syscall{Type: SysFulfillToPresence, Promise: promise, Presence: presence}).Err()
}

func (s *syscaller) FulfillToData(promise string, data CapData) error {
	return s.handler(Syscall{Type: SysFulfillToData, Promise: promise, Data: data}).Err()
}

func (s *syscaller) Reject(promise string, data CapData) error {
	return s.handler(Syscall{Type: SysReject, Promise: promise, Data: data}).Err()
}

func (s *syscaller) DropImports(slots ...string) error {
	return s.handler(Syscall{Type: SysDropImports, Slots: slots}).Err()
}

// RootObject is the export every vat starts with.
var RootObject = slots.NewExport(slots.Object, 0).String()

// Allocator hands out export slots. Id 0 is reserved for the root object.
type Allocator struct {
	nextObject  uint64
	nextPromise uint64
}

// Object returns a fresh object export.
func (a *Allocator) Object() string {
	a.nextObject++
	return slots.NewExport(slots.Object, a.nextObject).String()
}

// Promise returns a fresh promise export, typically a result promise.
func (a *Allocator) Promise() string {
	a.nextPromise++
	return slots.NewExport(slots.Promise, a.nextPromise).String()
}

var (
	registryLock sync.RWMutex
	registry     = map[string]Builder{}
)

// Register makes a builder available by name to configuration files and
// subprocess workers.
func Register(name string, b Builder) error {
	registryLock.Lock()
	defer registryLock.Unlock()

	if _, ok := registry[name]; ok {
		return fmt.Errorf("%w: %q", errDuplicateBuilder, name)
	}
	registry[name] = b
	return nil
}

// Lookup returns the builder registered as [name].
func Lookup(name string) (Builder, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	b, ok := registry[name]
	return b, ok
}

// Registered returns the registered builder names, sorted.
func Registered() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
