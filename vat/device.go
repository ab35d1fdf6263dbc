// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import "github.com/ava-labs/vatkernel/slots"

// RootDevice is the device node every device starts with.
var RootDevice = slots.NewExport(slots.Device, 0).String()

// DeviceDispatcher is implemented by device code. Devices answer invocations
// synchronously and are never replayed.
type DeviceDispatcher interface {
	Invoke(target, method string, args CapData) (CapData, error)
}

// DeviceSyscaller is what a device may do to the kernel.
type DeviceSyscaller interface {
	// SendOnly queues a message with no result promise.
	SendOnly(target, method string, args CapData) error
	GetState() ([]byte, error)
	SetState(state []byte) error
}

// Poller is implemented by devices whose host endowments produce work
// between cranks. Poll runs inside its own atomic unit and reports whether
// it did anything.
type Poller interface {
	Poll() (bool, error)
}

// DeviceBuilder constructs device code bound to [sys]. Endowments are the
// host-side objects the device may touch.
type DeviceBuilder func(sys DeviceSyscaller, endowments interface{}) (DeviceDispatcher, error)
