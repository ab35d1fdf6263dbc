// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vatmanager

import (
	"fmt"

	"github.com/ava-labs/vatkernel/vat"
)

// localRunner runs vat code on the kernel's own goroutine.
type localRunner struct {
	dispatcher vat.Dispatcher
	handler    vat.SyscallHandler
}

func newLocalRunner(b vat.Builder, params vat.Params) (*localRunner, error) {
	r := &localRunner{}
	d, err := b(vat.NewSyscaller(r.syscall), params)
	if err != nil {
		return nil, err
	}
	r.dispatcher = d
	return r, nil
}

func (r *localRunner) syscall(s vat.Syscall) vat.SyscallResult {
	if r.handler == nil {
		return vat.ErrorResult(errSyscallOutsideDelivery.Error())
	}
	return r.handler(s)
}

func (r *localRunner) run(d vat.Delivery, h vat.SyscallHandler) error {
	r.handler = h
	defer func() { r.handler = nil }()
	return deliverSafely(r.dispatcher, d)
}

func (*localRunner) shutdown() error { return nil }

// deliverSafely turns a panic in vat code into an error.
func deliverSafely(d vat.Dispatcher, delivery vat.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vat panicked: %v", r)
		}
	}()
	return d.Deliver(delivery)
}
