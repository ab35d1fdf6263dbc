// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vatmanager

import (
	"sync"
	"sync/atomic"

	"github.com/ava-labs/vatkernel/vat"
)

type syscallRequest struct {
	syscall vat.Syscall
	reply   chan vat.SyscallResult
}

// workerRunner runs vat code on a dedicated goroutine. The vat only reaches
// the kernel by sending syscall requests back to the goroutine blocked in
// run, so kernel state is never touched concurrently.
type workerRunner struct {
	deliveries chan vat.Delivery
	syscalls   chan syscallRequest
	done       chan error

	// delivering is set by the worker goroutine but read by whichever
	// goroutine the vat makes syscalls from.
	delivering int32

	closeOnce sync.Once
	quit      chan struct{}
}

func newWorkerRunner(b vat.Builder, params vat.Params) (*workerRunner, error) {
	r := &workerRunner{
		deliveries: make(chan vat.Delivery),
		syscalls:   make(chan syscallRequest),
		done:       make(chan error),
		quit:       make(chan struct{}),
	}

	// Building happens on the worker goroutine too, in case the builder
	// retains goroutine-affine state.
	built := make(chan error)
	go r.loop(b, params, built)
	if err := <-built; err != nil {
		return nil, err
	}
	return r, nil
}

func (r *workerRunner) loop(b vat.Builder, params vat.Params, built chan<- error) {
	d, err := b(vat.NewSyscaller(r.syscall), params)
	built <- err
	if err != nil {
		return
	}
	for {
		select {
		case delivery := <-r.deliveries:
			atomic.StoreInt32(&r.delivering, 1)
			err := deliverSafely(d, delivery)
			atomic.StoreInt32(&r.delivering, 0)
			r.done <- err
		case <-r.quit:
			return
		}
	}
}

func (r *workerRunner) syscall(s vat.Syscall) vat.SyscallResult {
	if atomic.LoadInt32(&r.delivering) == 0 {
		return vat.ErrorResult(errSyscallOutsideDelivery.Error())
	}
	reply := make(chan vat.SyscallResult, 1)
	select {
	case r.syscalls <- syscallRequest{syscall: s, reply: reply}:
	case <-r.quit:
		return vat.ErrorResult(ErrShutdown.Error())
	}
	return <-reply
}

func (r *workerRunner) run(d vat.Delivery, h vat.SyscallHandler) error {
	select {
	case r.deliveries <- d:
	case <-r.quit:
		return ErrShutdown
	}
	for {
		select {
		case req := <-r.syscalls:
			req.reply <- h(req.syscall)
		case err := <-r.done:
			return err
		}
	}
}

func (r *workerRunner) shutdown() error {
	r.closeOnce.Do(func() { close(r.quit) })
	return nil
}
