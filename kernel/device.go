// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

var (
	errOutsideCrank = errors.New("device syscall outside of a crank")

	_ vat.DeviceSyscaller = &deviceManager{}
)

// deviceManager runs one device. Devices are invoked synchronously from
// inside a vat's crank, so everything they do lands in that crank.
type deviceManager struct {
	k          *Kernel
	id         string
	name       string
	keeper     *agentKeeper
	dispatcher vat.DeviceDispatcher
	log        log.Logger
}

func (k *Kernel) newDeviceManager(id, name string, opts DeviceOptions) (*deviceManager, error) {
	d := &deviceManager{
		k:      k,
		id:     id,
		name:   name,
		keeper: k.state.agent(id),
		log:    log.New("module", "device", "device", name),
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("device %q has no builder", name)
	}
	dispatcher, err := opts.Builder(d, opts.Endowments)
	if err != nil {
		return nil, fmt.Errorf("failed to build device %q: %w", name, err)
	}
	d.dispatcher = dispatcher
	return d, nil
}

// invokeDevice calls the device that owns [kd]. Device errors go back to
// the calling vat as a failed syscall.
func (k *Kernel) invokeDevice(kd, method string, args vat.CapData) (vat.CapData, error) {
	rec, err := k.state.getDevnode(kd)
	if err != nil {
		return vat.CapData{}, fmt.Errorf("%w: unknown device node %s: %v", errKernelAssertion, kd, err)
	}
	d, ok := k.devices[rec.Owner]
	if !ok {
		return vat.CapData{}, fmt.Errorf("%w: device %s is not running", ErrDeviceFailed, rec.Owner)
	}
	return d.invoke(kd, method, args)
}

func (d *deviceManager) invoke(kd, method string, args vat.CapData) (vat.CapData, error) {
	target, ok, err := d.keeper.lookupAgentSlot(kd)
	if err != nil {
		return vat.CapData{}, err
	}
	if !ok {
		return vat.CapData{}, fmt.Errorf("%w: %s lost device node %s", errKernelAssertion, d.id, kd)
	}
	dargs, err := d.k.state.capDataToAgent(d.id, args)
	if err != nil {
		if errors.Is(err, vat.ErrFault) {
			return vat.CapData{}, fmt.Errorf("%w: %v", ErrDeviceFailed, err)
		}
		return vat.CapData{}, err
	}

	result, err := d.safeInvoke(target, method, dargs)
	if err != nil {
		d.log.Debug("invocation failed", "method", method, "error", err)
		return vat.CapData{}, fmt.Errorf("%w: %s.%s: %v", ErrDeviceFailed, d.name, method, err)
	}
	if err := result.Validate(); err != nil {
		return vat.CapData{}, fmt.Errorf("%w: %s.%s returned %v", ErrDeviceFailed, d.name, method, err)
	}
	kresult, err := d.k.state.capDataToKernel(d.id, result)
	if err != nil {
		return vat.CapData{}, fmt.Errorf("%w: %s.%s returned %v", ErrDeviceFailed, d.name, method, err)
	}
	return kresult, nil
}

func (d *deviceManager) safeInvoke(target, method string, args vat.CapData) (result vat.CapData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.dispatcher.Invoke(target, method, args)
}

func (d *deviceManager) checkInCrank() error {
	if atomic.LoadInt32(&d.k.inCrank) == 0 {
		return errOutsideCrank
	}
	return nil
}

func (d *deviceManager) SendOnly(target, method string, args vat.CapData) error {
	if err := d.checkInCrank(); err != nil {
		return err
	}
	if err := (vat.Message{Method: method, Args: args}).Validate(); err != nil {
		return err
	}
	kind, err := slots.KindOf(target)
	if err != nil {
		return err
	}
	if kind != slots.Object && kind != slots.Promise {
		return fmt.Errorf("device %s cannot send to %s", d.name, target)
	}
	kt, ok, err := d.keeper.lookupKernelSlot(target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("device %s sent to %s which is not in its c-list", d.name, target)
	}
	kargs, err := d.k.state.capDataToKernel(d.id, args)
	if err != nil {
		return err
	}
	return d.k.enqueueSend(kt, vat.Message{Method: method, Args: kargs})
}

func (d *deviceManager) GetState() ([]byte, error) {
	return d.keeper.deviceState()
}

func (d *deviceManager) SetState(state []byte) error {
	if err := d.checkInCrank(); err != nil {
		return err
	}
	return d.keeper.setDeviceState(state)
}

// PollDevices gives every device with host-side work a chance to act, each
// in its own committed unit. It reports whether any device did anything.
func (k *Kernel) PollDevices(ctx context.Context) (bool, error) {
	polled := false
	for _, id := range k.deviceOrder {
		if err := ctx.Err(); err != nil {
			return polled, err
		}
		poller, ok := k.devices[id].dispatcher.(vat.Poller)
		if !ok {
			continue
		}
		did, err := k.pollDevice(id, poller)
		if errors.Is(err, ErrDeviceFailed) {
			// Rolled back; the device retries on the next poll.
			continue
		}
		if err != nil {
			return polled, err
		}
		polled = polled || did
	}
	return polled, nil
}

func (k *Kernel) pollDevice(id string, poller vat.Poller) (bool, error) {
	if err := k.beginCrank(); err != nil {
		return false, err
	}
	defer k.endCrank()

	var did bool
	err := k.safely(func() error {
		var err error
		did, err = poller.Poll()
		return err
	})
	if k.crankPanic != nil {
		return false, k.fail(k.crankPanic)
	}
	if err != nil {
		k.state.abort()
		k.log.Warn("device poll failed", "device", id, "error", err)
		return false, k.reloadStats(fmt.Errorf("%w: %s poll: %v", ErrDeviceFailed, id, err))
	}
	if !did {
		k.state.abort()
		return false, nil
	}
	k.crankLog = append(k.crankLog, []byte("poll "+id))
	if err := k.finishCrank(); err != nil {
		return false, k.fail(err)
	}
	return true, nil
}
