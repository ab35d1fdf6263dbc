// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

// syscallHandler returns the kernel-side handler for vat [vatID]. It sees
// syscalls already translated to kernel slots.
func (k *Kernel) syscallHandler(vatID string) vat.SyscallHandler {
	return func(s vat.Syscall) (result vat.SyscallResult) {
		defer func() {
			if r := recover(); r != nil {
				k.notePanic(fmt.Errorf("%w: %s from %s panicked: %v", errKernelAssertion, s.Type, vatID, r))
				result = vat.ErrorResult(ErrKernelPanic.Error())
			}
		}()
		if k.crankPanic != nil {
			return vat.ErrorResult(ErrKernelPanic.Error())
		}

		k.metrics.syscalls.WithLabelValues(s.Type.String()).Inc()
		k.stats.Syscalls++
		if b, err := vat.MarshalCBOR(s); err == nil {
			k.crankLog = append(k.crankLog, b)
		}

		data, err := k.doSyscall(vatID, s)
		switch {
		case err == nil:
			return vat.OK(data)
		case errors.Is(err, ErrDeviceFailed):
			// The device said no; the vat may carry on.
			return vat.ErrorResult(err.Error())
		case errors.Is(err, vat.ErrFault):
			if k.crankFault == nil {
				k.crankFault = err
			}
			return vat.ErrorResult(err.Error())
		default:
			k.notePanic(err)
			return vat.ErrorResult(ErrKernelPanic.Error())
		}
	}
}

func (k *Kernel) notePanic(err error) {
	if k.crankPanic == nil {
		k.crankPanic = err
	}
}

func (k *Kernel) doSyscall(vatID string, s vat.Syscall) (*vat.CapData, error) {
	switch s.Type {
	case vat.SysSend:
		return nil, k.doSend(vatID, s.Target, s.Message)
	case vat.SysInvoke:
		data, err := k.invokeDevice(s.Device, s.Method, s.Args)
		if err != nil {
			return nil, err
		}
		return &data, nil
	case vat.SysSubscribe:
		return nil, k.doSubscribe(vatID, s.Promise)
	case vat.SysFulfillToPresence:
		return nil, k.resolve(vatID, s.Promise, FulfilledToPresence, s.Presence, vat.CapData{})
	case vat.SysFulfillToData:
		return nil, k.resolve(vatID, s.Promise, FulfilledToData, "", s.Data)
	case vat.SysReject:
		return nil, k.resolve(vatID, s.Promise, Rejected, "", s.Data)
	case vat.SysDropImports:
		return nil, k.dropImports(vatID, s.Slots)
	default:
		return nil, fmt.Errorf("%w: unknown syscall %s", errKernelAssertion, s.Type)
	}
}

func (k *Kernel) doSend(vatID, target string, msg vat.Message) error {
	if msg.Result != "" {
		rec, err := k.state.getPromise(msg.Result)
		if err != nil {
			return fmt.Errorf("%w: result %s: %v", errKernelAssertion, msg.Result, err)
		}
		if rec.state() != Unresolved {
			return faultf("result promise %s is already %s", msg.Result, rec.state())
		}
		if rec.Decider != vatID {
			return faultf("%s sent with result %s which it does not decide", vatID, msg.Result)
		}
		// The result is decided by whoever eventually receives the message.
		rec.Decider = ""
		if err := k.state.putPromise(msg.Result, rec); err != nil {
			return err
		}
	}
	return k.enqueueSend(target, msg)
}

func (k *Kernel) doSubscribe(vatID, kpid string) error {
	rec, err := k.state.getPromise(kpid)
	if err != nil {
		return fmt.Errorf("%w: subscribe to %s: %v", errKernelAssertion, kpid, err)
	}
	if rec.state() != Unresolved {
		return k.enqueueNotify(vatID, kpid)
	}
	if rec.hasSubscriber(vatID) {
		return nil
	}
	rec.Subscribers = append(rec.Subscribers, vatID)
	return k.state.putPromise(kpid, rec)
}

// dropImports removes imports from a vat's c-list and releases the
// references they held.
func (k *Kernel) dropImports(vatID string, kslots []string) error {
	a := k.state.agent(vatID)
	for _, kslot := range kslots {
		vslot, ok, err := a.lookupAgentSlot(kslot)
		if err != nil {
			return err
		}
		if !ok {
			// Dropped twice in the same call.
			continue
		}
		if kind, _ := slots.KindOf(kslot); kind == slots.Promise {
			rec, err := k.state.getPromise(kslot)
			if err != nil {
				return err
			}
			if rec.Decider == vatID {
				return faultf("%s dropped %s which it decides", vatID, vslot)
			}
		}
		if err := a.deleteCListEntry(kslot, vslot); err != nil {
			return err
		}
		if err := k.state.decref(kslot); err != nil {
			return err
		}
	}
	return nil
}
