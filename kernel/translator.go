// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
)

var _ vatmanager.Translators = &translators{}

// translators convert deliveries and syscalls across one vat's c-list.
type translators struct {
	s     *state
	vatID string
}

func faultf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", vat.ErrFault, fmt.Sprintf(format, args...))
}

// checkKind faults unless [vslot] parses as one of [kinds].
func checkKind(role, vslot string, kinds ...slots.Kind) error {
	kind, err := slots.KindOf(vslot)
	if err != nil {
		return faultf("%s %q: %v", role, vslot, err)
	}
	for _, k := range kinds {
		if kind == k {
			return nil
		}
	}
	return faultf("%s %s may not be a %s", role, vslot, kind)
}

func (t *translators) toVat(kslot string) (string, error) {
	return t.s.mapKernelSlotToAgentSlot(t.vatID, kslot)
}

func (t *translators) toKernel(vslot string) (string, error) {
	return t.s.mapAgentSlotToKernelSlot(t.vatID, vslot)
}

func (t *translators) DeliveryToVat(d vat.Delivery) (vat.Delivery, error) {
	out := vat.Delivery{Type: d.Type}
	var err error
	switch d.Type {
	case vat.DeliverMessage:
		if out.Target, err = t.toVat(d.Target); err != nil {
			return vat.Delivery{}, err
		}
		out.Message.Method = d.Message.Method
		if out.Message.Args, err = t.s.capDataToAgent(t.vatID, d.Message.Args); err != nil {
			return vat.Delivery{}, err
		}
		if d.Message.Result != "" {
			if out.Message.Result, err = t.toVat(d.Message.Result); err != nil {
				return vat.Delivery{}, err
			}
		}
	case vat.NotifyFulfillToPresence:
		if out.Promise, err = t.toVat(d.Promise); err != nil {
			return vat.Delivery{}, err
		}
		if out.Presence, err = t.toVat(d.Presence); err != nil {
			return vat.Delivery{}, err
		}
	case vat.NotifyFulfillToData, vat.NotifyReject:
		if out.Promise, err = t.toVat(d.Promise); err != nil {
			return vat.Delivery{}, err
		}
		if out.Data, err = t.s.capDataToAgent(t.vatID, d.Data); err != nil {
			return vat.Delivery{}, err
		}
	default:
		return vat.Delivery{}, fmt.Errorf("%w: unknown delivery %s", errKernelAssertion, d.Type)
	}
	return out, nil
}

func (t *translators) messageToKernel(m vat.Message) (vat.Message, error) {
	if err := m.Validate(); err != nil {
		return vat.Message{}, faultf("%v", err)
	}
	out := vat.Message{Method: m.Method}
	var err error
	if out.Args, err = t.s.capDataToKernel(t.vatID, m.Args); err != nil {
		return vat.Message{}, err
	}
	if m.Result != "" {
		if err := checkKind("result", m.Result, slots.Promise); err != nil {
			return vat.Message{}, err
		}
		if out.Result, err = t.toKernel(m.Result); err != nil {
			return vat.Message{}, err
		}
	}
	return out, nil
}

func (t *translators) dataToKernel(c vat.CapData) (vat.CapData, error) {
	if err := c.Validate(); err != nil {
		return vat.CapData{}, faultf("%v", err)
	}
	return t.s.capDataToKernel(t.vatID, c)
}

func (t *translators) SyscallToKernel(s vat.Syscall) (vat.Syscall, error) {
	out := vat.Syscall{Type: s.Type}
	var err error
	switch s.Type {
	case vat.SysSend:
		if err := checkKind("target", s.Target, slots.Object, slots.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Target, err = t.toKernel(s.Target); err != nil {
			return vat.Syscall{}, err
		}
		if out.Message, err = t.messageToKernel(s.Message); err != nil {
			return vat.Syscall{}, err
		}
	case vat.SysInvoke:
		if err := checkKind("device", s.Device, slots.Device); err != nil {
			return vat.Syscall{}, err
		}
		if s.Method == "" {
			return vat.Syscall{}, faultf("invoke of %s without a method", s.Device)
		}
		if out.Device, err = t.toKernel(s.Device); err != nil {
			return vat.Syscall{}, err
		}
		out.Method = s.Method
		if out.Args, err = t.dataToKernel(s.Args); err != nil {
			return vat.Syscall{}, err
		}
	case vat.SysSubscribe:
		if err := checkKind("promise", s.Promise, slots.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Promise, err = t.toKernel(s.Promise); err != nil {
			return vat.Syscall{}, err
		}
	case vat.SysFulfillToPresence:
		if err := checkKind("promise", s.Promise, slots.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if err := checkKind("presence", s.Presence, slots.Object, slots.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Promise, err = t.toKernel(s.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Presence, err = t.toKernel(s.Presence); err != nil {
			return vat.Syscall{}, err
		}
	case vat.SysFulfillToData, vat.SysReject:
		if err := checkKind("promise", s.Promise, slots.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Promise, err = t.toKernel(s.Promise); err != nil {
			return vat.Syscall{}, err
		}
		if out.Data, err = t.dataToKernel(s.Data); err != nil {
			return vat.Syscall{}, err
		}
	case vat.SysDropImports:
		a := t.s.agent(t.vatID)
		out.Slots = make([]string, 0, len(s.Slots))
		for _, vslot := range s.Slots {
			vs, err := slots.ParseVatSlot(vslot)
			if err != nil {
				return vat.Syscall{}, faultf("%v", err)
			}
			// Promises may be dropped either way round; objects only as imports.
			if vs.Kind == slots.Device || (vs.Kind == slots.Object && vs.Allocated) {
				return vat.Syscall{}, faultf("%s is not droppable", vslot)
			}
			kslot, ok, err := a.lookupKernelSlot(vslot)
			if err != nil {
				return vat.Syscall{}, err
			}
			if !ok {
				return vat.Syscall{}, faultf("%s dropped %s which is not in its c-list", t.vatID, vslot)
			}
			out.Slots = append(out.Slots, kslot)
		}
	default:
		return vat.Syscall{}, faultf("unknown syscall %s", s.Type)
	}
	return out, nil
}

func (t *translators) ResultToVat(r vat.SyscallResult) (vat.SyscallResult, error) {
	if r.Data == nil {
		return r, nil
	}
	data, err := t.s.capDataToAgent(t.vatID, *r.Data)
	if err != nil {
		return vat.SyscallResult{}, err
	}
	r.Data = &data
	return r, nil
}
