// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

// enqueueSend appends a send to the run queue. The entry holds a reference
// to its target and to every slot in the message.
func (k *Kernel) enqueueSend(target string, msg vat.Message) error {
	entry := &runQueueEntry{
		Type:    entrySend,
		Target:  target,
		Message: newMessageRecord(msg),
	}
	return k.enqueue(entry)
}

// enqueueNotify tells [vatID] that [kpid] has been resolved.
func (k *Kernel) enqueueNotify(vatID, kpid string) error {
	return k.enqueue(&runQueueEntry{
		Type:    entryNotify,
		VatID:   vatID,
		Promise: kpid,
	})
}

func (k *Kernel) enqueue(entry *runQueueEntry) error {
	if err := k.state.increfAll(entry.slots()); err != nil {
		return err
	}
	if err := k.state.pushRunQueue(entry); err != nil {
		return err
	}
	n, err := k.state.runQueueLength()
	if err != nil {
		return err
	}
	if n > k.stats.MaxRunQueueLength {
		k.stats.MaxRunQueueLength = n
	}
	return nil
}

// resolve settles [kpid] on behalf of [decider], which is empty when the
// kernel itself resolves a promise nobody else decides. Subscribers are
// notified first, then messages queued on the promise are re-sent in the
// order they arrived.
func (k *Kernel) resolve(decider, kpid string, to PromiseState, presence string, data vat.CapData) error {
	rec, err := k.state.getPromise(kpid)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", errKernelAssertion, kpid, err)
	}
	if rec.state() != Unresolved {
		if decider == "" {
			return fmt.Errorf("%w: %s resolved twice", errKernelAssertion, kpid)
		}
		return faultf("%s resolved %s which is already %s", decider, kpid, rec.state())
	}
	if rec.Decider != decider {
		if decider == "" {
			return fmt.Errorf("%w: kernel resolved %s decided by %s", errKernelAssertion, kpid, rec.Decider)
		}
		return faultf("%s resolved %s which it does not decide", decider, kpid)
	}
	if to == FulfilledToPresence {
		if kind, _ := slots.KindOf(presence); kind == slots.Promise {
			return fmt.Errorf("%w: %s: %v", vat.ErrFault, kpid, ErrRedirectUnimplemented)
		}
	}

	subscribers := rec.Subscribers
	queue := rec.Queue

	rec.State = uint8(to)
	rec.Decider = ""
	rec.Subscribers = nil
	rec.Queue = nil
	rec.Presence = presence
	rec.Data = newCapDataRecord(data)
	if err := k.state.increfAll(rec.resolutionSlots()); err != nil {
		return err
	}
	if err := k.state.putPromise(kpid, rec); err != nil {
		return err
	}

	for _, vatID := range subscribers {
		if err := k.enqueueNotify(vatID, kpid); err != nil {
			return err
		}
	}
	for _, msg := range queue {
		if err := k.enqueueSend(kpid, msg.message()); err != nil {
			return err
		}
		// The run queue entry now holds what the promise queue held.
		if err := k.state.decrefAll(msg.slots()); err != nil {
			return err
		}
	}
	if decider != "" {
		// The decider is done with the promise.
		if err := k.retire(decider, kpid); err != nil {
			return err
		}
	}
	k.log.Debug("resolved promise", "promise", kpid, "state", to, "subscribers", len(subscribers), "queued", len(queue))
	return nil
}

// retire removes a settled promise from a vat's c-list.
func (k *Kernel) retire(vatID, kpid string) error {
	a := k.state.agent(vatID)
	vslot, ok, err := a.lookupAgentSlot(kpid)
	if err != nil || !ok {
		return err
	}
	if err := a.deleteCListEntry(kpid, vslot); err != nil {
		return err
	}
	return k.state.decref(kpid)
}

// deliverSend routes a send to whatever its target currently designates.
func (k *Kernel) deliverSend(target string, msg vat.Message) error {
	ks, err := slots.ParseKernelSlot(target)
	if err != nil {
		return fmt.Errorf("%w: %v", errKernelAssertion, err)
	}
	switch ks.Kind {
	case slots.Object:
		rec, err := k.state.getObject(target)
		if err != nil {
			return fmt.Errorf("%w: send to %s: %v", errKernelAssertion, target, err)
		}
		return k.deliverToVat(rec.Owner, target, msg)
	case slots.Promise:
		return k.deliverToPromise(target, msg)
	default:
		return fmt.Errorf("%w: send to device node %s", errKernelAssertion, target)
	}
}

func (k *Kernel) deliverToPromise(kpid string, msg vat.Message) error {
	rec, err := k.state.getPromise(kpid)
	if err != nil {
		return fmt.Errorf("%w: send to %s: %v", errKernelAssertion, kpid, err)
	}
	switch rec.state() {
	case Unresolved:
		if v, ok := k.vats[rec.Decider]; ok && v.options.EnablePipelining {
			return k.deliverToVat(rec.Decider, kpid, msg)
		}
		// Hold the message until the promise resolves.
		m := newMessageRecord(msg)
		if err := k.state.increfAll(m.slots()); err != nil {
			return err
		}
		rec.Queue = append(rec.Queue, m)
		return k.state.putPromise(kpid, rec)
	case FulfilledToPresence:
		return k.deliverSend(rec.Presence, msg)
	case FulfilledToData:
		if msg.Result == "" {
			return nil
		}
		return k.resolve("", msg.Result, Rejected, "", vat.ErrorData("data is not callable"))
	default:
		if msg.Result == "" {
			return nil
		}
		return k.resolve("", msg.Result, Rejected, "", rec.Data.capData())
	}
}
