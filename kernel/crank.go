// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"

	"github.com/ava-labs/vatkernel/vat"
)

// beginCrank claims the kernel for one atomic unit of work.
func (k *Kernel) beginCrank() error {
	if k.panicErr != nil {
		return k.panicErr
	}
	if !k.started {
		return ErrNotStarted
	}
	if !atomic.CompareAndSwapInt32(&k.inCrank, 0, 1) {
		// Whatever is running is now suspect too.
		k.notePanic(errNestedCrank)
		return fmt.Errorf("%w: %v", ErrKernelPanic, errNestedCrank)
	}
	k.crankFault = nil
	k.crankPanic = nil
	k.crankLog = k.crankLog[:0]
	return nil
}

func (k *Kernel) endCrank() {
	k.crankCtx = nil
	k.crankVat = ""
	atomic.StoreInt32(&k.inCrank, 0)
}

// Step processes the entry at the head of the run queue, if any, and
// commits its effects. It reports whether an entry was processed.
func (k *Kernel) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := k.beginCrank(); err != nil {
		return false, err
	}
	defer k.endCrank()
	k.crankCtx = ctx

	start := k.clock.Time()
	entry, ok, err := k.dequeue()
	if err != nil {
		return false, k.fail(err)
	}
	if !ok {
		return false, nil
	}

	err = k.safely(func() error { return k.processEntry(entry) })
	if k.crankPanic != nil {
		err = k.crankPanic
	}
	if err == nil {
		err = k.crankFault
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Deliver gave up before the vat saw anything.
		k.state.abort()
		return false, k.reloadStats(err)
	case errors.Is(err, vat.ErrFault) && k.config.FaultPolicy != FaultPanic:
		if err := k.abortDelivery(entry, err); err != nil {
			return false, k.fail(err)
		}
	default:
		return false, k.fail(err)
	}

	if err := k.finishCrank(); err != nil {
		return false, k.fail(err)
	}
	k.metrics.crankDuration.Observe(k.clock.Time().Sub(start).Seconds())
	return true, nil
}

// Run steps until the run queue is empty and no device has work, or until
// [ctx] is done. It returns the number of cranks processed.
func (k *Kernel) Run(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := k.Step(ctx)
		if err != nil {
			return n, err
		}
		if processed {
			n++
			continue
		}
		polled, err := k.PollDevices(ctx)
		if err != nil {
			return n, err
		}
		if !polled {
			return n, nil
		}
	}
}

// safely converts a Go panic in kernel code into an error.
func (k *Kernel) safely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errKernelAssertion, r)
		}
	}()
	return f()
}

func (k *Kernel) reloadStats(err error) error {
	stats, serr := k.state.stats()
	if serr != nil {
		return k.fail(serr)
	}
	k.stats = stats
	return err
}

// dequeue pops the head entry and releases the references it held.
func (k *Kernel) dequeue() (*runQueueEntry, bool, error) {
	entry, ok, err := k.state.popRunQueue()
	if err != nil || !ok {
		return nil, false, err
	}
	if err := k.state.decrefAll(entry.slots()); err != nil {
		return nil, false, err
	}
	if b, err := Codec.Marshal(CodecVersion, entry); err == nil {
		k.crankLog = append(k.crankLog, b)
	}
	return entry, true, nil
}

func (k *Kernel) processEntry(entry *runQueueEntry) error {
	k.log.Debug("processing", "entry", entry)
	switch entry.Type {
	case entrySend:
		k.stats.Deliveries++
		return k.deliverSend(entry.Target, entry.Message.message())
	case entryNotify:
		k.stats.Notifies++
		return k.deliverNotify(entry.VatID, entry.Promise)
	default:
		return fmt.Errorf("%w: unknown run queue entry %d", errKernelAssertion, entry.Type)
	}
}

func (k *Kernel) context() context.Context {
	if k.crankCtx != nil {
		return k.crankCtx
	}
	return context.Background()
}

func (k *Kernel) deliverToVat(vatID, target string, msg vat.Message) error {
	v, ok := k.vats[vatID]
	if !ok {
		return fmt.Errorf("%w: delivery to unknown vat %s", errKernelAssertion, vatID)
	}
	if msg.Result != "" {
		rec, err := k.state.getPromise(msg.Result)
		if err != nil {
			return fmt.Errorf("%w: result %s: %v", errKernelAssertion, msg.Result, err)
		}
		rec.Decider = vatID
		if err := k.state.putPromise(msg.Result, rec); err != nil {
			return err
		}
	}
	k.crankVat = vatID
	k.metrics.deliveries.WithLabelValues(vat.DeliverMessage.String()).Inc()
	return v.manager.Deliver(k.context(), vat.NewMessageDelivery(target, msg))
}

func (k *Kernel) deliverNotify(vatID, kpid string) error {
	v, ok := k.vats[vatID]
	if !ok {
		return fmt.Errorf("%w: notify to unknown vat %s", errKernelAssertion, vatID)
	}
	rec, err := k.state.getPromise(kpid)
	if err != nil {
		return fmt.Errorf("%w: notify of %s: %v", errKernelAssertion, kpid, err)
	}
	if _, ok, err := k.state.agent(vatID).lookupAgentSlot(kpid); err != nil || !ok {
		// The vat dropped the promise before hearing about it.
		return err
	}

	d := vat.Delivery{Promise: kpid}
	switch rec.state() {
	case FulfilledToPresence:
		d.Type = vat.NotifyFulfillToPresence
		d.Presence = rec.Presence
	case FulfilledToData:
		d.Type = vat.NotifyFulfillToData
		d.Data = rec.Data.capData()
	case Rejected:
		d.Type = vat.NotifyReject
		d.Data = rec.Data.capData()
	default:
		return fmt.Errorf("%w: notify of unresolved %s", errKernelAssertion, kpid)
	}
	k.crankVat = vatID
	k.metrics.deliveries.WithLabelValues(d.Type.String()).Inc()
	if err := v.manager.Deliver(k.context(), d); err != nil {
		return err
	}
	return k.retire(vatID, kpid)
}

// abortDelivery discards everything a faulting delivery did, then consumes
// the entry anyway and rejects its result so the sender hears about it.
func (k *Kernel) abortDelivery(entry *runQueueEntry, fault error) error {
	vatID := k.crankVat
	k.state.abort()
	if err := k.reloadStats(nil); err != nil {
		return err
	}
	k.crankLog = k.crankLog[:0]

	again, ok, err := k.dequeue()
	if err != nil {
		return err
	}
	if !ok || again.String() != entry.String() {
		return fmt.Errorf("%w: run queue changed under a faulting crank", errKernelAssertion)
	}
	if entry.Type == entrySend && entry.Message.Result != "" {
		rec, err := k.state.getPromise(entry.Message.Result)
		if err != nil {
			return err
		}
		if rec.state() == Unresolved && rec.Decider == "" {
			if err := k.resolve("", entry.Message.Result, Rejected, "", vat.ErrorData(fault.Error())); err != nil {
				return err
			}
		}
	}

	k.stats.VatFaults++
	k.metrics.vatFaults.Inc()
	if vatID != "" {
		if _, err := k.state.agent(vatID).recordFault(); err != nil {
			return err
		}
	}
	k.crankLog = append(k.crankLog, []byte(fault.Error()))

	if k.config.FaultPolicy == FaultLog {
		k.log.Warn("vat fault", "vat", vatID, "entry", entry, "error", fault)
	} else {
		k.log.Debug("vat fault", "vat", vatID, "entry", entry, "error", fault)
	}
	return nil
}

// finishCrank collects garbage, folds the crank into the activity hash, and
// commits.
func (k *Kernel) finishCrank() error {
	if err := k.collectGarbage(); err != nil {
		return err
	}

	n, err := k.state.crankNumber()
	if err != nil {
		return err
	}
	n++
	if err := k.state.setCrankNumber(n); err != nil {
		return err
	}

	prev, err := k.state.activityHash()
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(prev)+8)
	buf = append(buf, prev[:]...)
	buf = append(buf, make([]byte, 8)...)
	binary.BigEndian.PutUint64(buf[len(prev):], n)
	for _, b := range k.crankLog {
		buf = append(buf, b...)
	}
	if err := k.state.setActivityHash(ids.ID(hashing.ComputeHash256Array(buf))); err != nil {
		return err
	}

	length, err := k.state.runQueueLength()
	if err != nil {
		return err
	}
	objects, err := getUint64(k.state.kernelDB, nextObjectKey)
	if err != nil {
		return err
	}
	promises, err := getUint64(k.state.kernelDB, nextPromiseKey)
	if err != nil {
		return err
	}
	k.stats.CrankNumber = n
	k.stats.RunQueueLength = length
	k.stats.ObjectsCreated = objects
	k.stats.PromisesCreated = promises
	if err := k.state.setStats(k.stats); err != nil {
		return err
	}

	if err := k.state.commit(); err != nil {
		return err
	}
	k.metrics.cranks.Inc()
	k.metrics.runQueueLength.Set(float64(length))
	return nil
}
