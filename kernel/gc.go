// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"sort"

	"github.com/ava-labs/avalanchego/database"

	"github.com/ava-labs/vatkernel/slots"
)

// collectGarbage frees every object and promise whose refcount dropped to
// zero during the crank. Freeing a promise releases whatever it referred
// to, so collection repeats until nothing more becomes free.
func (k *Kernel) collectGarbage() error {
	for len(k.state.maybeFree) > 0 {
		candidates := make([]string, 0, len(k.state.maybeFree))
		for kslot := range k.state.maybeFree {
			candidates = append(candidates, kslot)
		}
		sort.Strings(candidates)
		k.state.maybeFree = make(map[string]struct{})

		for _, kslot := range candidates {
			n, err := k.state.refcount(kslot)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			kind, err := slots.KindOf(kslot)
			if err != nil {
				return err
			}
			switch kind {
			case slots.Object:
				err = k.collectObject(kslot)
			case slots.Promise:
				err = k.collectPromise(kslot)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (k *Kernel) collectObject(kslot string) error {
	rec, err := k.state.getObject(kslot)
	if err == database.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	owner := k.state.agent(rec.Owner)
	vslot, ok, err := owner.lookupAgentSlot(kslot)
	if err != nil {
		return err
	}
	if ok {
		if err := owner.deleteCListEntry(kslot, vslot); err != nil {
			return err
		}
	}
	if err := k.state.deleteObject(kslot); err != nil {
		return err
	}
	k.stats.ObjectsCollected++
	k.metrics.objectsCollected.Inc()
	k.log.Debug("collected object", "object", kslot, "owner", rec.Owner)
	return nil
}

func (k *Kernel) collectPromise(kslot string) error {
	rec, err := k.state.getPromise(kslot)
	if err == database.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := k.state.decrefAll(rec.resolutionSlots()); err != nil {
		return err
	}
	for _, msg := range rec.Queue {
		if err := k.state.decrefAll(msg.slots()); err != nil {
			return err
		}
	}
	if err := k.state.deletePromise(kslot); err != nil {
		return err
	}
	k.stats.PromisesCollected++
	k.metrics.promisesCollected.Inc()
	k.log.Debug("collected promise", "promise", kslot, "state", rec.state())
	return nil
}
