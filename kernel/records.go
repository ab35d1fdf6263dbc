// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"fmt"
	"sort"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
)

// PromiseState is the resolution state of a kernel promise.
type PromiseState uint8

const (
	Unresolved PromiseState = iota
	FulfilledToPresence
	FulfilledToData
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case FulfilledToPresence:
		return "fulfilledToPresence"
	case FulfilledToData:
		return "fulfilledToData"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("{PromiseState %d}", uint8(s))
	}
}

// capDataRecord stores the body as bytes; codec strings are limited to
// 64KiB.
type capDataRecord struct {
	Body  []byte   `serialize:"true"`
	Slots []string `serialize:"true"`
}

func newCapDataRecord(c vat.CapData) capDataRecord {
	return capDataRecord{Body: []byte(c.Body), Slots: c.Slots}
}

func (r capDataRecord) capData() vat.CapData {
	c := vat.CapData{Body: string(r.Body)}
	if len(r.Slots) > 0 {
		c.Slots = r.Slots
	}
	return c
}

type messageRecord struct {
	Method string        `serialize:"true"`
	Args   capDataRecord `serialize:"true"`
	Result string        `serialize:"true"`
}

func newMessageRecord(m vat.Message) messageRecord {
	return messageRecord{Method: m.Method, Args: newCapDataRecord(m.Args), Result: m.Result}
}

func (r messageRecord) message() vat.Message {
	return vat.Message{Method: r.Method, Args: r.Args.capData(), Result: r.Result}
}

// slots returns every kernel slot the message holds a reference to, other
// than its target.
func (r messageRecord) slots() []string {
	refs := make([]string, 0, len(r.Args.Slots)+1)
	if r.Result != "" {
		refs = append(refs, r.Result)
	}
	return append(refs, r.Args.Slots...)
}

// ownerRecord describes a kernel object or device node. It never changes
// after creation.
type ownerRecord struct {
	Owner string `serialize:"true"`
}

type promiseRecord struct {
	State       uint8           `serialize:"true"`
	Decider     string          `serialize:"true"`
	Subscribers []string        `serialize:"true"`
	Queue       []messageRecord `serialize:"true"`
	Presence    string          `serialize:"true"`
	Data        capDataRecord   `serialize:"true"`
}

func (p *promiseRecord) state() PromiseState { return PromiseState(p.State) }

// resolutionSlots returns the slots the settled promise refers to.
func (p *promiseRecord) resolutionSlots() []string {
	switch p.state() {
	case FulfilledToPresence:
		return []string{p.Presence}
	case FulfilledToData, Rejected:
		return p.Data.Slots
	default:
		return nil
	}
}

func (p *promiseRecord) hasSubscriber(id string) bool {
	for _, s := range p.Subscribers {
		if s == id {
			return true
		}
	}
	return false
}

const (
	entrySend uint8 = iota + 1
	entryNotify
)

// runQueueEntry is a send or a notify waiting for its crank.
type runQueueEntry struct {
	Type    uint8         `serialize:"true"`
	Target  string        `serialize:"true"`
	Message messageRecord `serialize:"true"`
	VatID   string        `serialize:"true"`
	Promise string        `serialize:"true"`
}

// slots returns every kernel slot the entry holds a reference to.
func (e *runQueueEntry) slots() []string {
	if e.Type == entryNotify {
		return []string{e.Promise}
	}
	return append([]string{e.Target}, e.Message.slots()...)
}

func (e *runQueueEntry) String() string {
	if e.Type == entryNotify {
		return fmt.Sprintf("notify(%s, %s)", e.VatID, e.Promise)
	}
	return fmt.Sprintf("send(%s.%s)", e.Target, e.Message.Method)
}

// dynamicVatRecord holds the options of a vat made by CreateVat, so Start
// can rebuild it.
type dynamicVatRecord struct {
	BuilderName      string        `serialize:"true"`
	ManagerKind      string        `serialize:"true"`
	EnablePipelining bool          `serialize:"true"`
	Params           []paramRecord `serialize:"true"`
	Command          []string      `serialize:"true"`
}

type paramRecord struct {
	Key   string `serialize:"true"`
	Value string `serialize:"true"`
}

func newDynamicVatRecord(opts VatOptions) *dynamicVatRecord {
	rec := &dynamicVatRecord{
		BuilderName:      opts.BuilderName,
		ManagerKind:      string(opts.ManagerKind),
		EnablePipelining: opts.EnablePipelining,
		Command:          opts.Command,
	}
	for key, value := range opts.Params {
		rec.Params = append(rec.Params, paramRecord{Key: key, Value: value})
	}
	sort.Slice(rec.Params, func(i, j int) bool { return rec.Params[i].Key < rec.Params[j].Key })
	return rec
}

func (r *dynamicVatRecord) options() VatOptions {
	opts := VatOptions{
		BuilderName:      r.BuilderName,
		ManagerKind:      vatmanager.Kind(r.ManagerKind),
		EnablePipelining: r.EnablePipelining,
		Command:          r.Command,
	}
	if len(r.Params) > 0 {
		opts.Params = make(vat.Params, len(r.Params))
		for _, p := range r.Params {
			opts.Params[p.Key] = p.Value
		}
	}
	return opts
}
