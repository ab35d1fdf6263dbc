// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vats holds the vats that ship with the kernel. Each registers its
// builder by name so configuration files and vat workers can find it.
package vats

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/vatkernel/vat"
)

const (
	EchoName      = "echo"
	CounterName   = "counter"
	BootstrapName = "bootstrap"
)

var errUnknownMethod = errors.New("unknown method")

func init() {
	errs := wrappers.Errs{}
	errs.Add(
		vat.Register(EchoName, Echo),
		vat.Register(CounterName, Counter),
		vat.Register(BootstrapName, Bootstrap),
	)
	if errs.Errored() {
		panic(errs.Err)
	}
}

// Echo fulfills the result of every message with the message's arguments.
func Echo(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage || d.Message.Result == "" {
			return nil
		}
		return sys.FulfillToData(d.Message.Result, d.Message.Args)
	}), nil
}

// Counter keeps a single integer. "increment" adds its argument (default 1)
// and answers with the new value; "read" answers with the current value.
// The "start" parameter sets the initial value.
func Counter(sys vat.Syscaller, params vat.Params) (vat.Dispatcher, error) {
	var count int64
	if start, ok := params["start"]; ok {
		n, err := strconv.ParseInt(start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad start %q: %w", start, err)
		}
		count = n
	}
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		switch d.Message.Method {
		case "increment":
			var args []int64
			if err := vat.Unmarshal(d.Message.Args, &args); err != nil {
				return err
			}
			delta := int64(1)
			if len(args) > 0 {
				delta = args[0]
			}
			count += delta
		case "read":
		default:
			return reject(sys, d.Message, errUnknownMethod, d.Message.Method)
		}
		if d.Message.Result == "" {
			return nil
		}
		return sys.FulfillToData(d.Message.Result, vat.MustMarshal(count))
	}), nil
}

func reject(sys vat.Syscaller, msg vat.Message, err error, detail string) error {
	if msg.Result == "" {
		return nil
	}
	return sys.Reject(msg.Result, vat.ErrorData(fmt.Sprintf("%v: %s", err, detail)))
}

// BootstrapReply is what the bootstrap vat answers bootstrap with.
type BootstrapReply struct {
	Vats    []string `json:"vats"`
	Devices []string `json:"devices"`
}

// Bootstrap receives the root objects of every vat and device at genesis.
// Afterwards "call" relays [vatName, method, args] to another vat's root
// object and settles its own result the way the callee settles.
func Bootstrap(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	b := &bootstrapVat{
		sys:     sys,
		vats:    make(map[string]string),
		devices: make(map[string]string),
		pending: make(map[string]string),
	}
	return vat.DispatcherFunc(b.deliver), nil
}

type bootstrapVat struct {
	sys   vat.Syscaller
	alloc vat.Allocator

	vats    map[string]string
	devices map[string]string
	// pending maps the result of a relayed call to the result the caller
	// is waiting on.
	pending map[string]string
}

func (b *bootstrapVat) deliver(d vat.Delivery) error {
	switch d.Type {
	case vat.DeliverMessage:
	case vat.NotifyFulfillToPresence:
		return b.settle(d.Promise, func(result string) error {
			return b.sys.FulfillToPresence(result, d.Presence)
		})
	case vat.NotifyFulfillToData:
		return b.settle(d.Promise, func(result string) error {
			return b.sys.FulfillToData(result, d.Data)
		})
	case vat.NotifyReject:
		return b.settle(d.Promise, func(result string) error {
			return b.sys.Reject(result, d.Data)
		})
	default:
		return nil
	}

	switch d.Message.Method {
	case "bootstrap":
		return b.bootstrap(d.Message)
	case "call":
		return b.call(d.Message)
	default:
		return reject(b.sys, d.Message, errUnknownMethod, d.Message.Method)
	}
}

func (b *bootstrapVat) bootstrap(msg vat.Message) error {
	var args []map[string]vat.SlotRef
	if err := vat.Unmarshal(msg.Args, &args); err != nil {
		return err
	}
	if len(args) != 2 {
		return fmt.Errorf("bootstrap expects 2 arguments, got %d", len(args))
	}
	reply := BootstrapReply{Vats: []string{}, Devices: []string{}}
	for name, ref := range args[0] {
		slot, err := msg.Args.Slot(ref)
		if err != nil {
			return err
		}
		b.vats[name] = slot
		reply.Vats = append(reply.Vats, name)
	}
	for name, ref := range args[1] {
		slot, err := msg.Args.Slot(ref)
		if err != nil {
			return err
		}
		b.devices[name] = slot
		reply.Devices = append(reply.Devices, name)
	}
	sort.Strings(reply.Vats)
	sort.Strings(reply.Devices)
	if msg.Result == "" {
		return nil
	}
	return b.sys.FulfillToData(msg.Result, vat.MustMarshal(reply))
}

func (b *bootstrapVat) call(msg vat.Message) error {
	var args []json.RawMessage
	if err := vat.Unmarshal(msg.Args, &args); err != nil {
		return err
	}
	if len(args) != 3 {
		return reject(b.sys, msg, errors.New("call expects [vat, method, args]"), msg.Args.Body)
	}
	var name, method string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return err
	}
	if err := json.Unmarshal(args[1], &method); err != nil {
		return err
	}
	target, ok := b.vats[name]
	if !ok {
		return reject(b.sys, msg, errors.New("unknown vat"), name)
	}

	// References in the relayed args index the caller's slot table, so it
	// travels along whole.
	result := b.alloc.Promise()
	if err := b.sys.Send(target, vat.Message{
		Method: method,
		Args:   vat.CapData{Body: string(args[2]), Slots: msg.Args.Slots},
		Result: result,
	}); err != nil {
		return err
	}
	if msg.Result == "" {
		return nil
	}
	b.pending[result] = msg.Result
	return b.sys.Subscribe(result)
}

func (b *bootstrapVat) settle(promise string, f func(result string) error) error {
	result, ok := b.pending[promise]
	if !ok {
		return nil
	}
	delete(b.pending, promise)
	return f(result)
}
