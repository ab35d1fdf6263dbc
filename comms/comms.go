// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package comms is a vat that extends the object graph across kernels.
// Messages sent to one of its proxies leave through a transport device as
// frames; frames arriving from a remote become sends inside this kernel.
//
// Each remote has its own table of wire ids. Objects and promises this
// side hands out are allocated "+" ids and what the remote hands out
// arrives as "-" ids once flipped to this side's view.
package comms

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

// Name is the name the comms vat is registered under.
const Name = "comms"

var (
	errUnknownMethod   = errors.New("unknown method")
	errBadArgs         = errors.New("bad arguments")
	errNotInitialized  = errors.New("comms has no transport")
	errUnknownRemote   = errors.New("unknown remote")
	errDuplicateRemote = errors.New("remote already exists")
	errDuplicateWireID = errors.New("wire id already in use")
	errNotRemote       = errors.New("target is not a remote object")
	errThirdParty      = errors.New("cannot pass a reference between remotes")
	errUnroutable      = errors.New("reference cannot cross kernels")
)

func init() {
	if err := vat.Register(Name, Builder); err != nil {
		panic(err)
	}
}

type remote struct {
	name string
	// toWire and fromWire map this vat's slots to wire ids, both in this
	// side's view.
	toWire      map[string]string
	fromWire    map[string]string
	nextObject  uint64
	nextPromise uint64
}

func newRemote(name string) *remote {
	return &remote{
		name:     name,
		toWire:   make(map[string]string),
		fromWire: make(map[string]string),
	}
}

func (r *remote) add(local, wire string) {
	r.toWire[local] = wire
	r.fromWire[wire] = local
}

func (r *remote) forget(local string) {
	delete(r.fromWire, r.toWire[local])
	delete(r.toWire, local)
}

// allocate returns an unused "+" wire id of [kind].
func (r *remote) allocate(kind slots.Kind) string {
	next := &r.nextObject
	if kind == slots.Promise {
		next = &r.nextPromise
	}
	for {
		*next++
		id := newWireID(kind, true, *next).String()
		if _, used := r.fromWire[id]; !used {
			return id
		}
	}
}

type commsVat struct {
	sys   vat.Syscaller
	alloc vat.Allocator
	log   log.Logger

	// receiver is the object the transport sends inbound frames to.
	receiver  string
	transport string
	remotes   map[string]*remote
	// homes maps proxies, and promises settled across a remote, to that
	// remote.
	homes map[string]*remote
}

// Builder builds a comms vat. It has no parameters; the host wires it up by
// sending "init" and then "addRemote", "addEgress" and "addIngress" to its
// root object.
func Builder(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	c := &commsVat{
		sys:     sys,
		log:     log.New("module", "comms"),
		remotes: make(map[string]*remote),
		homes:   make(map[string]*remote),
	}
	c.receiver = c.alloc.Object()
	return vat.DispatcherFunc(c.deliver), nil
}

func (c *commsVat) deliver(d vat.Delivery) error {
	switch d.Type {
	case vat.DeliverMessage:
		switch d.Target {
		case vat.RootObject:
			return c.control(d.Message)
		case c.receiver:
			return c.receive(d.Message)
		default:
			return c.forward(d.Target, d.Message)
		}
	case vat.NotifyFulfillToPresence, vat.NotifyFulfillToData, vat.NotifyReject:
		return c.notify(d)
	default:
		return nil
	}
}

func (c *commsVat) reject(result string, err error) error {
	if result == "" {
		return nil
	}
	return c.sys.Reject(result, vat.ErrorData(err.Error()))
}

func (c *commsVat) fulfill(result string) error {
	if result == "" {
		return nil
	}
	return c.sys.FulfillToData(result, vat.MustMarshal(nil))
}

func decodeArgs(args vat.CapData, want int) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := vat.Unmarshal(args, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadArgs, err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", errBadArgs, want, len(raw))
	}
	return raw, nil
}

// remoteArg decodes the remote named by the first argument.
func (c *commsVat) remoteArg(raw json.RawMessage) (*remote, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadArgs, err)
	}
	r, ok := c.remotes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownRemote, name)
	}
	return r, nil
}

func (c *commsVat) control(msg vat.Message) error {
	var err error
	switch msg.Method {
	case "init":
		err = c.initTransport(msg)
	case "addRemote":
		err = c.addRemote(msg)
	case "addEgress":
		err = c.addEgress(msg)
	case "addIngress":
		return c.addIngress(msg)
	default:
		err = fmt.Errorf("%w: %s", errUnknownMethod, msg.Method)
	}
	if err != nil {
		return c.reject(msg.Result, err)
	}
	return c.fulfill(msg.Result)
}

// initTransport takes the transport device and registers the receiver with it.
func (c *commsVat) initTransport(msg vat.Message) error {
	raw, err := decodeArgs(msg.Args, 1)
	if err != nil {
		return err
	}
	var ref vat.SlotRef
	if err := json.Unmarshal(raw[0], &ref); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	transport, err := msg.Args.Slot(ref)
	if err != nil {
		return err
	}
	if kind, _ := slots.KindOf(transport); kind != slots.Device {
		return fmt.Errorf("%w: transport %s is not a device", errBadArgs, transport)
	}
	if _, err := c.sys.Invoke(transport, "registerInboundHandler", vat.PresenceData(c.receiver)); err != nil {
		return err
	}
	c.transport = transport
	return nil
}

func (c *commsVat) addRemote(msg vat.Message) error {
	raw, err := decodeArgs(msg.Args, 1)
	if err != nil {
		return err
	}
	var name string
	if err := json.Unmarshal(raw[0], &name); err != nil || name == "" {
		return fmt.Errorf("%w: remote name", errBadArgs)
	}
	if _, ok := c.remotes[name]; ok {
		return fmt.Errorf("%w: %q", errDuplicateRemote, name)
	}
	c.remotes[name] = newRemote(name)
	c.log.Debug("added remote", "remote", name)
	return nil
}

// addEgress makes a local object reachable by the remote as its ingress
// [index].
func (c *commsVat) addEgress(msg vat.Message) error {
	raw, err := decodeArgs(msg.Args, 3)
	if err != nil {
		return err
	}
	r, err := c.remoteArg(raw[0])
	if err != nil {
		return err
	}
	var (
		index uint64
		ref   vat.SlotRef
	)
	if err := json.Unmarshal(raw[1], &index); err != nil {
		return fmt.Errorf("%w: index: %v", errBadArgs, err)
	}
	if err := json.Unmarshal(raw[2], &ref); err != nil {
		return fmt.Errorf("%w: object: %v", errBadArgs, err)
	}
	object, err := msg.Args.Slot(ref)
	if err != nil {
		return err
	}
	if kind, _ := slots.KindOf(object); kind != slots.Object {
		return fmt.Errorf("%w: %s is not an object", errBadArgs, object)
	}
	wire := newWireID(slots.Object, true, index).String()
	if _, used := r.fromWire[wire]; used {
		return fmt.Errorf("%w: %s", errDuplicateWireID, wire)
	}
	if _, ok := r.toWire[object]; ok {
		return fmt.Errorf("%w: %s already exported", errDuplicateWireID, object)
	}
	r.add(object, wire)
	return nil
}

// addIngress answers with a proxy for the object the remote exports as its
// egress [index].
func (c *commsVat) addIngress(msg vat.Message) error {
	raw, err := decodeArgs(msg.Args, 2)
	if err != nil {
		return c.reject(msg.Result, err)
	}
	r, err := c.remoteArg(raw[0])
	if err != nil {
		return c.reject(msg.Result, err)
	}
	var index uint64
	if err := json.Unmarshal(raw[1], &index); err != nil {
		return c.reject(msg.Result, fmt.Errorf("%w: index: %v", errBadArgs, err))
	}
	wire := newWireID(slots.Object, false, index).String()
	proxy, ok := r.fromWire[wire]
	if !ok {
		proxy = c.alloc.Object()
		r.add(proxy, wire)
		c.homes[proxy] = r
	}
	if msg.Result == "" {
		return nil
	}
	return c.sys.FulfillToPresence(msg.Result, proxy)
}

// forward turns a send to a proxy into a deliver frame.
func (c *commsVat) forward(target string, msg vat.Message) error {
	r, ok := c.homes[target]
	if !ok {
		return c.reject(msg.Result, fmt.Errorf("%w: %s", errNotRemote, target))
	}
	if c.transport == "" {
		return c.reject(msg.Result, errNotInitialized)
	}
	wireSlots, err := c.exportSlots(r, msg.Args.Slots)
	if err != nil {
		return c.reject(msg.Result, err)
	}
	f := &frame{
		Type:   frameDeliver,
		Target: r.toWire[target],
		Method: msg.Method,
		Body:   msg.Args.Body,
		Slots:  wireSlots,
	}
	if msg.Result != "" {
		// This vat decides the result until the remote settles it.
		f.Result = r.allocate(slots.Promise)
		r.add(msg.Result, f.Result)
		c.homes[msg.Result] = r
	}
	return c.transmit(r, f)
}

// exportSlots names local slots for [r], allocating wire ids as needed.
// Promises this vat does not decide are subscribed to so their resolution
// can follow them.
func (c *commsVat) exportSlots(r *remote, local []string) ([]string, error) {
	if len(local) == 0 {
		return nil, nil
	}
	out := make([]string, len(local))
	for i, slot := range local {
		if wire, ok := r.toWire[slot]; ok {
			out[i] = wire
			continue
		}
		if home, ok := c.homes[slot]; ok && home != r {
			return nil, fmt.Errorf("%w: %s belongs to %s", errThirdParty, slot, home.name)
		}
		vs, err := slots.ParseVatSlot(slot)
		if err != nil {
			return nil, err
		}
		switch {
		case vs.Kind == slots.Object:
			out[i] = r.allocate(slots.Object)
			r.add(slot, out[i])
		case vs.Kind == slots.Promise && !vs.Allocated:
			out[i] = r.allocate(slots.Promise)
			r.add(slot, out[i])
			c.homes[slot] = r
			if err := c.sys.Subscribe(slot); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s", errUnroutable, slot)
		}
	}
	return out, nil
}

// importSlots maps wire ids written by [r] to local slots, creating proxies
// and promises for ids the remote allocated.
func (c *commsVat) importSlots(r *remote, wire []string) ([]string, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	out := make([]string, len(wire))
	for i, theirs := range wire {
		ours, err := flip(theirs)
		if err != nil {
			return nil, err
		}
		if local, ok := r.fromWire[ours]; ok {
			out[i] = local
			continue
		}
		w, err := parseWireID(ours)
		if err != nil {
			return nil, err
		}
		if w.Allocated {
			return nil, fmt.Errorf("%w: %s was never handed out", errBadWireID, ours)
		}
		if w.Kind == slots.Object {
			out[i] = c.alloc.Object()
		} else {
			out[i] = c.alloc.Promise()
		}
		r.add(out[i], ours)
		c.homes[out[i]] = r
	}
	return out, nil
}

func (c *commsVat) transmit(r *remote, f *frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_, err = c.sys.Invoke(c.transport, "transmit", vat.MustMarshal([]interface{}{r.name, b}))
	return err
}

// receive handles [peer, frame] from the transport. Frames that make no
// sense are dropped.
func (c *commsVat) receive(msg vat.Message) error {
	raw, err := decodeArgs(msg.Args, 2)
	if err != nil {
		c.log.Warn("dropping inbound message", "error", err)
		return nil
	}
	r, err := c.remoteArg(raw[0])
	if err != nil {
		c.log.Warn("dropping inbound frame", "error", err)
		return nil
	}
	var b []byte
	if err := json.Unmarshal(raw[1], &b); err != nil {
		c.log.Warn("dropping inbound frame", "remote", r.name, "error", err)
		return nil
	}
	f, err := decodeFrame(b)
	if err != nil {
		c.log.Warn("dropping inbound frame", "remote", r.name, "error", err)
		return nil
	}
	if f.Type == frameDeliver {
		return c.receiveDeliver(r, f)
	}
	return c.receiveResolve(r, f)
}

func (c *commsVat) receiveDeliver(r *remote, f *frame) error {
	ours, err := flip(f.Target)
	if err != nil {
		c.log.Warn("dropping deliver", "remote", r.name, "error", err)
		return nil
	}
	// Only objects this side handed out can be targeted.
	target, ok := r.fromWire[ours]
	if w, werr := parseWireID(ours); werr != nil || !w.Allocated || w.Kind != slots.Object {
		ok = false
	}
	var args []string
	if ok {
		args, err = c.importSlots(r, f.Slots)
	}
	if !ok || err != nil {
		if err == nil {
			err = fmt.Errorf("%w: %s", errNotRemote, ours)
		}
		c.log.Warn("refusing deliver", "remote", r.name, "target", ours, "error", err)
		if f.Result == "" {
			return nil
		}
		result, ferr := flip(f.Result)
		if ferr != nil {
			return nil
		}
		data := vat.ErrorData(err.Error())
		return c.transmit(r, &frame{
			Type:       frameResolve,
			Promise:    result,
			Resolution: resolvedRejected,
			Body:       data.Body,
		})
	}

	msg := vat.Message{
		Method: f.Method,
		Args:   vat.CapData{Body: f.Body, Slots: args},
	}
	if f.Result != "" {
		ours, err := flip(f.Result)
		if err != nil {
			c.log.Warn("dropping deliver", "remote", r.name, "error", err)
			return nil
		}
		msg.Result = c.alloc.Promise()
		r.add(msg.Result, ours)
		c.homes[msg.Result] = r
	}
	if err := c.sys.Send(target, msg); err != nil {
		return err
	}
	if msg.Result == "" {
		return nil
	}
	return c.sys.Subscribe(msg.Result)
}

func (c *commsVat) receiveResolve(r *remote, f *frame) error {
	ours, err := flip(f.Promise)
	if err != nil {
		c.log.Warn("dropping resolve", "remote", r.name, "error", err)
		return nil
	}
	promise, ok := r.fromWire[ours]
	if !ok {
		c.log.Warn("dropping resolve of unknown promise", "remote", r.name, "promise", ours)
		return nil
	}

	switch f.Resolution {
	case resolvedToPresence:
		presence, err := c.importSlots(r, []string{f.Presence})
		if err == nil {
			err = c.sys.FulfillToPresence(promise, presence[0])
		} else {
			err = c.sys.Reject(promise, vat.ErrorData(err.Error()))
		}
		if err != nil {
			return err
		}
	default:
		dataSlots, err := c.importSlots(r, f.Slots)
		if err != nil {
			err = c.sys.Reject(promise, vat.ErrorData(err.Error()))
		} else if f.Resolution == resolvedToData {
			err = c.sys.FulfillToData(promise, vat.CapData{Body: f.Body, Slots: dataSlots})
		} else {
			err = c.sys.Reject(promise, vat.CapData{Body: f.Body, Slots: dataSlots})
		}
		if err != nil {
			return err
		}
	}
	r.forget(promise)
	delete(c.homes, promise)
	return nil
}

// notify passes the settlement of a promise the remote is waiting on.
func (c *commsVat) notify(d vat.Delivery) error {
	r, ok := c.homes[d.Promise]
	if !ok {
		return nil
	}
	wire := r.toWire[d.Promise]
	r.forget(d.Promise)
	delete(c.homes, d.Promise)

	f := &frame{Type: frameResolve, Promise: wire}
	var err error
	switch d.Type {
	case vat.NotifyFulfillToPresence:
		var presence []string
		presence, err = c.exportSlots(r, []string{d.Presence})
		if err == nil {
			f.Resolution = resolvedToPresence
			f.Presence = presence[0]
		}
	case vat.NotifyFulfillToData:
		f.Resolution = resolvedToData
		f.Body = d.Data.Body
		f.Slots, err = c.exportSlots(r, d.Data.Slots)
	default:
		f.Resolution = resolvedRejected
		f.Body = d.Data.Body
		f.Slots, err = c.exportSlots(r, d.Data.Slots)
	}
	if err != nil {
		data := vat.ErrorData(err.Error())
		f = &frame{Type: frameResolve, Promise: wire, Resolution: resolvedRejected, Body: data.Body}
	}
	return c.transmit(r, f)
}
