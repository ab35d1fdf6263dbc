// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mailbox is a byte transport device. Vats hand it frames addressed
// to named peers; the host moves those frames to the peers and feeds their
// frames back in. Sequence numbers make delivery idempotent in both
// directions.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
)

// Name is the device name the mailbox is usually registered under.
const Name = "mailbox"

var (
	errUnknownMethod  = errors.New("unknown mailbox method")
	errBadArgs        = errors.New("bad mailbox arguments")
	errNotEndowment   = errors.New("mailbox endowment must be a *Mailbox")
	errNotBuilt       = errors.New("mailbox device has not been built")
	errNoHandlerGiven = errors.New("registerInboundHandler needs an object")

	_ vat.DeviceDispatcher = &device{}
	_ vat.Poller           = &device{}
)

// Message is one frame with its sequence number.
type Message struct {
	Seq   uint64 `cbor:"1,keyasint"`
	Frame []byte `cbor:"2,keyasint"`
}

type peerState struct {
	// Outbox holds frames the peer has not acknowledged yet.
	Outbox  []Message `cbor:"1,keyasint"`
	NextSeq uint64    `cbor:"2,keyasint"`
	// Received is the highest inbound sequence number handed to the vat.
	Received uint64 `cbor:"3,keyasint"`
}

type deviceState struct {
	Handler string                `cbor:"1,keyasint,omitempty"`
	Peers   map[string]*peerState `cbor:"2,keyasint"`
}

func (s *deviceState) peer(name string) *peerState {
	p, ok := s.Peers[name]
	if !ok {
		p = &peerState{}
		s.Peers[name] = p
	}
	return p
}

func loadState(sys vat.DeviceSyscaller) (*deviceState, error) {
	b, err := sys.GetState()
	if err != nil {
		return nil, err
	}
	s := &deviceState{Peers: make(map[string]*peerState)}
	if len(b) == 0 {
		return s, nil
	}
	if err := vat.UnmarshalCBOR(b, s); err != nil {
		return nil, err
	}
	if s.Peers == nil {
		s.Peers = make(map[string]*peerState)
	}
	return s, nil
}

func saveState(sys vat.DeviceSyscaller, s *deviceState) error {
	b, err := vat.MarshalCBOR(s)
	if err != nil {
		return err
	}
	return sys.SetState(b)
}

// Mailbox is the host side of the device. Its methods are safe for
// concurrent use, but Outbound reads kernel state and must not overlap a
// crank.
type Mailbox struct {
	lock    sync.Mutex
	sys     vat.DeviceSyscaller
	acks    map[string]uint64
	inbound map[string][]Message
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		acks:    make(map[string]uint64),
		inbound: make(map[string][]Message),
	}
}

// Outbound returns the committed frames for [peer] that it has not
// acknowledged.
func (m *Mailbox) Outbound(peer string) ([]Message, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.sys == nil {
		return nil, errNotBuilt
	}
	s, err := loadState(m.sys)
	if err != nil {
		return nil, err
	}
	p, ok := s.Peers[peer]
	if !ok {
		return nil, nil
	}
	acked := m.acks[peer]
	out := []Message{}
	for _, msg := range p.Outbox {
		if msg.Seq > acked {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Ack records that [peer] has every frame up to and including [seq]. The
// device drops them from its outbox the next time it is polled.
func (m *Mailbox) Ack(peer string, seq uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if seq > m.acks[peer] {
		m.acks[peer] = seq
	}
}

// Deliver hands the device a frame [peer] sent. Frames already seen are
// ignored when the device is polled.
func (m *Mailbox) Deliver(peer string, seq uint64, frame []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.inbound[peer] = append(m.inbound[peer], Message{Seq: seq, Frame: frame})
}

// Relay moves every frame [from] holds for [toName] into [to] as coming
// from [fromName], and acknowledges them. It returns how many frames moved.
func Relay(from *Mailbox, fromName string, to *Mailbox, toName string) (int, error) {
	msgs, err := from.Outbound(toName)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		to.Deliver(fromName, msg.Seq, msg.Frame)
	}
	if len(msgs) > 0 {
		from.Ack(toName, msgs[len(msgs)-1].Seq)
	}
	return len(msgs), nil
}

// take removes the pending inbound frames and acknowledgements.
func (m *Mailbox) take() (map[string][]Message, map[string]uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	inbound := m.inbound
	m.inbound = make(map[string][]Message)
	acks := make(map[string]uint64, len(m.acks))
	for peer, seq := range m.acks {
		acks[peer] = seq
	}
	return inbound, acks
}

// putBack returns frames that could not be delivered yet.
func (m *Mailbox) putBack(peer string, msgs []Message) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.inbound[peer] = append(msgs, m.inbound[peer]...)
}

type device struct {
	sys  vat.DeviceSyscaller
	host *Mailbox
	log  log.Logger
}

// New builds the mailbox device. [endowments] must be the *Mailbox the host
// uses to talk to it.
func New(sys vat.DeviceSyscaller, endowments interface{}) (vat.DeviceDispatcher, error) {
	host, ok := endowments.(*Mailbox)
	if !ok {
		return nil, errNotEndowment
	}
	host.lock.Lock()
	host.sys = sys
	host.lock.Unlock()
	return &device{
		sys:  sys,
		host: host,
		log:  log.New("module", "mailbox"),
	}, nil
}

func (d *device) Invoke(_, method string, args vat.CapData) (vat.CapData, error) {
	switch method {
	case "registerInboundHandler":
		return d.registerInboundHandler(args)
	case "transmit":
		return d.transmit(args)
	default:
		return vat.CapData{}, fmt.Errorf("%w: %q", errUnknownMethod, method)
	}
}

func (d *device) registerInboundHandler(args vat.CapData) (vat.CapData, error) {
	if len(args.Slots) != 1 {
		return vat.CapData{}, errNoHandlerGiven
	}
	s, err := loadState(d.sys)
	if err != nil {
		return vat.CapData{}, err
	}
	s.Handler = args.Slots[0]
	if err := saveState(d.sys, s); err != nil {
		return vat.CapData{}, err
	}
	return vat.MustMarshal(nil), nil
}

// transmit queues [peer, frame] and answers with the frame's sequence
// number.
func (d *device) transmit(args vat.CapData) (vat.CapData, error) {
	var (
		peer  string
		frame []byte
	)
	if err := unmarshalPair(args, &peer, &frame); err != nil {
		return vat.CapData{}, err
	}
	if peer == "" {
		return vat.CapData{}, fmt.Errorf("%w: empty peer", errBadArgs)
	}
	s, err := loadState(d.sys)
	if err != nil {
		return vat.CapData{}, err
	}
	p := s.peer(peer)
	p.NextSeq++
	p.Outbox = append(p.Outbox, Message{Seq: p.NextSeq, Frame: frame})
	if err := saveState(d.sys, s); err != nil {
		return vat.CapData{}, err
	}
	d.log.Debug("queued frame", "peer", peer, "seq", p.NextSeq, "size", len(frame))
	return vat.MustMarshal(p.NextSeq), nil
}

// Poll applies acknowledgements and hands new inbound frames to the
// registered handler as "receive" messages.
func (d *device) Poll() (bool, error) {
	inbound, acks := d.host.take()
	if len(inbound) == 0 && len(acks) == 0 {
		return false, nil
	}
	did, err := d.poll(inbound, acks)
	if err != nil {
		// The crank is abandoned, so nothing was handed over.
		for peer, msgs := range inbound {
			d.host.putBack(peer, msgs)
		}
	}
	return did, err
}

func (d *device) poll(inbound map[string][]Message, acks map[string]uint64) (bool, error) {
	s, err := loadState(d.sys)
	if err != nil {
		return false, err
	}

	did := false
	for _, peer := range ackedPeers(acks) {
		p, ok := s.Peers[peer]
		if !ok {
			continue
		}
		kept := p.Outbox[:0]
		for _, msg := range p.Outbox {
			if msg.Seq > acks[peer] {
				kept = append(kept, msg)
			}
		}
		if len(kept) != len(p.Outbox) {
			did = true
		}
		p.Outbox = kept
	}

	for _, peer := range inboundPeers(inbound) {
		msgs := inbound[peer]
		if s.Handler == "" {
			d.host.putBack(peer, msgs)
			delete(inbound, peer)
			continue
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
		p := s.peer(peer)
		for _, msg := range msgs {
			if msg.Seq <= p.Received {
				continue
			}
			if err := d.sys.SendOnly(s.Handler, "receive", vat.MustMarshal([]interface{}{peer, msg.Frame})); err != nil {
				return false, err
			}
			p.Received = msg.Seq
			did = true
		}
	}
	if !did {
		return false, nil
	}
	return true, saveState(d.sys, s)
}

func inboundPeers(m map[string][]Message) []string {
	peers := make([]string, 0, len(m))
	for peer := range m {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

func ackedPeers(m map[string]uint64) []string {
	peers := make([]string, 0, len(m))
	for peer := range m {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// unmarshalPair decodes a two element body.
func unmarshalPair(args vat.CapData, first, second interface{}) error {
	var raw []json.RawMessage
	if err := vat.Unmarshal(args, &raw); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: want 2 elements, got %d", errBadArgs, len(raw))
	}
	if err := json.Unmarshal(raw[0], first); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	if err := json.Unmarshal(raw[1], second); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	return nil
}
