// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comms

import (
	"errors"
	"fmt"

	"github.com/ava-labs/vatkernel/slots"
	"github.com/ava-labs/vatkernel/vat"
)

var (
	errBadWireID = errors.New("bad wire id")
	errBadFrame  = errors.New("bad frame")
)

type frameType uint8

const (
	frameDeliver frameType = iota + 1
	frameResolve
)

type resolution uint8

const (
	resolvedToPresence resolution = iota + 1
	resolvedToData
	resolvedRejected
)

// frame is what one comms vat sends another. Wire ids are written from the
// sender's point of view.
type frame struct {
	Type frameType `cbor:"1,keyasint"`

	// frameDeliver
	Target string `cbor:"2,keyasint,omitempty"`
	Method string `cbor:"3,keyasint,omitempty"`
	Result string `cbor:"4,keyasint,omitempty"`

	// frameResolve
	Promise    string     `cbor:"5,keyasint,omitempty"`
	Resolution resolution `cbor:"6,keyasint,omitempty"`
	Presence   string     `cbor:"7,keyasint,omitempty"`

	// Message arguments or resolution data.
	Body  string   `cbor:"8,keyasint,omitempty"`
	Slots []string `cbor:"9,keyasint,omitempty"`
}

func encodeFrame(f *frame) ([]byte, error) {
	return vat.MarshalCBOR(f)
}

func decodeFrame(b []byte) (*frame, error) {
	f := &frame{}
	if err := vat.UnmarshalCBOR(b, f); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	switch f.Type {
	case frameDeliver:
		if f.Target == "" || f.Method == "" {
			return nil, fmt.Errorf("%w: deliver without target or method", errBadFrame)
		}
	case frameResolve:
		if f.Promise == "" {
			return nil, fmt.Errorf("%w: resolve without promise", errBadFrame)
		}
		switch f.Resolution {
		case resolvedToPresence:
			if f.Presence == "" {
				return nil, fmt.Errorf("%w: presence resolution without presence", errBadFrame)
			}
		case resolvedToData, resolvedRejected:
		default:
			return nil, fmt.Errorf("%w: resolution %d", errBadFrame, f.Resolution)
		}
	default:
		return nil, fmt.Errorf("%w: type %d", errBadFrame, f.Type)
	}
	return f, nil
}

// wireID names an object or promise shared with one remote: "ro+N" is
// allocated by the side writing it, "ro-N" by the other side.
type wireID struct {
	slots.VatSlot
}

func newWireID(kind slots.Kind, allocated bool, id uint64) wireID {
	return wireID{slots.VatSlot{Kind: kind, Allocated: allocated, ID: id}}
}

func (w wireID) String() string { return "r" + w.VatSlot.String() }

func parseWireID(s string) (wireID, error) {
	if len(s) < 4 || s[0] != 'r' {
		return wireID{}, fmt.Errorf("%w: %q", errBadWireID, s)
	}
	vs, err := slots.ParseVatSlot(s[1:])
	if err != nil {
		return wireID{}, fmt.Errorf("%w: %v", errBadWireID, err)
	}
	if vs.Kind == slots.Device {
		return wireID{}, fmt.Errorf("%w: devices do not cross kernels", errBadWireID)
	}
	return wireID{vs}, nil
}

// flip converts a wire id between the sender's and the receiver's view.
func flip(s string) (string, error) {
	w, err := parseWireID(s)
	if err != nil {
		return "", err
	}
	w.Allocated = !w.Allocated
	return w.String(), nil
}
