// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import "fmt"

// DeliveryType is the kind of event delivered into a vat.
type DeliveryType uint8

const (
	DeliverMessage DeliveryType = iota + 1
	NotifyFulfillToPresence
	NotifyFulfillToData
	NotifyReject
)

var deliveryNames = map[DeliveryType]string{
	DeliverMessage:          "message",
	NotifyFulfillToPresence: "notifyFulfillToPresence",
	NotifyFulfillToData:     "notifyFulfillToData",
	NotifyReject:            "notifyReject",
}

func (t DeliveryType) String() string {
	name, ok := deliveryNames[t]
	if ok {
		return name
	}
	return fmt.Sprintf("{DeliveryType %d}", uint8(t))
}

// Delivery is one event handed to a vat. Slots are kernel slots while the
// delivery is queued and vat slots once a manager has translated it.
type Delivery struct {
	Type DeliveryType `cbor:"1,keyasint"`

	// DeliverMessage
	Target  string  `cbor:"2,keyasint,omitempty"`
	Message Message `cbor:"3,keyasint"`

	// Notify*
	Promise  string  `cbor:"4,keyasint,omitempty"`
	Presence string  `cbor:"5,keyasint,omitempty"`
	Data     CapData `cbor:"6,keyasint"`
}

// NewMessageDelivery returns a message delivery.
func NewMessageDelivery(target string, msg Message) Delivery {
	return Delivery{Type: DeliverMessage, Target: target, Message: msg}
}
