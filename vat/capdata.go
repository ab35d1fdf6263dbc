// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errEmptyBody   = errors.New("capdata body is empty")
	errBadSlotRef  = errors.New("slot reference out of range")
	errNotSlotRef  = errors.New("value is not a slot reference")
	errEmptyMethod = errors.New("message method is empty")
)

const (
	qclassSlot  = "slot"
	qclassError = "error"
)

// CapData is the envelope for every message payload and resolution: a
// serialized body that may reference capabilities by index into Slots.
type CapData struct {
	Body  string   `json:"body" cbor:"1,keyasint"`
	Slots []string `json:"slots" cbor:"2,keyasint"`
}

// Validate checks the shape of the envelope.
func (c CapData) Validate() error {
	if len(c.Body) == 0 {
		return errEmptyBody
	}
	return nil
}

// SlotRef is how a body embeds a reference to Slots[Index].
type SlotRef struct {
	QClass string `json:"@qclass"`
	Index  int    `json:"index"`
}

// Slot returns the slot named by [ref].
func (c CapData) Slot(ref SlotRef) (string, error) {
	if ref.QClass != qclassSlot {
		return "", errNotSlotRef
	}
	if ref.Index < 0 || ref.Index >= len(c.Slots) {
		return "", fmt.Errorf("%w: %d of %d", errBadSlotRef, ref.Index, len(c.Slots))
	}
	return c.Slots[ref.Index], nil
}

// Encoder builds a CapData, assigning slot indices as references are
// embedded.
type Encoder struct {
	slots []string
	index map[string]int
}

func NewEncoder() *Encoder {
	return &Encoder{index: make(map[string]int)}
}

// Ref returns the body placeholder for [slot].
func (e *Encoder) Ref(slot string) SlotRef {
	i, ok := e.index[slot]
	if !ok {
		i = len(e.slots)
		e.slots = append(e.slots, slot)
		e.index[slot] = i
	}
	return SlotRef{QClass: qclassSlot, Index: i}
}

// Encode serializes [v] together with every slot referenced so far.
func (e *Encoder) Encode(v interface{}) (CapData, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return CapData{}, err
	}
	return CapData{Body: string(body), Slots: e.slots}, nil
}

// Marshal serializes a value that carries no capabilities.
func Marshal(v interface{}) (CapData, error) {
	return NewEncoder().Encode(v)
}

// MustMarshal is Marshal for values known to serialize.
func MustMarshal(v interface{}) CapData {
	c, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Unmarshal decodes the body into [v]. Slot references decode as SlotRef and
// are resolved with CapData.Slot.
func Unmarshal(c CapData, v interface{}) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return json.Unmarshal([]byte(c.Body), v)
}

// ErrorBody is the body shape used for rejections.
type ErrorBody struct {
	QClass  string `json:"@qclass"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ErrorData returns rejection data describing [msg].
func ErrorData(msg string) CapData {
	return MustMarshal(ErrorBody{QClass: qclassError, Name: "Error", Message: msg})
}

// PresenceData returns the data form of a resolution to a single presence.
func PresenceData(slot string) CapData {
	e := NewEncoder()
	ref := e.Ref(slot)
	c, err := e.Encode(ref)
	if err != nil {
		panic(err)
	}
	return c
}

// Message is a method invocation. Result names the promise the invocation
// settles, or is empty.
type Message struct {
	Method string  `json:"method" cbor:"1,keyasint"`
	Args   CapData `json:"args" cbor:"2,keyasint"`
	Result string  `json:"result,omitempty" cbor:"3,keyasint,omitempty"`
}

// Validate checks the shape of the message.
func (m Message) Validate() error {
	if len(m.Method) == 0 {
		return errEmptyMethod
	}
	return m.Args.Validate()
}
