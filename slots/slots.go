// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package slots names capability references.
//
// Kernel slots are globally unique within one kernel and look like "ko12",
// "kp3" or "kd1". Vat slots are local to one vat (or device) c-list and also
// record which side allocated them: "o+4" was exported by the vat, "o-4" was
// imported into it by the kernel.
package slots

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidSlot = errors.New("invalid slot")
	ErrUnknownKind = errors.New("unknown slot kind")
)

// Kind is the type of the thing a slot refers to.
type Kind uint8

const (
	Object Kind = iota + 1
	Promise
	Device
)

var kindLetters = map[Kind]byte{
	Object:  'o',
	Promise: 'p',
	Device:  'd',
}

func (k Kind) String() string {
	switch k {
	case Object:
		return "object"
	case Promise:
		return "promise"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("{Kind %d}", uint8(k))
	}
}

func kindFromLetter(c byte) (Kind, error) {
	for kind, letter := range kindLetters {
		if letter == c {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, c)
}

// KernelSlot is a kernel-global reference.
type KernelSlot struct {
	Kind Kind
	ID   uint64
}

func (s KernelSlot) String() string {
	return "k" + string(kindLetters[s.Kind]) + strconv.FormatUint(s.ID, 10)
}

// ParseKernelSlot parses strings of the form "ko12".
func ParseKernelSlot(s string) (KernelSlot, error) {
	if len(s) < 3 || s[0] != 'k' {
		return KernelSlot{}, fmt.Errorf("%w: kernel slot %q", ErrInvalidSlot, s)
	}
	kind, err := kindFromLetter(s[1])
	if err != nil {
		return KernelSlot{}, fmt.Errorf("%w: kernel slot %q", ErrInvalidSlot, s)
	}
	id, err := strconv.ParseUint(s[2:], 10, 64)
	if err != nil {
		return KernelSlot{}, fmt.Errorf("%w: kernel slot %q", ErrInvalidSlot, s)
	}
	ks := KernelSlot{Kind: kind, ID: id}
	if ks.String() != s {
		// "ko007" would name a different table entry than "ko7".
		return KernelSlot{}, fmt.Errorf("%w: kernel slot %q is not canonical", ErrInvalidSlot, s)
	}
	return ks, nil
}

// VatSlot is a reference local to one vat or device c-list.
type VatSlot struct {
	Kind Kind
	// Allocated is true when the vat itself chose the id (an export).
	Allocated bool
	ID        uint64
}

// NewExport returns the slot a vat allocates for something it exports.
func NewExport(kind Kind, id uint64) VatSlot {
	return VatSlot{Kind: kind, Allocated: true, ID: id}
}

// NewImport returns the slot the kernel allocates for something a vat
// imports.
func NewImport(kind Kind, id uint64) VatSlot {
	return VatSlot{Kind: kind, Allocated: false, ID: id}
}

func (s VatSlot) String() string {
	sign := "-"
	if s.Allocated {
		sign = "+"
	}
	return string(kindLetters[s.Kind]) + sign + strconv.FormatUint(s.ID, 10)
}

// ParseVatSlot parses strings of the form "o+4" or "p-2".
func ParseVatSlot(s string) (VatSlot, error) {
	if len(s) < 3 {
		return VatSlot{}, fmt.Errorf("%w: vat slot %q", ErrInvalidSlot, s)
	}
	kind, err := kindFromLetter(s[0])
	if err != nil {
		return VatSlot{}, fmt.Errorf("%w: vat slot %q", ErrInvalidSlot, s)
	}
	var allocated bool
	switch s[1] {
	case '+':
		allocated = true
	case '-':
	default:
		return VatSlot{}, fmt.Errorf("%w: vat slot %q", ErrInvalidSlot, s)
	}
	id, err := strconv.ParseUint(s[2:], 10, 64)
	if err != nil {
		return VatSlot{}, fmt.Errorf("%w: vat slot %q", ErrInvalidSlot, s)
	}
	vs := VatSlot{Kind: kind, Allocated: allocated, ID: id}
	if vs.String() != s {
		return VatSlot{}, fmt.Errorf("%w: vat slot %q is not canonical", ErrInvalidSlot, s)
	}
	return vs, nil
}

// KindOf returns the kind of a kernel or vat slot string without fully
// validating it.
func KindOf(s string) (Kind, error) {
	if len(s) > 1 && s[0] == 'k' {
		return kindFromLetter(s[1])
	}
	if len(s) > 0 {
		return kindFromLetter(s[0])
	}
	return 0, fmt.Errorf("%w: empty slot", ErrInvalidSlot)
}
