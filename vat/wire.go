// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is canonical so that equal values always encode to equal bytes.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vat: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// EncMode returns the canonical CBOR encoding used for transcripts and wire
// frames.
func EncMode() cbor.EncMode { return encMode }

// MarshalCBOR encodes [v] canonically.
func MarshalCBOR(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes [data] into [v].
func UnmarshalCBOR(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// SyscallsEqual reports whether two syscalls are the same request. Empty and
// nil slot lists are considered equal.
func SyscallsEqual(a, b Syscall) bool {
	ab, err := encMode.Marshal(normalizeSyscall(a))
	if err != nil {
		return false
	}
	bb, err := encMode.Marshal(normalizeSyscall(b))
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func normalizeSyscall(s Syscall) Syscall {
	s.Message.Args = normalizeCapData(s.Message.Args)
	s.Args = normalizeCapData(s.Args)
	s.Data = normalizeCapData(s.Data)
	if len(s.Slots) == 0 {
		s.Slots = nil
	}
	return s
}

func normalizeCapData(c CapData) CapData {
	if len(c.Slots) == 0 {
		c.Slots = nil
	}
	return c
}
