// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"errors"
	"fmt"
)

var (
	// ErrFault marks a vat as non-conformant: it named a slot outside its
	// c-list, broke a slot-kind rule, or resolved a promise it does not
	// decide.
	ErrFault = errors.New("vat fault")

	ErrSyscallFailed = errors.New("syscall failed")
)

// SyscallType names a syscall.
type SyscallType uint8

const (
	SysSend SyscallType = iota + 1
	SysInvoke
	SysSubscribe
	SysFulfillToPresence
	SysFulfillToData
	SysReject
	SysDropImports
)

var syscallNames = map[SyscallType]string{
	SysSend:              "send",
	SysInvoke:            "invoke",
	SysSubscribe:         "subscribe",
	SysFulfillToPresence: "fulfillToPresence",
	SysFulfillToData:     "fulfillToData",
	SysReject:            "reject",
	SysDropImports:       "dropImports",
}

func (t SyscallType) String() string {
	name, ok := syscallNames[t]
	if ok {
		return name
	}
	return fmt.Sprintf("{Syscall %d}", uint8(t))
}

// Syscall is a request from vat code to the kernel.
type Syscall struct {
	Type SyscallType `cbor:"1,keyasint"`

	// SysSend
	Target  string  `cbor:"2,keyasint,omitempty"`
	Message Message `cbor:"3,keyasint"`

	// SysInvoke
	Device string  `cbor:"4,keyasint,omitempty"`
	Method string  `cbor:"5,keyasint,omitempty"`
	Args   CapData `cbor:"6,keyasint"`

	// SysSubscribe, SysFulfill*, SysReject
	Promise  string  `cbor:"7,keyasint,omitempty"`
	Presence string  `cbor:"8,keyasint,omitempty"`
	Data     CapData `cbor:"9,keyasint"`

	// SysDropImports
	Slots []string `cbor:"10,keyasint,omitempty"`
}

// ResultStatus is the first element of a syscall result.
type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// SyscallResult is ['ok', data|null] or ['error', reason].
type SyscallResult struct {
	Status ResultStatus `cbor:"1,keyasint"`
	Data   *CapData     `cbor:"2,keyasint,omitempty"`
	Reason string       `cbor:"3,keyasint,omitempty"`
}

// OK returns a successful result carrying optional data.
func OK(data *CapData) SyscallResult {
	return SyscallResult{Status: StatusOK, Data: data}
}

// ErrorResult returns a failed result.
func ErrorResult(reason string) SyscallResult {
	return SyscallResult{Status: StatusError, Reason: reason}
}

func (r SyscallResult) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSyscallFailed, r.Reason)
}

// SyscallHandler services one syscall.
type SyscallHandler func(Syscall) SyscallResult
