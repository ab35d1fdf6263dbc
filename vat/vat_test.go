// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncoderAssignsSlotIndices(t *testing.T) {
	require := require.New(t)

	e := NewEncoder()
	a := e.Ref("o-1")
	b := e.Ref("p+2")
	again := e.Ref("o-1")
	require.Equal(a, again)

	cd, err := e.Encode([]interface{}{a, "x", b})
	require.NoError(err)
	require.Equal([]string{"o-1", "p+2"}, cd.Slots)
	require.Equal(`[{"@qclass":"slot","index":0},"x",{"@qclass":"slot","index":1}]`, cd.Body)

	var decoded []SlotRef
	require.NoError(Unmarshal(CapData{Body: `[{"@qclass":"slot","index":1}]`, Slots: cd.Slots}, &decoded))
	slot, err := cd.Slot(decoded[0])
	require.NoError(err)
	require.Equal("p+2", slot)

	_, err = cd.Slot(SlotRef{QClass: "slot", Index: 5})
	require.ErrorIs(err, errBadSlotRef)
	_, err = cd.Slot(SlotRef{QClass: "error"})
	require.ErrorIs(err, errNotSlotRef)
}

func TestCapDataValidate(t *testing.T) {
	require := require.New(t)

	require.ErrorIs(CapData{}.Validate(), errEmptyBody)
	require.NoError(CapData{Body: "1"}.Validate())
	require.ErrorIs(Message{Args: CapData{Body: "1"}}.Validate(), errEmptyMethod)
	require.NoError(Message{Method: "foo", Args: CapData{Body: "[]"}}.Validate())
}

func TestErrorData(t *testing.T) {
	require := require.New(t)

	var body ErrorBody
	require.NoError(Unmarshal(ErrorData("boom"), &body))
	require.Equal("error", body.QClass)
	require.Equal("boom", body.Message)
}

func TestSyscallerReportsErrors(t *testing.T) {
	require := require.New(t)

	var seen []Syscall
	sys := NewSyscaller(func(s Syscall) SyscallResult {
		seen = append(seen, s)
		switch s.Type {
		case SysInvoke:
			return OK(&CapData{Body: `"pong"`})
		case SysReject:
			return ErrorResult("not the decider")
		default:
			return OK(nil)
		}
	})

	require.NoError(sys.Send("o-1", Message{Method: "foo", Args: CapData{Body: "[]"}}))
	res, err := sys.Invoke("d-1", "ping", CapData{Body: "[]"})
	require.NoError(err)
	require.Equal(`"pong"`, res.Body)
	err = sys.Reject("p-1", ErrorData("no"))
	require.ErrorIs(err, ErrSyscallFailed)
	require.NoError(sys.DropImports("o-1", "o-2"))

	require.Len(seen, 4)
	require.Equal(SysSend, seen[0].Type)
	require.Equal([]string{"o-1", "o-2"}, seen[3].Slots)
}

func TestAllocator(t *testing.T) {
	require := require.New(t)

	var a Allocator
	require.Equal("o+1", a.Object())
	require.Equal("o+2", a.Object())
	require.Equal("p+1", a.Promise())
	require.Equal("o+0", RootObject)
	require.Equal("d+0", RootDevice)
}

func TestRegistry(t *testing.T) {
	require := require.New(t)

	b := func(Syscaller, Params) (Dispatcher, error) { return DispatcherFunc(func(Delivery) error { return nil }), nil }
	require.NoError(Register("registry-test", b))
	require.ErrorIs(Register("registry-test", b), errDuplicateBuilder)

	_, ok := Lookup("registry-test")
	require.True(ok)
	require.Contains(Registered(), "registry-test")
}

func TestSyscallsEqualIgnoresEmptySlots(t *testing.T) {
	require := require.New(t)

	a := Syscall{Type: SysFulfillToData, Promise: "p-1", Data: CapData{Body: "1"}}
	b := Syscall{Type: SysFulfillToData, Promise: "p-1", Data: CapData{Body: "1", Slots: []string{}}}
	require.True(SyscallsEqual(a, b))

	b.Data.Body = "2"
	require.False(SyscallsEqual(a, b))
}

func TestDeliveryRoundTrip(t *testing.T) {
	require := require.New(t)

	d := NewMessageDelivery("o+0", Message{Method: "foo", Args: CapData{Body: "[]", Slots: []string{"o-1"}}, Result: "p-1"})
	raw, err := MarshalCBOR(d)
	require.NoError(err)

	var decoded Delivery
	require.NoError(UnmarshalCBOR(raw, &decoded))
	require.Equal(d, decoded)
	require.Equal("message", decoded.Type.String())
}
