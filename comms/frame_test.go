// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package comms

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/slots"
)

func TestFlip(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  error
	}{
		{in: "ro+3", want: "ro-3"},
		{in: "rp-12", want: "rp+12"},
		{in: "rd+1", err: errBadWireID},
		{in: "o+1", err: errBadWireID},
		{in: "rx+1", err: errBadWireID},
	}
	for _, test := range tests {
		got, err := flip(test.in)
		require.ErrorIs(t, err, test.err, test.in)
		require.Equal(t, test.want, got, test.in)
	}
}

func TestAllocateSkipsUsedIDs(t *testing.T) {
	require := require.New(t)

	r := newRemote("b")
	r.add("o-1", "ro+1")
	require.Equal("ro+2", r.allocate(slots.Object))
	require.Equal("rp+1", r.allocate(slots.Promise))

	r.forget("o-1")
	require.Empty(r.toWire)
	require.Empty(r.fromWire)
}

func TestFrameEncoding(t *testing.T) {
	require := require.New(t)

	f := &frame{
		Type:   frameDeliver,
		Target: "ro-1",
		Method: "increment",
		Body:   "[1]",
		Result: "rp+1",
	}
	b, err := encodeFrame(f)
	require.NoError(err)
	decoded, err := decodeFrame(b)
	require.NoError(err)
	require.Equal(f, decoded)

	// Canonical encoding is stable.
	again, err := encodeFrame(decoded)
	require.NoError(err)
	require.Equal(b, again)

	bad := []*frame{
		{Type: frameDeliver, Method: "x"},
		{Type: frameResolve},
		{Type: frameResolve, Promise: "rp+1", Resolution: resolvedToPresence},
		{Type: frameResolve, Promise: "rp+1", Resolution: 9},
		{Type: 7},
	}
	for _, f := range bad {
		b, err := encodeFrame(f)
		require.NoError(err)
		_, err = decodeFrame(b)
		require.ErrorIs(err, errBadFrame)
	}
	_, err = decodeFrame([]byte{0xff})
	require.ErrorIs(err, errBadFrame)
}
