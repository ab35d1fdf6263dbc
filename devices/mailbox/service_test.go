// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mailbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/avalanchego/api"
	"github.com/ava-labs/avalanchego/utils/formatting"
)

func TestService(t *testing.T) {
	require := require.New(t)

	d, host, _ := newDevice(t)
	s := NewService(host, nil)
	transmit(t, d, "bob", []byte("one"))
	transmit(t, d, "bob", []byte("two"))

	out := OutboundReply{}
	require.NoError(s.Outbound(nil, &PeerArgs{Peer: "bob"}, &out))
	require.Len(out.Messages, 2)
	frame, err := formatting.Decode(out.Encoding, out.Messages[1].Frame)
	require.NoError(err)
	require.Equal([]byte("two"), frame)

	ack := api.SuccessResponse{}
	require.NoError(s.Ack(nil, &AckArgs{Peer: "bob", Seq: out.Messages[0].Seq}, &ack))
	require.True(ack.Success)
	require.NoError(s.Outbound(nil, &PeerArgs{Peer: "bob"}, &out))
	require.Len(out.Messages, 1)
	require.EqualValues(2, out.Messages[0].Seq)

	encoded, err := formatting.EncodeWithChecksum(formatting.Hex, []byte("hi"))
	require.NoError(err)
	delivered := api.SuccessResponse{}
	require.NoError(s.Deliver(nil, &DeliverArgs{Peer: "bob", Seq: 1, Frame: encoded, Encoding: formatting.Hex}, &delivered))
	require.True(delivered.Success)
	inbound, _ := host.take()
	require.Equal([]Message{{Seq: 1, Frame: []byte("hi")}}, inbound["bob"])

	err = s.Deliver(nil, &DeliverArgs{Peer: "bob", Seq: 2, Frame: "zz", Encoding: formatting.Hex}, &api.SuccessResponse{})
	require.Error(err)
}
