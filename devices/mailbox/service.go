// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mailbox

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ava-labs/avalanchego/utils/formatting"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/avalanchego/api"
)

// ServiceName is the JSON-RPC service name of Service.
const ServiceName = "mailbox"

// Service lets an outside relay move frames in and out of a node's mailbox.
type Service struct {
	lock sync.Locker
	box  *Mailbox
}

// NewService wraps [box]. [lock] must be the lock that serializes cranks.
func NewService(box *Mailbox, lock sync.Locker) *Service {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Service{lock: lock, box: box}
}

// PeerArgs name a peer
type PeerArgs struct {
	Peer string `json:"peer"`
}

// APIMessage is a Message with its frame encoded
type APIMessage struct {
	Seq   cjson.Uint64 `json:"seq"`
	Frame string       `json:"frame"`
}

// OutboundReply is the reply from Outbound
type OutboundReply struct {
	Messages []APIMessage        `json:"messages"`
	Encoding formatting.Encoding `json:"encoding"`
}

// Outbound returns the frames waiting for [peer], hex encoded
func (s *Service) Outbound(_ *http.Request, args *PeerArgs, reply *OutboundReply) error {
	s.lock.Lock()
	msgs, err := s.box.Outbound(args.Peer)
	s.lock.Unlock()
	if err != nil {
		return err
	}

	reply.Encoding = formatting.Hex
	reply.Messages = make([]APIMessage, 0, len(msgs))
	for _, msg := range msgs {
		frame, err := formatting.EncodeWithChecksum(formatting.Hex, msg.Frame)
		if err != nil {
			return fmt.Errorf("couldn't encode frame %d: %s", msg.Seq, err)
		}
		reply.Messages = append(reply.Messages, APIMessage{Seq: cjson.Uint64(msg.Seq), Frame: frame})
	}
	return nil
}

// AckArgs are arguments for Ack
type AckArgs struct {
	Peer string       `json:"peer"`
	Seq  cjson.Uint64 `json:"seq"`
}

// Ack marks the frames for [peer] up to [seq] as delivered
func (s *Service) Ack(_ *http.Request, args *AckArgs, reply *api.SuccessResponse) error {
	s.box.Ack(args.Peer, uint64(args.Seq))
	reply.Success = true
	return nil
}

// DeliverArgs are arguments for Deliver
type DeliverArgs struct {
	Peer     string              `json:"peer"`
	Seq      cjson.Uint64        `json:"seq"`
	Frame    string              `json:"frame"`
	Encoding formatting.Encoding `json:"encoding"`
}

// Deliver hands a frame from [peer] to the mailbox
func (s *Service) Deliver(_ *http.Request, args *DeliverArgs, reply *api.SuccessResponse) error {
	frame, err := formatting.Decode(args.Encoding, args.Frame)
	if err != nil {
		return fmt.Errorf("couldn't decode frame: %s", err)
	}
	s.box.Deliver(args.Peer, uint64(args.Seq), frame)
	reply.Success = true
	return nil
}
