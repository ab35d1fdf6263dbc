// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/rpc/v2"

	"github.com/ava-labs/avalanchego/api"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/ava-labs/vatkernel/vat"
)

// ServiceName is the JSON-RPC service name, so methods are "kernel.step"
// and so on.
const ServiceName = "kernel"

// Service is the JSON-RPC API of a kernel. It shares [lock] with whatever
// else drives the kernel, so calls never overlap a crank.
type Service struct {
	lock sync.Locker
	k    *Kernel
}

// NewService wraps [k]. A nil [lock] gets a private mutex.
func NewService(k *Kernel, lock sync.Locker) *Service {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Service{lock: lock, k: k}
}

// NewHandler returns an HTTP handler serving [s].
func NewHandler(s *Service) (http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	return server, server.RegisterService(s, ServiceName)
}

// QueueArgs name a message to queue. Either Vat and Export, or Target, must
// be set. Slots are kernel slots.
type QueueArgs struct {
	Vat    string   `json:"vat"`
	Export string   `json:"export"`
	Target string   `json:"target"`
	Method string   `json:"method"`
	Body   string   `json:"body"`
	Slots  []string `json:"slots"`
}

// QueueReply holds the result promise of a queued message.
type QueueReply struct {
	Promise string `json:"promise"`
}

// Queue puts a message from the host on the run queue.
func (s *Service) Queue(_ *http.Request, args *QueueArgs, reply *QueueReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	data := vat.CapData{Body: args.Body, Slots: args.Slots}
	var (
		r   *ResultReader
		err error
	)
	if args.Target != "" {
		r, err = s.k.QueueToKref(args.Target, args.Method, data)
	} else {
		r, err = s.k.QueueToExport(args.Vat, args.Export, args.Method, data)
	}
	if err != nil {
		return err
	}
	reply.Promise = r.Promise()
	return nil
}

// StepReply reports whether a crank ran.
type StepReply struct {
	Processed bool `json:"processed"`
}

// Step runs at most one crank.
func (s *Service) Step(r *http.Request, _ *struct{}, reply *StepReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	processed, err := s.k.Step(requestContext(r))
	reply.Processed = processed
	return err
}

// RunReply reports how many cranks ran.
type RunReply struct {
	Cranks cjson.Uint64 `json:"cranks"`
}

// Run cranks until the kernel is idle.
func (s *Service) Run(r *http.Request, _ *struct{}, reply *RunReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	n, err := s.k.Run(requestContext(r))
	reply.Cranks = cjson.Uint64(n)
	return err
}

// PromiseArgs name a kernel promise.
type PromiseArgs struct {
	Promise string `json:"promise"`
}

// PromiseReply describes a promise and, once settled, its resolution.
type PromiseReply struct {
	Status PromiseStatus `json:"status"`
	State  string        `json:"state"`
	Body   string        `json:"body,omitempty"`
	Slots  []string      `json:"slots,omitempty"`
}

// GetPromise reports the state of a promise.
func (s *Service) GetPromise(_ *http.Request, args *PromiseArgs, reply *PromiseReply) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, err := s.k.Promise(args.Promise)
	if err != nil {
		return err
	}
	state, err := p.State()
	if err != nil {
		return err
	}
	reply.State = state.String()
	if reply.Status, err = p.Status(); err != nil {
		return err
	}
	if state == Unresolved {
		return nil
	}
	data, err := p.Resolution()
	if err != nil {
		return err
	}
	reply.Body = data.Body
	reply.Slots = data.Slots
	return nil
}

// Release drops the host's hold on a promise returned by Queue.
func (s *Service) Release(_ *http.Request, args *PromiseArgs, reply *api.SuccessResponse) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	p, err := s.k.Promise(args.Promise)
	if err != nil {
		return err
	}
	if err := p.Release(); err != nil {
		return err
	}
	reply.Success = true
	return nil
}

// GetStats returns the committed statistics.
func (s *Service) GetStats(_ *http.Request, _ *struct{}, reply *Stats) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats, err := s.k.Stats()
	*reply = stats
	return err
}

// Dump returns a snapshot of the kernel tables.
func (s *Service) Dump(_ *http.Request, _ *struct{}, reply *Dump) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	d, err := s.k.Dump()
	if err != nil {
		return err
	}
	*reply = *d
	return nil
}

func requestContext(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}
