// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vatmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/vatkernel/vat"
)

var errNotInCList = fmt.Errorf("%w: not in c-list", vat.ErrFault)

// identityTranslators passes slots through unchanged, except that vat slots
// starting with "o-9" are treated as unknown imports.
type identityTranslators struct{}

func (identityTranslators) DeliveryToVat(d vat.Delivery) (vat.Delivery, error) { return d, nil }

func (identityTranslators) SyscallToKernel(s vat.Syscall) (vat.Syscall, error) {
	if strings.HasPrefix(s.Target, "o-9") {
		return vat.Syscall{}, fmt.Errorf("%w: %s", errNotInCList, s.Target)
	}
	return s, nil
}

func (identityTranslators) ResultToVat(r vat.SyscallResult) (vat.SyscallResult, error) { return r, nil }

type memTranscript struct {
	entries []TranscriptEntry
}

func (t *memTranscript) AppendTranscript(e TranscriptEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTranscript) Transcript() ([]TranscriptEntry, error) { return t.entries, nil }

// forwarder sends every message it receives on to the target named in the
// body and resolves the result with the counter value it got back from a
// device.
func forwarder(sys vat.Syscaller, params vat.Params) (vat.Dispatcher, error) {
	var alloc vat.Allocator
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		switch d.Message.Method {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("refused")
		}
		var next string
		if err := vat.Unmarshal(d.Message.Args, &next); err != nil {
			return err
		}
		if err := sys.Send(next, vat.Message{Method: "relay", Args: vat.MustMarshal([]string{}), Result: alloc.Promise()}); err != nil && next != "o-99" {
			return err
		}
		count, err := sys.Invoke("d-1", "count", vat.MustMarshal([]string{}))
		if err != nil {
			return err
		}
		if d.Message.Result != "" {
			return sys.FulfillToData(d.Message.Result, count)
		}
		return nil
	}), nil
}

type fakeKernel struct {
	calls   []vat.Syscall
	counter int
}

func (k *fakeKernel) handle(s vat.Syscall) vat.SyscallResult {
	k.calls = append(k.calls, s)
	if s.Type == vat.SysInvoke {
		k.counter++
		data := vat.MustMarshal(k.counter)
		return vat.OK(&data)
	}
	return vat.OK(nil)
}

func newTestManager(t *testing.T, kind Kind) (Manager, *fakeKernel, *memTranscript) {
	k := &fakeKernel{}
	transcript := &memTranscript{}
	config := Config{
		VatID:       "v1",
		Translators: identityTranslators{},
		Syscall:     k.handle,
		Transcript:  transcript,
	}

	if kind == Subprocess {
		// Serve the worker side over in-memory pipes instead of a child
		// process.
		toWorker, fromKernel := io.Pipe()
		toKernel, fromWorker := io.Pipe()
		go func() {
			_ = ServeWorker(toWorker, fromWorker, forwarder, nil)
			fromWorker.Close()
		}()
		m := NewStream(config, toKernel, fromKernel, fromKernel.Close)
		t.Cleanup(func() { _ = m.Shutdown() })
		return m, k, transcript
	}

	m, err := New(config, Options{Kind: kind, Builder: forwarder})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, k, transcript
}

func messageTo(next, result string) vat.Delivery {
	return vat.NewMessageDelivery("o+0", vat.Message{
		Method: "go",
		Args:   vat.MustMarshal(next),
		Result: result,
	})
}

func TestDeliverAllKinds(t *testing.T) {
	for _, kind := range []Kind{Local, Worker, Subprocess} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			m, k, transcript := newTestManager(t, kind)
			require.NoError(m.Deliver(ctx, messageTo("o-1", "p-1")))
			require.NoError(m.Deliver(ctx, messageTo("o-2", "p-2")))

			require.Len(k.calls, 6)
			require.Equal(vat.SysSend, k.calls[0].Type)
			require.Equal("o-1", k.calls[0].Target)
			require.Equal(vat.SysInvoke, k.calls[1].Type)
			require.Equal(vat.SysFulfillToData, k.calls[2].Type)
			require.Equal("2", k.calls[5].Data.Body)

			require.Len(transcript.entries, 2)
			require.Len(transcript.entries[0].Syscalls, 3)
			require.Equal("p+1", transcript.entries[0].Syscalls[0].Syscall.Message.Result)
		})
	}
}

func TestDeliverFaults(t *testing.T) {
	for _, kind := range []Kind{Local, Worker, Subprocess} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			m, _, transcript := newTestManager(t, kind)

			err := m.Deliver(ctx, vat.NewMessageDelivery("o+0", vat.Message{Method: "panic", Args: vat.MustMarshal(0)}))
			require.ErrorIs(err, vat.ErrFault)

			err = m.Deliver(ctx, vat.NewMessageDelivery("o+0", vat.Message{Method: "fail", Args: vat.MustMarshal(0)}))
			require.ErrorIs(err, vat.ErrFault)

			// The vat ignores the failed send, but naming a slot outside
			// its c-list still faults the delivery.
			err = m.Deliver(ctx, messageTo("o-99", ""))
			require.ErrorIs(err, vat.ErrFault)
			require.ErrorIs(err, errNotInCList)

			require.Empty(transcript.entries)
		})
	}
}

func TestReplayTranscript(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	m, k, transcript := newTestManager(t, Local)
	require.NoError(m.Deliver(ctx, messageTo("o-1", "p-1")))
	require.NoError(m.Deliver(ctx, messageTo("o-2", "p-2")))

	// A fresh vat replayed from the transcript reaches the same state
	// without touching the kernel.
	fresh := &fakeKernel{}
	replayed, err := New(Config{
		VatID:       "v1",
		Translators: identityTranslators{},
		Syscall:     fresh.handle,
		Transcript:  transcript,
	}, Options{Kind: Worker, Builder: forwarder})
	require.NoError(err)
	defer replayed.Shutdown()

	require.NoError(replayed.ReplayTranscript(ctx))
	require.Empty(fresh.calls)

	// Deliveries after replay continue from the replayed state: the next
	// result promise the vat allocates is p+3.
	require.NoError(replayed.Deliver(ctx, messageTo("o-3", "p-3")))
	require.Equal("p+3", fresh.calls[0].Message.Result)
	require.Len(k.calls, 6)
}

func TestReplayDetectsDivergence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	_, _, transcript := newTestManager(t, Local)
	transcript.entries = []TranscriptEntry{{
		Delivery: messageTo("o-1", ""),
		Syscalls: []SyscallRecord{{
			Syscall: vat.Syscall{Type: vat.SysSend, Target: "o-7"},
			Result:  vat.OK(nil),
		}},
	}}

	m, err := New(Config{
		VatID:       "v1",
		Translators: identityTranslators{},
		Syscall:     (&fakeKernel{}).handle,
		Transcript:  transcript,
	}, Options{Kind: Local, Builder: forwarder})
	require.NoError(err)
	require.ErrorIs(m.ReplayTranscript(ctx), ErrTranscriptDivergence)
}

func TestNewRejectsBadOptions(t *testing.T) {
	require := require.New(t)

	config := Config{VatID: "v1", Translators: identityTranslators{}, Transcript: &memTranscript{}}
	_, err := New(config, Options{Kind: "thread"})
	require.ErrorIs(err, ErrUnknownKind)
	_, err = New(config, Options{Kind: Local})
	require.ErrorIs(err, errMissingBuilder)
	_, err = New(config, Options{Kind: Subprocess})
	require.ErrorIs(err, errMissingCommand)
}

func TestSyscallOutsideDelivery(t *testing.T) {
	require := require.New(t)

	var sys vat.Syscaller
	_, err := New(Config{VatID: "v1"}, Options{Kind: Local, Builder: func(s vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
		sys = s
		return vat.DispatcherFunc(func(vat.Delivery) error { return nil }), nil
	}})
	require.NoError(err)
	require.ErrorIs(sys.Subscribe("p-1"), vat.ErrSyscallFailed)
}

func TestWorkerSyscallsFromVatGoroutines(t *testing.T) {
	require := require.New(t)

	k := &fakeKernel{}
	var sys vat.Syscaller
	m, err := New(Config{
		VatID:       "v1",
		Translators: identityTranslators{},
		Syscall:     k.handle,
		Transcript:  &memTranscript{},
	}, Options{Kind: Worker, Builder: func(s vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
		sys = s
		return vat.DispatcherFunc(func(vat.Delivery) error {
			errs := make(chan error, 1)
			go func() { errs <- s.Subscribe("p-1") }()
			return <-errs
		}), nil
	}})
	require.NoError(err)

	d := vat.NewMessageDelivery(vat.RootObject, vat.Message{Method: "spawn", Args: vat.MustMarshal([]string{})})
	require.NoError(m.Deliver(context.Background(), d))
	require.Len(k.calls, 1)
	require.Equal(vat.SysSubscribe, k.calls[0].Type)

	// A goroutine left behind by the vat cannot reach the kernel later.
	require.ErrorIs(sys.Subscribe("p-1"), vat.ErrSyscallFailed)
	require.Len(k.calls, 1)
	require.NoError(m.Shutdown())
}
