// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/avalanchego/database/memdb"

	"github.com/ava-labs/vatkernel/vat"
)

// boxHost is the host side of the box device.
type boxHost struct {
	inbox   []string
	pollErr error
	kernel  *Kernel
}

type box struct {
	sys     vat.DeviceSyscaller
	host    *boxHost
	handler string
}

func newBox(sys vat.DeviceSyscaller, endowments interface{}) (vat.DeviceDispatcher, error) {
	return &box{sys: sys, host: endowments.(*boxHost)}, nil
}

func (b *box) Invoke(_, method string, args vat.CapData) (vat.CapData, error) {
	switch method {
	case "set":
		return vat.MustMarshal(nil), b.sys.SetState([]byte(args.Body))
	case "get":
		state, err := b.sys.GetState()
		return vat.CapData{Body: string(state)}, err
	case "register":
		b.handler = args.Slots[0]
		return vat.MustMarshal(true), nil
	case "reenter":
		_, err := b.host.kernel.Step(context.Background())
		return vat.MustMarshal(nil), err
	case "panic":
		panic("device code panicked")
	default:
		return vat.CapData{}, errors.New("no such method")
	}
}

func (b *box) Poll() (bool, error) {
	if b.handler == "" || len(b.host.inbox) == 0 {
		return false, nil
	}
	if b.host.pollErr != nil {
		return false, b.host.pollErr
	}
	msg := b.host.inbox[0]
	if err := b.sys.SendOnly(b.handler, "inbound", vat.MustMarshal(msg)); err != nil {
		return false, err
	}
	b.host.inbox = b.host.inbox[1:]
	return true, nil
}

// invoker forwards messages to the device it was attached to and collects
// what the device sends to its object o+1.
func invoker(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	var (
		device  string
		inbound = []string{}
	)
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		msg := d.Message
		if d.Target == "o+1" {
			var s string
			if err := vat.Unmarshal(msg.Args, &s); err != nil {
				return err
			}
			inbound = append(inbound, s)
			return nil
		}
		switch msg.Method {
		case "attach":
			device = msg.Args.Slots[0]
			return sys.FulfillToData(msg.Result, vat.MustMarshal(device))
		case "received":
			return sys.FulfillToData(msg.Result, vat.MustMarshal(inbound))
		}
		args := vat.CapData{Body: msg.Args.Body}
		if msg.Method == "register" {
			args = vat.PresenceData("o+1")
		}
		result, err := sys.Invoke(device, msg.Method, args)
		if err != nil {
			return sys.Reject(msg.Result, vat.ErrorData(err.Error()))
		}
		return sys.FulfillToData(msg.Result, result)
	}), nil
}

func startWithBox(t *testing.T, config Config) (*Kernel, *boxHost) {
	host := &boxHost{}
	k, err := New(config, memdb.New(), nil)
	require.NoError(t, err)
	host.kernel = k
	require.NoError(t, k.AddGenesisVat("invoker", local(invoker)))
	require.NoError(t, k.AddGenesisDevice("box", DeviceOptions{Builder: newBox, Endowments: host}))
	require.NoError(t, k.Start(context.Background()))

	root := rootOf(t, k, "box")
	r, err := k.QueueToExport("invoker", vat.RootObject, "attach", vat.PresenceData(root))
	require.NoError(t, err)
	run(t, k)
	status, body := resolution(t, r)
	require.Equal(t, Fulfilled, status)
	require.Equal(t, `"d-1"`, body)
	return k, host
}

func call(t *testing.T, k *Kernel, method string, args vat.CapData) (PromiseStatus, string) {
	r, err := k.QueueToExport("invoker", vat.RootObject, method, args)
	require.NoError(t, err)
	run(t, k)
	return resolution(t, r)
}

func TestDeviceInvoke(t *testing.T) {
	require := require.New(t)

	k, _ := startWithBox(t, testConfig())
	status, body := call(t, k, "set", vat.MustMarshal("hello"))
	require.Equal(Fulfilled, status)
	require.Equal("null", body)

	status, body = call(t, k, "get", noArgs)
	require.Equal(Fulfilled, status)
	require.Equal(`"hello"`, body)

	id, err := k.DeviceID("box")
	require.NoError(err)
	state, err := k.devices[id].GetState()
	require.NoError(err)
	require.Equal(`"hello"`, string(state))

	// State only changes inside a crank.
	require.ErrorIs(k.devices[id].SetState([]byte("x")), errOutsideCrank)
	require.ErrorIs(k.devices[id].SendOnly("o-1", "inbound", noArgs), errOutsideCrank)

	_, err = k.DeviceID("nope")
	require.ErrorIs(err, ErrUnknownDevice)
}

func TestDeviceFailureIsNotAFault(t *testing.T) {
	for _, method := range []string{"missing", "panic"} {
		method := method
		t.Run(method, func(t *testing.T) {
			require := require.New(t)

			k, _ := startWithBox(t, testConfig())
			status, body := call(t, k, method, noArgs)
			require.Equal(Broken, status)
			require.Contains(body, ErrDeviceFailed.Error())

			stats, err := k.Stats()
			require.NoError(err)
			require.Zero(stats.VatFaults)
		})
	}
}

func TestDevicePollSends(t *testing.T) {
	require := require.New(t)

	k, host := startWithBox(t, testConfig())
	status, _ := call(t, k, "register", noArgs)
	require.Equal(Fulfilled, status)

	before, err := k.CrankNumber()
	require.NoError(err)
	host.inbox = []string{"a", "b"}
	// Two deliveries, each preceded by the poll that queued it.
	require.Equal(2, run(t, k))
	require.Empty(host.inbox)
	after, err := k.CrankNumber()
	require.NoError(err)
	require.Equal(before+4, after)

	_, body := call(t, k, "received", noArgs)
	require.Equal(`["a","b"]`, body)

	// An idle device does not count as work.
	polled, err := k.PollDevices(context.Background())
	require.NoError(err)
	require.False(polled)
}

func TestFailedPollIsRetried(t *testing.T) {
	require := require.New(t)

	k, host := startWithBox(t, testConfig())
	status, _ := call(t, k, "register", noArgs)
	require.Equal(Fulfilled, status)

	before, err := k.CrankNumber()
	require.NoError(err)
	host.inbox = []string{"a"}
	host.pollErr = errors.New("link down")
	require.Zero(run(t, k))
	after, err := k.CrankNumber()
	require.NoError(err)
	require.Equal(before, after)
	require.Len(host.inbox, 1)

	host.pollErr = nil
	require.Equal(1, run(t, k))
	_, body := call(t, k, "received", noArgs)
	require.Equal(`["a"]`, body)
}

func TestNestedCrankPanics(t *testing.T) {
	require := require.New(t)

	k, _ := startWithBox(t, testConfig())
	_, err := k.QueueToExport("invoker", vat.RootObject, "reenter", noArgs)
	require.NoError(err)

	_, err = k.Run(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
	require.Contains(err.Error(), errNestedCrank.Error())

	_, err = k.Step(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
}
