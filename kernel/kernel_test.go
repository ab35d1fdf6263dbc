// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/memdb"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
	"github.com/ava-labs/vatkernel/vats"
)

var noArgs = vat.MustMarshal([]int{})

func local(b vat.Builder) VatOptions { return VatOptions{Builder: b} }

func standardVats() []namedVat {
	return []namedVat{
		{name: vats.BootstrapName, options: local(vats.Bootstrap)},
		{name: vats.CounterName, options: local(vats.Counter)},
		{name: vats.EchoName, options: local(vats.Echo)},
	}
}

func testConfig() Config {
	config := DefaultConfig()
	config.BootstrapVat = ""
	return config
}

func startKernel(t *testing.T, db database.Database, config Config, genesis []namedVat, devices ...namedDevice) *Kernel {
	k, err := New(config, db, nil)
	require.NoError(t, err)
	for _, v := range genesis {
		require.NoError(t, k.AddGenesisVat(v.name, v.options))
	}
	for _, d := range devices {
		require.NoError(t, k.AddGenesisDevice(d.name, d.options))
	}
	require.NoError(t, k.Start(context.Background()))
	return k
}

func run(t *testing.T, k *Kernel) int {
	n, err := k.Run(context.Background())
	require.NoError(t, err)
	return n
}

func rootOf(t *testing.T, k *Kernel, name string) string {
	kslot, err := k.Root(name)
	require.NoError(t, err)
	return kslot
}

func resolution(t *testing.T, r *ResultReader) (PromiseStatus, string) {
	status, err := r.Status()
	require.NoError(t, err)
	if status == Pending {
		return status, ""
	}
	data, err := r.Resolution()
	require.NoError(t, err)
	return status, data.Body
}

func TestBootstrap(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), DefaultConfig(), standardVats())
	r, err := k.BootstrapResult()
	require.NoError(err)

	status, _ := resolution(t, r)
	require.Equal(Pending, status)

	require.Equal(1, run(t, k))
	status, body := resolution(t, r)
	require.Equal(Fulfilled, status)
	require.JSONEq(`{"vats":["bootstrap","counter","echo"],"devices":[]}`, body)

	n, err := k.CrankNumber()
	require.NoError(err)
	require.EqualValues(1, n)
}

func TestGenesisNeedsBootstrapVat(t *testing.T) {
	require := require.New(t)

	config := DefaultConfig()
	config.BootstrapVat = "missing"
	k, err := New(config, memdb.New(), nil)
	require.NoError(err)
	require.NoError(k.AddGenesisVat("echo", local(vats.Echo)))
	require.ErrorIs(k.Start(context.Background()), ErrUnknownVat)

	require.ErrorIs(k.AddGenesisVat("echo", local(vats.Echo)), ErrDuplicateName)
}

func TestQueueToExport(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), testConfig(), standardVats())
	r1, err := k.QueueToExport(vats.CounterName, vat.RootObject, "increment", vat.MustMarshal([]int{5}))
	require.NoError(err)

	// A fresh send sits alone on the run queue with its own result promise.
	entries, err := k.state.runQueue()
	require.NoError(err)
	require.Len(entries, 1)
	require.Equal(entrySend, entries[0].Type)
	require.Equal(rootOf(t, k, vats.CounterName), entries[0].Target)
	require.Equal(r1.Promise(), entries[0].Message.Result)
	status, err := r1.Status()
	require.NoError(err)
	require.Equal(Pending, status)

	r2, err := k.QueueToExport(vats.CounterName, vat.RootObject, "read", noArgs)
	require.NoError(err)
	r3, err := k.QueueToExport(vats.CounterName, vat.RootObject, "bogus", noArgs)
	require.NoError(err)
	require.NotEqual(r1.Promise(), r3.Promise())

	require.Equal(3, run(t, k))

	status, body := resolution(t, r1)
	require.Equal(Fulfilled, status)
	require.Equal("5", body)
	_, body = resolution(t, r2)
	require.Equal("5", body)
	status, body = resolution(t, r3)
	require.Equal(Broken, status)
	require.Contains(body, "unknown method")

	_, err = k.QueueToExport("nobody", vat.RootObject, "read", noArgs)
	require.ErrorIs(err, ErrUnknownVat)
	_, err = k.QueueToExport(vats.CounterName, "o+42", "read", noArgs)
	require.ErrorIs(err, ErrUnknownKernelSlot)
	_, err = k.QueueToKref("ko999", "read", noArgs)
	require.ErrorIs(err, ErrUnknownKernelSlot)
}

func TestRelayThroughBootstrap(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), DefaultConfig(), standardVats())
	run(t, k)

	r, err := k.QueueToExport(vats.BootstrapName, vat.RootObject, "call", vat.MustMarshal([]interface{}{"counter", "increment", []int{2}}))
	require.NoError(err)
	// call, increment, notify.
	require.Equal(3, run(t, k))

	status, body := resolution(t, r)
	require.Equal(Fulfilled, status)
	require.Equal("2", body)

	r, err = k.QueueToExport(vats.BootstrapName, vat.RootObject, "call", vat.MustMarshal([]interface{}{"counter", "explode", []int{}}))
	require.NoError(err)
	run(t, k)
	status, body = resolution(t, r)
	require.Equal(Broken, status)
	require.Contains(body, "explode")
}

// maker answers "make" with a promise it only settles on "finish", when it
// fulfills it to its own object o+1.
func maker(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	var (
		pending string
		count   int
	)
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		switch {
		case pending != "" && d.Target == pending:
			return sys.FulfillToData(d.Message.Result, vat.MustMarshal("pipelined"))
		case d.Target == "o+1":
			count++
			return sys.FulfillToData(d.Message.Result, vat.MustMarshal(count))
		case d.Message.Method == "make":
			pending = d.Message.Result
			return nil
		case d.Message.Method == "finish":
			if err := sys.FulfillToPresence(pending, "o+1"); err != nil {
				return err
			}
			pending = ""
			return sys.FulfillToData(d.Message.Result, vat.MustMarshal("done"))
		}
		return nil
	}), nil
}

func TestSendToUnresolvedPromise(t *testing.T) {
	tests := []struct {
		name       string
		pipelining bool
		want       string
	}{
		{name: "queued", want: "1"},
		{name: "pipelined", pipelining: true, want: `"pipelined"`},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			k := startKernel(t, memdb.New(), testConfig(), []namedVat{
				{name: "maker", options: VatOptions{Builder: maker, EnablePipelining: test.pipelining}},
			})
			made, err := k.QueueToExport("maker", vat.RootObject, "make", noArgs)
			require.NoError(err)
			sent, err := k.QueueToKref(made.Promise(), "increment", noArgs)
			require.NoError(err)
			_, err = k.QueueToExport("maker", vat.RootObject, "finish", noArgs)
			require.NoError(err)
			run(t, k)

			status, body := resolution(t, made)
			require.Equal(Fulfilled, status)
			require.Contains(body, "@qclass")

			status, body = resolution(t, sent)
			require.Equal(Fulfilled, status)
			require.Equal(test.want, body)
		})
	}
}

// watcher subscribes to the promise it is given and counts notifications.
func watcher(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	seen := 0
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		switch d.Type {
		case vat.DeliverMessage:
			switch d.Message.Method {
			case "watch":
				if err := sys.Subscribe(d.Message.Args.Slots[0]); err != nil {
					return err
				}
				return sys.FulfillToData(d.Message.Result, vat.MustMarshal(nil))
			case "seen":
				return sys.FulfillToData(d.Message.Result, vat.MustMarshal(seen))
			}
		default:
			seen++
		}
		return nil
	}), nil
}

func promiseArg(t *testing.T, kpid string) vat.CapData {
	e := vat.NewEncoder()
	data, err := e.Encode([]vat.SlotRef{e.Ref(kpid)})
	require.NoError(t, err)
	return data
}

func TestResolveNotifiesBeforeReplay(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	k := startKernel(t, memdb.New(), testConfig(), []namedVat{
		{name: "maker", options: local(maker)},
		{name: "w1", options: local(watcher)},
		{name: "w2", options: local(watcher)},
	})
	made, err := k.QueueToExport("maker", vat.RootObject, "make", noArgs)
	require.NoError(err)
	kpid := made.Promise()
	for _, name := range []string{"w1", "w2"} {
		_, err = k.QueueToExport(name, vat.RootObject, "watch", promiseArg(t, kpid))
		require.NoError(err)
	}
	_, err = k.QueueToKref(kpid, "increment", noArgs)
	require.NoError(err)
	require.Equal(4, run(t, k))

	dump, err := k.Dump()
	require.NoError(err)
	require.Empty(dump.RunQueue, "the send waits on the promise")

	_, err = k.QueueToExport("maker", vat.RootObject, "finish", noArgs)
	require.NoError(err)
	processed, err := k.Step(ctx)
	require.NoError(err)
	require.True(processed)

	w1, err := k.VatID("w1")
	require.NoError(err)
	w2, err := k.VatID("w2")
	require.NoError(err)
	dump, err = k.Dump()
	require.NoError(err)
	require.Equal([]string{
		"notify(" + w1 + ", " + kpid + ")",
		"notify(" + w2 + ", " + kpid + ")",
		"send(" + kpid + ".increment)",
	}, dump.RunQueue)
	require.Equal(3, run(t, k))

	// Subscribing to a settled promise is answered straight away.
	_, err = k.QueueToExport("w1", vat.RootObject, "watch", promiseArg(t, kpid))
	require.NoError(err)
	processed, err = k.Step(ctx)
	require.NoError(err)
	require.True(processed)
	dump, err = k.Dump()
	require.NoError(err)
	require.Equal([]string{"notify(" + w1 + ", " + kpid + ")"}, dump.RunQueue)
	run(t, k)

	seen, err := k.QueueToExport("w1", vat.RootObject, "seen", noArgs)
	require.NoError(err)
	run(t, k)
	_, body := resolution(t, seen)
	require.Equal("2", body)
}

func TestSendToSettledPromise(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), testConfig(), standardVats())
	data, err := k.QueueToExport(vats.EchoName, vat.RootObject, "echo", vat.MustMarshal(42))
	require.NoError(err)
	broken, err := k.QueueToExport(vats.CounterName, vat.RootObject, "bogus", noArgs)
	require.NoError(err)
	run(t, k)

	toData, err := k.QueueToKref(data.Promise(), "anything", noArgs)
	require.NoError(err)
	toBroken, err := k.QueueToKref(broken.Promise(), "anything", noArgs)
	require.NoError(err)
	run(t, k)

	status, body := resolution(t, toData)
	require.Equal(Broken, status)
	require.Contains(body, "data is not callable")

	_, want := resolution(t, broken)
	status, body = resolution(t, toBroken)
	require.Equal(Broken, status)
	require.Equal(want, body)
}

// faulty misbehaves on request.
func faulty(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		switch d.Message.Method {
		case "forge":
			// The increment is legal but must not survive the fault.
			if err := sys.Send(d.Message.Args.Slots[0], vat.Message{Method: "increment", Args: noArgs}); err != nil {
				return err
			}
			return sys.Send("o-77", vat.Message{Method: "x", Args: noArgs})
		case "resolveTwice":
			if err := sys.FulfillToData(d.Message.Result, vat.MustMarshal(1)); err != nil {
				return err
			}
			return sys.FulfillToData(d.Message.Result, vat.MustMarshal(2))
		case "panic":
			panic("vat code panicked")
		}
		return nil
	}), nil
}

func faultyVats() []namedVat {
	return append(standardVats(), namedVat{name: "faulty", options: local(faulty)})
}

func counterArg(t *testing.T, k *Kernel) vat.CapData {
	e := vat.NewEncoder()
	data, err := e.Encode([]vat.SlotRef{e.Ref(rootOf(t, k, vats.CounterName))})
	require.NoError(t, err)
	return data
}

func TestVatFaultsAbortDelivery(t *testing.T) {
	for _, method := range []string{"forge", "resolveTwice", "panic"} {
		method := method
		t.Run(method, func(t *testing.T) {
			require := require.New(t)

			k := startKernel(t, memdb.New(), testConfig(), faultyVats())
			r, err := k.QueueToExport("faulty", vat.RootObject, method, counterArg(t, k))
			require.NoError(err)
			require.Equal(1, run(t, k))

			status, body := resolution(t, r)
			require.Equal(Broken, status)
			require.Contains(body, "vat fault")

			stats, err := k.Stats()
			require.NoError(err)
			require.EqualValues(1, stats.VatFaults)
			require.Zero(stats.RunQueueLength)

			// Nothing the delivery did survived, and the kernel carries on.
			read, err := k.QueueToExport(vats.CounterName, vat.RootObject, "read", noArgs)
			require.NoError(err)
			run(t, k)
			_, body = resolution(t, read)
			require.Equal("0", body)

			dump, err := k.Dump()
			require.NoError(err)
			for _, v := range dump.Vats {
				if v.Name == "faulty" {
					require.EqualValues(1, v.Faults)
				}
			}
		})
	}
}

func TestFaultPolicyPanic(t *testing.T) {
	require := require.New(t)

	config := testConfig()
	config.FaultPolicy = FaultPanic
	k := startKernel(t, memdb.New(), config, faultyVats())
	r, err := k.QueueToExport("faulty", vat.RootObject, "forge", counterArg(t, k))
	require.NoError(err)

	_, err = k.Run(context.Background())
	require.ErrorIs(err, ErrKernelPanic)

	// The panic is sticky and nothing was committed.
	_, err = k.Step(context.Background())
	require.ErrorIs(err, ErrKernelPanic)
	_, err = k.QueueToExport(vats.CounterName, vat.RootObject, "read", noArgs)
	require.ErrorIs(err, ErrKernelPanic)

	n, err := k.CrankNumber()
	require.NoError(err)
	require.Zero(n)
	status, _ := resolution(t, r)
	require.Equal(Pending, status)
}

// exporter fulfills "make" to a fresh object and keeps objects it is given
// until told to drop them.
func exporter(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
	var held []string
	return vat.DispatcherFunc(func(d vat.Delivery) error {
		if d.Type != vat.DeliverMessage {
			return nil
		}
		switch d.Message.Method {
		case "make":
			return sys.FulfillToPresence(d.Message.Result, "o+1")
		case "hold":
			held = append(held, d.Message.Args.Slots...)
		case "drop":
			err := sys.DropImports(held...)
			held = nil
			return err
		}
		return nil
	}), nil
}

func TestGarbageCollection(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), testConfig(), []namedVat{
		{name: "maker", options: local(exporter)},
		{name: "holder", options: local(exporter)},
	})
	made, err := k.QueueToExport("maker", vat.RootObject, "make", noArgs)
	require.NoError(err)
	run(t, k)

	data, err := made.Resolution()
	require.NoError(err)
	require.Len(data.Slots, 1)
	object := data.Slots[0]

	// The maker retired its result, so only the host holds the promise.
	n, err := k.state.refcount(made.Promise())
	require.NoError(err)
	require.EqualValues(1, n)

	_, err = k.QueueToExport("holder", vat.RootObject, "hold", data)
	require.NoError(err)
	run(t, k)

	require.NoError(made.Release())
	exists, err := k.state.exists(made.Promise())
	require.NoError(err)
	require.False(exists)
	exists, err = k.state.exists(object)
	require.NoError(err)
	require.True(exists, "holder still imports the object")

	_, err = k.QueueToExport("holder", vat.RootObject, "drop", noArgs)
	require.NoError(err)
	run(t, k)

	exists, err = k.state.exists(object)
	require.NoError(err)
	require.False(exists)

	makerID, err := k.VatID("maker")
	require.NoError(err)
	_, ok, err := k.state.agent(makerID).lookupAgentSlot(object)
	require.NoError(err)
	require.False(ok, "collection removes the exporter's c-list entry")

	stats, err := k.Stats()
	require.NoError(err)
	require.EqualValues(1, stats.ObjectsCollected)
	require.GreaterOrEqual(stats.PromisesCollected, uint64(1))
}

func TestReleaseOnlyDropsHostHolds(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), DefaultConfig(), standardVats())
	r, err := k.QueueToExport(vats.EchoName, vat.RootObject, "echo", vat.MustMarshal("kept"))
	require.NoError(err)

	// The queued send still holds the result after the host lets go.
	require.NoError(r.Release())
	require.ErrorIs(r.Release(), ErrUnknownKernelSlot)
	exists, err := k.state.exists(r.Promise())
	require.NoError(err)
	require.True(exists)

	// Genesis holds the bootstrap result the same way.
	boot, err := k.BootstrapResult()
	require.NoError(err)
	require.NoError(boot.Release())
	require.ErrorIs(boot.Release(), ErrUnknownKernelSlot)

	require.Equal(2, run(t, k))
	for _, kpid := range []string{r.Promise(), boot.Promise()} {
		exists, err = k.state.exists(kpid)
		require.NoError(err)
		require.False(exists, kpid)
	}

	stats, err := k.Stats()
	require.NoError(err)
	require.EqualValues(2, stats.PromisesCollected)
	_, err = k.Step(context.Background())
	require.NoError(err)

	// A promise the host never held cannot be released.
	stranger, err := k.Promise("kp99")
	require.NoError(err)
	require.ErrorIs(stranger.Release(), ErrUnknownKernelSlot)
}

func TestDropImportsFaults(t *testing.T) {
	require := require.New(t)

	dropper := func(sys vat.Syscaller, _ vat.Params) (vat.Dispatcher, error) {
		return vat.DispatcherFunc(func(d vat.Delivery) error {
			if d.Type == vat.DeliverMessage {
				return sys.DropImports(d.Message.Method)
			}
			return nil
		}), nil
	}
	k := startKernel(t, memdb.New(), testConfig(), []namedVat{{name: "dropper", options: local(dropper)}})
	for _, slot := range []string{"o+0", "o-5", "d-1"} {
		r, err := k.QueueToExport("dropper", vat.RootObject, slot, noArgs)
		require.NoError(err)
		run(t, k)
		status, _ := resolution(t, r)
		require.Equal(Broken, status, slot)
	}
}

func TestRestartReplaysTranscripts(t *testing.T) {
	require := require.New(t)
	db := memdb.New()

	k := startKernel(t, db, DefaultConfig(), standardVats())
	for i := 0; i < 2; i++ {
		_, err := k.QueueToExport(vats.CounterName, vat.RootObject, "increment", noArgs)
		require.NoError(err)
	}
	run(t, k)
	crank, err := k.CrankNumber()
	require.NoError(err)
	hash, err := k.ActivityHash()
	require.NoError(err)
	boot, err := k.BootstrapResult()
	require.NoError(err)
	bootPromise := boot.Promise()
	require.NoError(k.Shutdown())

	k = startKernel(t, db, DefaultConfig(), standardVats())
	restarted, err := k.CrankNumber()
	require.NoError(err)
	require.Equal(crank, restarted)
	restartedHash, err := k.ActivityHash()
	require.NoError(err)
	require.Equal(hash, restartedHash)

	// Genesis does not run again and the counter picks up where it was.
	require.Zero(run(t, k))
	r, err := k.QueueToExport(vats.CounterName, vat.RootObject, "increment", noArgs)
	require.NoError(err)
	run(t, k)
	_, body := resolution(t, r)
	require.Equal("3", body)

	p, err := k.Promise(bootPromise)
	require.NoError(err)
	status, _ := resolution(t, p)
	require.Equal(Fulfilled, status)
}

func TestRestartKeepsQueuedWork(t *testing.T) {
	require := require.New(t)
	db := memdb.New()

	k := startKernel(t, db, testConfig(), standardVats())
	r, err := k.QueueToExport(vats.CounterName, vat.RootObject, "increment", vat.MustMarshal([]int{7}))
	require.NoError(err)
	require.NoError(k.Shutdown())

	k = startKernel(t, db, testConfig(), standardVats())
	require.Equal(1, run(t, k))
	p, err := k.Promise(r.Promise())
	require.NoError(err)
	_, body := resolution(t, p)
	require.Equal("7", body)
}

// script drives the same inputs into a kernel.
func script(t *testing.T, k *Kernel) {
	for _, method := range []string{"increment", "read", "bogus"} {
		_, err := k.QueueToExport(vats.CounterName, vat.RootObject, method, noArgs)
		require.NoError(t, err)
	}
	_, err := k.QueueToExport(vats.BootstrapName, vat.RootObject, "call", vat.MustMarshal([]interface{}{"echo", "echo", []string{"hi"}}))
	require.NoError(t, err)
	run(t, k)
}

func TestDeterminism(t *testing.T) {
	require := require.New(t)

	var hashes []string
	for _, kind := range []vatmanager.Kind{vatmanager.Local, vatmanager.Local, vatmanager.Worker} {
		config := DefaultConfig()
		config.ManagerKind = kind
		k := startKernel(t, memdb.New(), config, standardVats())
		script(t, k)
		hash, err := k.ActivityHash()
		require.NoError(err)
		hashes = append(hashes, hash.String())
		require.NoError(k.Shutdown())
	}
	require.Equal(hashes[0], hashes[1])
	require.Equal(hashes[0], hashes[2])
}

func TestStepBeforeStart(t *testing.T) {
	require := require.New(t)

	k, err := New(testConfig(), memdb.New(), nil)
	require.NoError(err)
	_, err = k.Step(context.Background())
	require.ErrorIs(err, ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k = startKernel(t, memdb.New(), testConfig(), standardVats())
	_, err = k.QueueToExport(vats.CounterName, vat.RootObject, "read", noArgs)
	require.NoError(err)
	_, err = k.Run(ctx)
	require.ErrorIs(err, context.Canceled)

	length, err := k.state.runQueueLength()
	require.NoError(err)
	require.EqualValues(1, length)
}

func TestCreateVat(t *testing.T) {
	require := require.New(t)

	k := startKernel(t, memdb.New(), testConfig(), standardVats())
	id, err := k.CreateVat(context.Background(), "echo2", VatOptions{BuilderName: vats.EchoName})
	require.NoError(err)
	require.Equal("v4", id)
	require.Contains(k.VatNames(), "echo2")

	r, err := k.QueueToExport("echo2", vat.RootObject, "echo", vat.MustMarshal("again"))
	require.NoError(err)
	run(t, k)
	_, body := resolution(t, r)
	require.Equal(`"again"`, body)

	_, err = k.CreateVat(context.Background(), "echo2", VatOptions{BuilderName: vats.EchoName})
	require.ErrorIs(err, ErrDuplicateName)
}

func TestFailedCreateVatCanBeRetried(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	k := startKernel(t, memdb.New(), testConfig(), standardVats())
	_, err := k.CreateVat(ctx, "dyn", local(vats.Echo))
	require.ErrorIs(err, errNotRebuildable)
	_, err = k.CreateVat(ctx, "dyn", VatOptions{BuilderName: "nothing"})
	require.ErrorIs(err, ErrUnknownBuilder)
	_, err = k.CreateVat(ctx, "dyn", VatOptions{BuilderName: vats.CounterName, Params: vat.Params{"start": "x"}})
	require.Error(err)
	require.NotContains(k.VatNames(), "dyn")

	id, err := k.CreateVat(ctx, "dyn", VatOptions{BuilderName: vats.EchoName})
	require.NoError(err)
	require.Equal("v4", id)
	r, err := k.QueueToExport("dyn", vat.RootObject, "echo", vat.MustMarshal("hi"))
	require.NoError(err)
	run(t, k)
	_, body := resolution(t, r)
	require.Equal(`"hi"`, body)
}

func TestRestartRestoresDynamicVats(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := memdb.New()

	k := startKernel(t, db, testConfig(), standardVats())
	_, err := k.CreateVat(ctx, "dyn", VatOptions{BuilderName: vats.CounterName, Params: vat.Params{"start": "5"}})
	require.NoError(err)
	_, err = k.QueueToExport("dyn", vat.RootObject, "increment", noArgs)
	require.NoError(err)
	run(t, k)
	r, err := k.QueueToExport("dyn", vat.RootObject, "increment", noArgs)
	require.NoError(err)
	require.NoError(k.Shutdown())

	// The host only supplies the genesis vats again.
	k = startKernel(t, db, testConfig(), standardVats())
	require.Contains(k.VatNames(), "dyn")
	require.Equal(1, run(t, k))
	p, err := k.Promise(r.Promise())
	require.NoError(err)
	_, body := resolution(t, p)
	require.Equal("7", body)
	require.NoError(k.Shutdown())

	// A genesis vat left out cannot be rebuilt.
	k, err = New(testConfig(), db, nil)
	require.NoError(err)
	require.NoError(k.AddGenesisVat(vats.CounterName, local(vats.Counter)))
	require.ErrorIs(k.Start(ctx), ErrUnknownVat)
}

func TestConfigValidate(t *testing.T) {
	require := require.New(t)

	config := DefaultConfig()
	require.NoError(config.Validate())

	config.FaultPolicy = "shrug"
	require.ErrorIs(config.Validate(), errBadFaultPolicy)

	config = DefaultConfig()
	config.ManagerKind = "thread"
	require.ErrorIs(config.Validate(), vatmanager.ErrUnknownKind)

	config = DefaultConfig()
	config.ObjectCacheSize = 0
	require.ErrorIs(config.Validate(), errBadCacheSize)
}
