// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/utils/wrappers"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/devices/mailbox"
	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/swingstore"
)

const (
	rpcPath     = "/rpc"
	metricsPath = "/metrics"

	runInterval = 100 * time.Millisecond
)

// node owns a kernel and everything that drives it. Cranks, RPC calls and
// snapshots all hold [lock].
type node struct {
	lock     sync.Mutex
	config   *nodeConfig
	store    *swingstore.Store
	k        *kernel.Kernel
	registry *prometheus.Registry
	log      log.Logger

	mailboxes map[string]*mailbox.Mailbox
	// savedCrank is the crank number of the last snapshot written.
	savedCrank uint64
}

func newNode(ctx context.Context, config *nodeConfig) (*node, error) {
	n := &node{
		config:    config,
		store:     swingstore.New(memdb.New()),
		registry:  prometheus.NewRegistry(),
		log:       log.New("module", "node"),
		mailboxes: make(map[string]*mailbox.Mailbox),
	}
	if err := n.load(); err != nil {
		return nil, err
	}

	k, err := kernel.New(config.Kernel, n.store.Database(), n.registry)
	if err != nil {
		return nil, err
	}
	for _, vc := range config.Vats {
		opts, err := vc.vatOptions()
		if err != nil {
			return nil, err
		}
		if err := k.AddGenesisVat(vc.Name, opts); err != nil {
			return nil, err
		}
	}
	for _, dc := range config.Devices {
		opts, box, err := dc.deviceOptions()
		if err != nil {
			return nil, err
		}
		if err := k.AddGenesisDevice(dc.Name, opts); err != nil {
			return nil, err
		}
		if box != nil {
			n.mailboxes[dc.Name] = box
		}
	}
	if err := k.Start(ctx); err != nil {
		return nil, err
	}
	n.k = k
	n.savedCrank, err = k.CrankNumber()
	return n, err
}

// load imports the snapshot file, if there is one.
func (n *node) load() error {
	if n.config.StateFile == "" {
		return nil
	}
	f, err := os.Open(n.config.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		n.log.Info("no snapshot found, starting from genesis", "path", n.config.StateFile)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := n.store.Import(f); err != nil {
		return err
	}
	n.log.Info("loaded snapshot", "path", n.config.StateFile)
	return nil
}

// save writes a snapshot if any crank committed since the last one. The
// caller must hold [n.lock].
func (n *node) save() error {
	if n.config.StateFile == "" {
		return nil
	}
	crank, err := n.k.CrankNumber()
	if err != nil || crank == n.savedCrank {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(n.config.StateFile), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := n.store.Export(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), n.config.StateFile); err != nil {
		return err
	}
	n.savedCrank = crank
	n.log.Debug("saved snapshot", "crank", crank)
	return nil
}

// handler serves the kernel, store and mailbox services on rpcPath and the
// metrics registry on metricsPath.
func (n *node) handler() (http.Handler, error) {
	server := rpc.NewServer()
	codec := cjson.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")

	errs := wrappers.Errs{}
	errs.Add(
		server.RegisterService(kernel.NewService(n.k, &n.lock), kernel.ServiceName),
		server.RegisterService(swingstore.NewService(n.store, &n.lock), swingstore.ServiceName),
	)
	for name, box := range n.mailboxes {
		errs.Add(server.RegisterService(mailbox.NewService(box, &n.lock), name))
	}
	if errs.Errored() {
		return nil, errs.Err
	}

	mux := http.NewServeMux()
	mux.Handle(rpcPath, server)
	mux.Handle(metricsPath, promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux, nil
}

// step runs the kernel until it is idle and saves a snapshot.
func (n *node) step(ctx context.Context) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	cranks, err := n.k.Run(ctx)
	if err != nil {
		return err
	}
	if cranks > 0 {
		n.log.Debug("ran cranks", "count", cranks)
	}
	return n.save()
}

// run drives the kernel until [ctx] is done or it panics.
func (n *node) run(ctx context.Context) error {
	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()
	for {
		if err := n.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (n *node) shutdown() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	errs := wrappers.Errs{}
	errs.Add(n.save(), n.k.Shutdown())
	return errs.Err
}
