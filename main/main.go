// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/ava-labs/avalanchego/version"
)

const Name = "vatkernel"

var Version = version.NewDefaultVersion(0, 1, 0)

func main() {
	v, err := getViper(os.Args[1:])
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print version and exit
	if v.GetBool(versionKey) {
		fmt.Printf("%s@%s\n", Name, Version)
		os.Exit(0)
	}

	config, err := loadConfig(v)
	if err != nil {
		fmt.Printf("couldn't load config: %s\n", err)
		os.Exit(1)
	}
	lvl, err := log.LvlFromString(config.LogLevel)
	if err != nil {
		fmt.Printf("couldn't parse log level: %s\n", err)
		os.Exit(1)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, config); err != nil {
		log.Error("node stopped", "err", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, config *nodeConfig) error {
	n, err := newNode(ctx, config)
	if err != nil {
		return err
	}
	handler, err := n.handler()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(config.HTTPHost, strconv.FormatUint(uint64(config.HTTPPort), 10))
	server := &http.Server{Addr: addr, Handler: handler}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverErr := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", addr, "rpc", rpcPath, "metrics", metricsPath)
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		serverErr <- err
		cancel()
	}()

	errs := wrappers.Errs{}
	errs.Add(n.run(ctx))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", "err", err)
	}
	errs.Add(<-serverErr, n.shutdown())
	return errs.Err
}
