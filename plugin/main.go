// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// The worker binary runs one vat for a kernel that uses the subprocess vat
// manager. It speaks the worker protocol on stdin and stdout, so the kernel
// config names it in a vat's command, e.g.
//
//	command: ["vatkernel-worker", "--builder", "counter", "--params", "start=3"]
package main

import (
	"fmt"
	"os"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"

	// Register the vat builders the worker can run.
	_ "github.com/ava-labs/vatkernel/comms"
	_ "github.com/ava-labs/vatkernel/vats"
)

const (
	Name    = "vatkernel-worker"
	Version = "v0.1.0"
)

func main() {
	v, err := getViper(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print version and exit
	if v.GetBool(versionKey) {
		fmt.Fprintf(os.Stderr, "%s@%s\n", Name, Version)
		os.Exit(0)
	}

	lvl, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't parse log level: %s\n", err)
		os.Exit(1)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	name := v.GetString(builderKey)
	b, ok := vat.Lookup(name)
	if !ok {
		log.Error("unknown vat builder", "builder", name, "registered", vat.Registered())
		os.Exit(1)
	}
	params := vat.Params(v.GetStringMapString(paramsKey))
	log.Info("serving vat", "builder", name)
	if err := vatmanager.ServeWorker(os.Stdin, os.Stdout, b, params); err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
