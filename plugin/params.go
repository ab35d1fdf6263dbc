// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	builderKey  = "builder"
	paramsKey   = "params"
	logLevelKey = "log-level"
	versionKey  = "version"
)

func buildFlagSet() *pflag.FlagSet {
	gfs := flag.NewFlagSet("vatkernel-worker", flag.ContinueOnError)
	gfs.String(builderKey, "", "Registered vat builder to run")
	gfs.String(logLevelKey, "info", "Log level; logs go to stderr")
	gfs.Bool(versionKey, false, "If true, prints the version and quits")

	fs := pflag.NewFlagSet("vatkernel-worker", pflag.ContinueOnError)
	fs.AddGoFlagSet(gfs)
	fs.StringToString(paramsKey, nil, "Vat parameters as key=value pairs")
	return fs
}

// getViper returns the viper environment for the worker binary
func getViper(args []string) (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	return v, nil
}
