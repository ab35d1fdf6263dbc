// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configFileKey = "config-file"
	httpHostKey   = "http-host"
	httpPortKey   = "http-port"
	logLevelKey   = "log-level"
	stateFileKey  = "state-file"
	versionKey    = "version"

	envPrefix = "vatkernel"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("vatkernel", flag.ContinueOnError)

	fs.String(configFileKey, "", "Path to the node config file (YAML or JSON)")
	fs.String(httpHostKey, "127.0.0.1", "Address the JSON-RPC server listens on")
	fs.Uint(httpPortKey, 9650, "Port the JSON-RPC server listens on")
	fs.String(logLevelKey, "info", "Log level: debug, info, warn, error or crit")
	fs.String(stateFileKey, "", "Snapshot file the kernel state is loaded from and saved to. Empty keeps state in memory")
	fs.Bool(versionKey, false, "If true, prints the version and quits")

	return fs
}

// getViper returns the viper environment for the node binary. Flags win
// over VATKERNEL_* environment variables, which win over the config file.
func getViper(args []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("vatkernel", pflag.ContinueOnError)
	fs.AddGoFlagSet(buildFlagSet())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if path := v.GetString(configFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}
