// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/ava-labs/avalanchego/utils/wrappers"

	"github.com/ava-labs/vatkernel/devices/mailbox"
	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/vat"
	"github.com/ava-labs/vatkernel/vatmanager"
	"github.com/ava-labs/vatkernel/vats"

	// Registers the comms vat builder.
	_ "github.com/ava-labs/vatkernel/comms"
)

var (
	errUnknownBuilder    = errors.New("unknown vat builder")
	errUnknownDeviceKind = errors.New("unknown device kind")
	errMissingName       = errors.New("missing name")
)

// vatConfig describes one genesis vat in the node config file.
type vatConfig struct {
	Name string `mapstructure:"name"`
	// Builder is the registered builder to run. Defaults to Name.
	Builder    string            `mapstructure:"builder"`
	Manager    vatmanager.Kind   `mapstructure:"manager"`
	Pipelining bool              `mapstructure:"pipelining"`
	Params     map[string]string `mapstructure:"params"`
	Command    []string          `mapstructure:"command"`
}

type deviceConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
}

type nodeConfig struct {
	Kernel  kernel.Config
	Vats    []vatConfig
	Devices []deviceConfig

	HTTPHost  string
	HTTPPort  uint
	LogLevel  string
	StateFile string
}

// defaultVats is the genesis used when the config file names no vats.
func defaultVats() []vatConfig {
	return []vatConfig{
		{Name: vats.BootstrapName},
		{Name: vats.CounterName},
		{Name: vats.EchoName},
	}
}

func loadConfig(v *viper.Viper) (*nodeConfig, error) {
	config := &nodeConfig{
		Kernel:    kernel.DefaultConfig(),
		HTTPHost:  v.GetString(httpHostKey),
		HTTPPort:  v.GetUint(httpPortKey),
		LogLevel:  v.GetString(logLevelKey),
		StateFile: v.GetString(stateFileKey),
	}
	errs := wrappers.Errs{}
	errs.Add(
		v.UnmarshalKey("kernel", &config.Kernel),
		v.UnmarshalKey("vats", &config.Vats),
		v.UnmarshalKey("devices", &config.Devices),
	)
	if errs.Errored() {
		return nil, errs.Err
	}
	if len(config.Vats) == 0 {
		config.Vats = defaultVats()
	}
	if err := config.Kernel.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// vatOptions resolves the builder of [c] in the vat registry. Subprocess
// vats run their builder in the worker named by the command line instead.
func (c vatConfig) vatOptions() (kernel.VatOptions, error) {
	if c.Name == "" {
		return kernel.VatOptions{}, fmt.Errorf("vat: %w", errMissingName)
	}
	opts := kernel.VatOptions{
		ManagerKind:      c.Manager,
		EnablePipelining: c.Pipelining,
		Params:           vat.Params(c.Params),
		Command:          c.Command,
	}
	if c.Manager == vatmanager.Subprocess {
		return opts, nil
	}
	name := c.Builder
	if name == "" {
		name = c.Name
	}
	b, ok := vat.Lookup(name)
	if !ok {
		return kernel.VatOptions{}, fmt.Errorf("%w %q for vat %q", errUnknownBuilder, name, c.Name)
	}
	opts.Builder = b
	opts.BuilderName = name
	return opts, nil
}

// deviceOptions builds the options of a device. Mailbox devices also return
// the host side the node serves over RPC.
func (c deviceConfig) deviceOptions() (kernel.DeviceOptions, *mailbox.Mailbox, error) {
	if c.Name == "" {
		return kernel.DeviceOptions{}, nil, fmt.Errorf("device: %w", errMissingName)
	}
	kind := c.Kind
	if kind == "" {
		kind = c.Name
	}
	switch kind {
	case mailbox.Name:
		box := mailbox.NewMailbox()
		return kernel.DeviceOptions{Builder: mailbox.New, Endowments: box}, box, nil
	default:
		return kernel.DeviceOptions{}, nil, fmt.Errorf("%w %q for device %q", errUnknownDeviceKind, kind, c.Name)
	}
}
