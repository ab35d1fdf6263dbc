// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"errors"
	"fmt"

	"github.com/ava-labs/vatkernel/vatmanager"
)

const (
	defaultObjectCacheSize  = 2048
	defaultMetricsNamespace = "vatkernel"
)

var (
	errBadFaultPolicy = errors.New("unknown fault policy")
	errBadCacheSize   = errors.New("object cache size must be positive")
)

// FaultPolicy decides what happens when a vat faults during a delivery.
type FaultPolicy string

const (
	// FaultIgnore rejects the delivery's result and carries on quietly.
	FaultIgnore FaultPolicy = "ignore"
	// FaultLog is FaultIgnore with a warning in the log.
	FaultLog FaultPolicy = "log"
	// FaultPanic treats any vat fault as a kernel panic.
	FaultPanic FaultPolicy = "panic"
)

// Config parameterizes a kernel.
type Config struct {
	// BootstrapVat names the vat whose root object receives bootstrap at
	// genesis. Empty disables the bootstrap message.
	BootstrapVat string `json:"bootstrapVat" mapstructure:"bootstrap-vat"`
	// FaultPolicy defaults to FaultLog.
	FaultPolicy FaultPolicy `json:"faultPolicy" mapstructure:"fault-policy"`
	// ManagerKind is used for vats whose options leave it empty.
	ManagerKind vatmanager.Kind `json:"managerKind" mapstructure:"manager-kind"`

	ObjectCacheSize  int    `json:"objectCacheSize" mapstructure:"object-cache-size"`
	MetricsNamespace string `json:"metricsNamespace" mapstructure:"metrics-namespace"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		BootstrapVat:     "bootstrap",
		FaultPolicy:      FaultLog,
		ManagerKind:      vatmanager.Local,
		ObjectCacheSize:  defaultObjectCacheSize,
		MetricsNamespace: defaultMetricsNamespace,
	}
}

func (c Config) Validate() error {
	switch c.FaultPolicy {
	case FaultIgnore, FaultLog, FaultPanic:
	default:
		return fmt.Errorf("%w: %q", errBadFaultPolicy, c.FaultPolicy)
	}
	switch c.ManagerKind {
	case vatmanager.Local, vatmanager.Worker, vatmanager.Subprocess:
	default:
		return fmt.Errorf("%w: %q", vatmanager.ErrUnknownKind, c.ManagerKind)
	}
	if c.ObjectCacheSize <= 0 {
		return errBadCacheSize
	}
	return nil
}
