// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vatmanager runs vat code behind the syscall boundary.
//
// Every manager exposes the same contract: Deliver one kernel delivery at a
// time, service the vat's syscalls through the single handler it was
// constructed with, and record the delivery in the vat's transcript so it
// can later be replayed. The strategies differ only in where vat code runs:
// on the caller's goroutine, on a dedicated goroutine, or in a child
// process.
package vatmanager

import (
	"context"
	"errors"
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
)

var (
	ErrTranscriptDivergence = errors.New("transcript divergence")
	ErrUnknownKind          = errors.New("unknown manager kind")
	ErrShutdown             = errors.New("manager is shut down")

	errSyscallOutsideDelivery = errors.New("syscall outside of a delivery")
	errMissingBuilder         = errors.New("missing vat builder")
	errMissingCommand         = errors.New("missing subprocess command")

	_ Manager = &manager{}
)

// Kind selects where vat code runs.
type Kind string

const (
	Local      Kind = "local"
	Worker     Kind = "worker"
	Subprocess Kind = "subprocess"
)

// Translators convert between kernel slots and the vat's own slots. They
// are supplied by the kernel and consult the vat's c-list.
type Translators interface {
	// DeliveryToVat translates a kernel delivery. Failure is a kernel error.
	DeliveryToVat(d vat.Delivery) (vat.Delivery, error)
	// SyscallToKernel translates a vat syscall. Failure is a vat fault.
	SyscallToKernel(s vat.Syscall) (vat.Syscall, error)
	// ResultToVat translates the data of a syscall result.
	ResultToVat(r vat.SyscallResult) (vat.SyscallResult, error)
}

// SyscallRecord is one syscall and the result the vat observed.
type SyscallRecord struct {
	Syscall vat.Syscall       `cbor:"1,keyasint"`
	Result  vat.SyscallResult `cbor:"2,keyasint"`
}

// TranscriptEntry is one delivery in vat-local form and everything the vat
// asked of the kernel while handling it.
type TranscriptEntry struct {
	Delivery vat.Delivery    `cbor:"1,keyasint"`
	Syscalls []SyscallRecord `cbor:"2,keyasint"`
}

// TranscriptStore persists a vat's transcript.
type TranscriptStore interface {
	AppendTranscript(e TranscriptEntry) error
	Transcript() ([]TranscriptEntry, error)
}

// Config binds a manager to one vat.
type Config struct {
	VatID       string
	Translators Translators
	// Syscall receives translated, kernel-form syscalls.
	Syscall    vat.SyscallHandler
	Transcript TranscriptStore
	Log        log.Logger
}

// Options select and parameterize the strategy.
type Options struct {
	Kind    Kind
	Builder vat.Builder
	Params  vat.Params
	// Command is the argv of the worker process for Subprocess managers.
	Command []string
}

// Manager owns one vat's execution context.
type Manager interface {
	// Deliver hands one kernel-form delivery to the vat and returns once
	// the vat has finished with it. An error wrapping vat.ErrFault means the
	// vat misbehaved; any other error is a kernel-side failure.
	Deliver(ctx context.Context, d vat.Delivery) error
	// ReplayTranscript re-feeds every recorded delivery, answering syscalls
	// from the transcript instead of the kernel.
	ReplayTranscript(ctx context.Context) error
	Shutdown() error
}

// runner executes a vat-form delivery, routing the vat's syscalls to [h].
// All calls to [h] happen on the goroutine that called run.
type runner interface {
	run(d vat.Delivery, h vat.SyscallHandler) error
	shutdown() error
}

// New creates a manager of the requested kind.
func New(config Config, opts Options) (Manager, error) {
	if config.Log == nil {
		config.Log = log.New("module", "vatmanager", "vat", config.VatID)
	}

	var (
		r   runner
		err error
	)
	switch opts.Kind {
	case Local, "":
		if opts.Builder == nil {
			return nil, errMissingBuilder
		}
		r, err = newLocalRunner(opts.Builder, opts.Params)
	case Worker:
		if opts.Builder == nil {
			return nil, errMissingBuilder
		}
		r, err = newWorkerRunner(opts.Builder, opts.Params)
	case Subprocess:
		if len(opts.Command) == 0 {
			return nil, errMissingCommand
		}
		r, err = startSubprocess(opts.Command, config.Log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start vat %s: %w", config.VatID, err)
	}
	return &manager{config: config, runner: r}, nil
}

type manager struct {
	config Config
	runner runner
}

func (m *manager) Deliver(ctx context.Context, kd vat.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vd, err := m.config.Translators.DeliveryToVat(kd)
	if err != nil {
		return fmt.Errorf("failed to translate %s for %s: %w", kd.Type, m.config.VatID, err)
	}

	entry := TranscriptEntry{Delivery: vd}
	var fault error
	handler := func(vs vat.Syscall) vat.SyscallResult {
		result := m.doSyscall(vs, &fault)
		entry.Syscalls = append(entry.Syscalls, SyscallRecord{Syscall: vs, Result: result})
		return result
	}

	m.config.Log.Debug("delivering", "type", vd.Type, "target", vd.Target, "method", vd.Message.Method, "promise", vd.Promise)
	if err := m.runner.run(vd, handler); err != nil {
		if errors.Is(err, ErrShutdown) {
			return err
		}
		return fmt.Errorf("%w: %s delivery failed: %v", vat.ErrFault, vd.Type, err)
	}
	if fault != nil {
		return fault
	}
	return m.config.Transcript.AppendTranscript(entry)
}

// doSyscall translates and forwards one syscall, remembering the first
// translation failure as the delivery's fault.
func (m *manager) doSyscall(vs vat.Syscall, fault *error) vat.SyscallResult {
	ks, err := m.config.Translators.SyscallToKernel(vs)
	if err != nil {
		if *fault == nil {
			*fault = err
		}
		m.config.Log.Warn("rejected syscall", "type", vs.Type, "error", err)
		return vat.ErrorResult(err.Error())
	}
	kr := m.config.Syscall(ks)
	vr, err := m.config.Translators.ResultToVat(kr)
	if err != nil {
		if *fault == nil {
			*fault = err
		}
		return vat.ErrorResult(err.Error())
	}
	return vr
}

func (m *manager) ReplayTranscript(ctx context.Context) error {
	entries, err := m.config.Transcript.Transcript()
	if err != nil {
		return err
	}
	m.config.Log.Info("replaying transcript", "deliveries", len(entries))

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			next       int
			divergence error
		)
		recorded := entry.Syscalls
		handler := func(vs vat.Syscall) vat.SyscallResult {
			if divergence != nil {
				return vat.ErrorResult(divergence.Error())
			}
			if next >= len(recorded) {
				divergence = fmt.Errorf("%w: delivery %d made extra syscall %s", ErrTranscriptDivergence, i, vs.Type)
				return vat.ErrorResult(divergence.Error())
			}
			want := recorded[next]
			if !vat.SyscallsEqual(vs, want.Syscall) {
				divergence = fmt.Errorf("%w: delivery %d syscall %d is %s, transcript has %s", ErrTranscriptDivergence, i, next, vs.Type, want.Syscall.Type)
				return vat.ErrorResult(divergence.Error())
			}
			next++
			return want.Result
		}

		err := m.runner.run(entry.Delivery, handler)
		switch {
		case divergence != nil:
			return divergence
		case err != nil:
			return fmt.Errorf("%w: delivery %d failed on replay: %v", ErrTranscriptDivergence, i, err)
		case next != len(recorded):
			return fmt.Errorf("%w: delivery %d made %d of %d syscalls", ErrTranscriptDivergence, i, next, len(recorded))
		}
	}
	return nil
}

func (m *manager) Shutdown() error {
	return m.runner.shutdown()
}
