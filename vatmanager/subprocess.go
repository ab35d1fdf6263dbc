// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vatmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/fxamacker/cbor/v2"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/vat"
)

var errUnexpectedFrame = errors.New("unexpected frame")

type frameType uint8

const (
	frameDeliver frameType = iota + 1
	frameSyscall
	frameResult
	frameDone
)

// frame is the unit of the worker protocol. The kernel side writes deliver
// and result frames; the worker writes syscall and done frames.
type frame struct {
	Type     frameType          `cbor:"1,keyasint"`
	Delivery *vat.Delivery      `cbor:"2,keyasint,omitempty"`
	Syscall  *vat.Syscall       `cbor:"3,keyasint,omitempty"`
	Result   *vat.SyscallResult `cbor:"4,keyasint,omitempty"`
	Error    string             `cbor:"5,keyasint,omitempty"`
}

// streamRunner speaks the worker protocol over a byte stream.
type streamRunner struct {
	enc    *cbor.Encoder
	dec    *cbor.Decoder
	closer func() error
}

func newStreamRunner(r io.Reader, w io.Writer, closer func() error) *streamRunner {
	return &streamRunner{
		enc:    vat.EncMode().NewEncoder(w),
		dec:    cbor.NewDecoder(r),
		closer: closer,
	}
}

// NewStream creates a manager whose vat is served by ServeWorker on the
// other end of [r] and [w].
func NewStream(config Config, r io.Reader, w io.Writer, closer func() error) Manager {
	if config.Log == nil {
		config.Log = log.New("module", "vatmanager", "vat", config.VatID)
	}
	return &manager{config: config, runner: newStreamRunner(r, w, closer)}
}

func (r *streamRunner) run(d vat.Delivery, h vat.SyscallHandler) error {
	if err := r.enc.Encode(frame{Type: frameDeliver, Delivery: &d}); err != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	for {
		var f frame
		if err := r.dec.Decode(&f); err != nil {
			return fmt.Errorf("%w: %v", ErrShutdown, err)
		}
		switch {
		case f.Type == frameSyscall && f.Syscall != nil:
			result := h(*f.Syscall)
			if err := r.enc.Encode(frame{Type: frameResult, Result: &result}); err != nil {
				return fmt.Errorf("%w: %v", ErrShutdown, err)
			}
		case f.Type == frameDone:
			if f.Error != "" {
				return errors.New(f.Error)
			}
			return nil
		default:
			return fmt.Errorf("%w: %d", errUnexpectedFrame, f.Type)
		}
	}
}

func (r *streamRunner) shutdown() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func startSubprocess(command []string, logger log.Logger) (*streamRunner, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Info("started vat worker", "pid", cmd.Process.Pid, "command", command[0])

	closer := func() error {
		if err := stdin.Close(); err != nil {
			return err
		}
		return cmd.Wait()
	}
	return newStreamRunner(stdout, stdin, closer), nil
}

// ServeWorker runs vat code on the worker side of the protocol until [r]
// reaches EOF.
func ServeWorker(r io.Reader, w io.Writer, b vat.Builder, params vat.Params) error {
	var (
		enc        = vat.EncMode().NewEncoder(w)
		dec        = cbor.NewDecoder(r)
		delivering bool
	)
	sys := vat.NewSyscaller(func(s vat.Syscall) vat.SyscallResult {
		if !delivering {
			return vat.ErrorResult(errSyscallOutsideDelivery.Error())
		}
		if err := enc.Encode(frame{Type: frameSyscall, Syscall: &s}); err != nil {
			return vat.ErrorResult(err.Error())
		}
		var f frame
		if err := dec.Decode(&f); err != nil {
			return vat.ErrorResult(err.Error())
		}
		if f.Type != frameResult || f.Result == nil {
			return vat.ErrorResult(errUnexpectedFrame.Error())
		}
		return *f.Result
	})

	d, err := b(sys, params)
	if err != nil {
		return err
	}
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Type != frameDeliver || f.Delivery == nil {
			return fmt.Errorf("%w: %d", errUnexpectedFrame, f.Type)
		}

		delivering = true
		err := deliverSafely(d, *f.Delivery)
		delivering = false

		done := frame{Type: frameDone}
		if err != nil {
			done.Error = err.Error()
		}
		if err := enc.Encode(done); err != nil {
			return err
		}
	}
}
