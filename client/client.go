// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/ava-labs/avalanchego/api"
	"github.com/ava-labs/avalanchego/utils/formatting"

	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/swingstore"
)

// Client defines vatkernel node operations.
type Client interface {
	// Queue sends [method] to the export [export] of vat [vatName] and
	// returns the result promise
	Queue(ctx context.Context, vatName, export, method, body string, slots []string) (string, error)

	// QueueToTarget sends [method] to the kernel object or promise [target]
	QueueToTarget(ctx context.Context, target, method, body string, slots []string) (string, error)

	// Step runs at most one crank
	Step(ctx context.Context) (bool, error)

	// Run cranks until the kernel is idle
	Run(ctx context.Context) (uint64, error)

	// GetPromise fetches the state of a promise
	GetPromise(ctx context.Context, promise string) (*kernel.PromiseReply, error)

	// Release drops the hold on a promise returned by Queue
	Release(ctx context.Context, promise string) error

	GetStats(ctx context.Context) (*kernel.Stats, error)
	Dump(ctx context.Context) (*kernel.Dump, error)

	// GetValue fetches a raw value from the node's store
	GetValue(ctx context.Context, key string) ([]byte, error)
}

// New creates a new client object for the node at [uri], which is the
// full URL of its RPC endpoint.
func New(uri string) Client {
	return &client{uri: uri, http: http.DefaultClient}
}

type client struct {
	uri  string
	http *http.Client
}

func (cli *client) sendRequest(ctx context.Context, method string, args, reply interface{}) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cli.uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cli.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: status %d", method, resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

func (cli *client) Queue(ctx context.Context, vatName, export, method, body string, slots []string) (string, error) {
	resp := new(kernel.QueueReply)
	err := cli.sendRequest(ctx,
		"kernel.queue",
		&kernel.QueueArgs{Vat: vatName, Export: export, Method: method, Body: body, Slots: slots},
		resp,
	)
	if err != nil {
		return "", err
	}
	return resp.Promise, nil
}

func (cli *client) QueueToTarget(ctx context.Context, target, method, body string, slots []string) (string, error) {
	resp := new(kernel.QueueReply)
	err := cli.sendRequest(ctx,
		"kernel.queue",
		&kernel.QueueArgs{Target: target, Method: method, Body: body, Slots: slots},
		resp,
	)
	if err != nil {
		return "", err
	}
	return resp.Promise, nil
}

func (cli *client) Step(ctx context.Context) (bool, error) {
	resp := new(kernel.StepReply)
	if err := cli.sendRequest(ctx, "kernel.step", struct{}{}, resp); err != nil {
		return false, err
	}
	return resp.Processed, nil
}

func (cli *client) Run(ctx context.Context) (uint64, error) {
	resp := new(kernel.RunReply)
	if err := cli.sendRequest(ctx, "kernel.run", struct{}{}, resp); err != nil {
		return 0, err
	}
	return uint64(resp.Cranks), nil
}

func (cli *client) GetPromise(ctx context.Context, promise string) (*kernel.PromiseReply, error) {
	resp := new(kernel.PromiseReply)
	err := cli.sendRequest(ctx, "kernel.getPromise", &kernel.PromiseArgs{Promise: promise}, resp)
	return resp, err
}

func (cli *client) Release(ctx context.Context, promise string) error {
	resp := new(api.SuccessResponse)
	if err := cli.sendRequest(ctx, "kernel.release", &kernel.PromiseArgs{Promise: promise}, resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("release of %s was not acknowledged", promise)
	}
	return nil
}

func (cli *client) GetStats(ctx context.Context) (*kernel.Stats, error) {
	resp := new(kernel.Stats)
	err := cli.sendRequest(ctx, "kernel.getStats", struct{}{}, resp)
	return resp, err
}

func (cli *client) Dump(ctx context.Context) (*kernel.Dump, error) {
	resp := new(kernel.Dump)
	err := cli.sendRequest(ctx, "kernel.dump", struct{}{}, resp)
	return resp, err
}

func (cli *client) GetValue(ctx context.Context, key string) ([]byte, error) {
	resp := new(swingstore.GetReply)
	err := cli.sendRequest(ctx,
		"swingstore.get",
		&swingstore.KeyArgs{Key: key, Encoding: formatting.Hex},
		resp,
	)
	if err != nil {
		return nil, err
	}
	return formatting.Decode(formatting.Hex, resp.Value)
}
