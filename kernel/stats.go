// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

// Stats are the kernel's persistent counters. They are committed with each
// crank, so they survive restarts and never count aborted work.
type Stats struct {
	CrankNumber       uint64 `serialize:"true" json:"crankNumber"`
	Deliveries        uint64 `serialize:"true" json:"deliveries"`
	Notifies          uint64 `serialize:"true" json:"notifies"`
	Syscalls          uint64 `serialize:"true" json:"syscalls"`
	VatFaults         uint64 `serialize:"true" json:"vatFaults"`
	ObjectsCreated    uint64 `serialize:"true" json:"objectsCreated"`
	PromisesCreated   uint64 `serialize:"true" json:"promisesCreated"`
	ObjectsCollected  uint64 `serialize:"true" json:"objectsCollected"`
	PromisesCollected uint64 `serialize:"true" json:"promisesCollected"`
	RunQueueLength    uint64 `serialize:"true" json:"runQueueLength"`
	MaxRunQueueLength uint64 `serialize:"true" json:"maxRunQueueLength"`
}
