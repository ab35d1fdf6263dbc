// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-labs/avalanchego/utils/wrappers"
)

type metrics struct {
	cranks            prometheus.Counter
	vatFaults         prometheus.Counter
	objectsCollected  prometheus.Counter
	promisesCollected prometheus.Counter
	deliveries        *prometheus.CounterVec
	syscalls          *prometheus.CounterVec
	runQueueLength    prometheus.Gauge
	crankDuration     prometheus.Histogram
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		cranks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cranks",
			Help:      "Number of cranks committed",
		}),
		vatFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vat_faults",
			Help:      "Number of deliveries aborted by a vat fault",
		}),
		objectsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_collected",
			Help:      "Number of kernel objects garbage collected",
		}),
		promisesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promises_collected",
			Help:      "Number of kernel promises garbage collected",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries",
			Help:      "Number of deliveries by type",
		}, []string{"type"}),
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syscalls",
			Help:      "Number of syscalls by type",
		}, []string{"type"}),
		runQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_queue_length",
			Help:      "Number of entries waiting in the run queue",
		}),
		crankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crank_duration_seconds",
			Help:      "Time spent processing one crank",
			Buckets:   prometheus.ExponentialBuckets(.0001, 4, 10),
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.cranks),
		registerer.Register(m.vatFaults),
		registerer.Register(m.objectsCollected),
		registerer.Register(m.promisesCollected),
		registerer.Register(m.deliveries),
		registerer.Register(m.syscalls),
		registerer.Register(m.runQueueLength),
		registerer.Register(m.crankDuration),
	)
	return m, errs.Err
}
