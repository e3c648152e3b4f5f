// Package metrics holds the counters and gauges of one engine on a private registry.
package metrics

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "kvcore"

type Metrics struct {
	registry *prometheus.Registry

	TxBegun       prometheus.Counter
	TxCommitted   prometheus.Counter
	TxAborted     prometheus.Counter
	TxActive      prometheus.Gauge
	LockFailures  prometheus.Counter
	PagesAlloc    prometheus.Counter
	PagesFreed    prometheus.Counter
	WALBytes      prometheus.Counter
	PersistErrors prometheus.Counter
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func New() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		TxBegun:      newCounter("tx", "begun_total", "Transactions begun."),
		TxCommitted:  newCounter("tx", "committed_total", "Transactions committed."),
		TxAborted:    newCounter("tx", "aborted_total", "Transactions aborted."),
		LockFailures: newCounter("lock", "failures_total", "Row lock requests which failed."),
		PagesAlloc:   newCounter("space", "pages_allocated_total", "Pages allocated."),
		PagesFreed:   newCounter("space", "pages_freed_total", "Pages freed."),
		WALBytes:     newCounter("wal", "bytes_total", "Bytes appended to the log."),
		PersistErrors: newCounter("persist", "errors_total",
			"Batches which failed to reach the KV."),
		TxActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "active",
			Help:      "Transactions begun but not yet ended.",
		}),
	}

	m.registry.MustRegister(m.TxBegun, m.TxCommitted, m.TxAborted, m.TxActive,
		m.LockFailures, m.PagesAlloc, m.PagesFreed, m.WALBytes, m.PersistErrors)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Begin() {
	m.TxBegun.Inc()
	m.TxActive.Inc()
}

func (m *Metrics) Commit() {
	m.TxCommitted.Inc()
	m.TxActive.Dec()
}

func (m *Metrics) Abort() {
	m.TxAborted.Inc()
	m.TxActive.Dec()
}

type Sample struct {
	Name  string
	Value float64
}

// Samples gathers the current value of every metric, sorted by name.
func (m *Metrics) Samples() ([]Sample, error) {
	mfs, err := m.registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "metrics: gather")
	}

	var samples []Sample
	for _, mf := range mfs {
		for _, mt := range mf.GetMetric() {
			samples = append(samples, Sample{Name: mf.GetName(), Value: value(mt)})
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}

func value(mt *dto.Metric) float64 {
	if c := mt.GetCounter(); c != nil {
		return c.GetValue()
	} else if g := mt.GetGauge(); g != nil {
		return g.GetValue()
	}
	return 0
}
