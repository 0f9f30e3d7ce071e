package stream

import (
	"encoding/json"
	"log"
	"sync/atomic"
)

// WorkerSink receives worker roster snapshots
type WorkerSink interface {
	ApplyWorkers(WorkersUpdate)
}

// MetricsSink receives performance metric snapshots
type MetricsSink interface {
	ApplyMetrics(MetricsUpdate)
}

// BatchSink receives batch-scoped progress events keyed by batch id
type BatchSink interface {
	ApplyBatchEvent(BatchEvent)
}

// Demux classifies incoming events and routes each to exactly one sink.
// Malformed payloads are dropped and counted; they never take the stream down.
type Demux struct {
	workers WorkerSink
	metrics MetricsSink
	batches BatchSink
	dropped atomic.Int64
}

// NewDemux creates a demultiplexer. Any sink may be nil; events for a nil
// sink are discarded without counting as drops.
func NewDemux(workers WorkerSink, metrics MetricsSink, batches BatchSink) *Demux {
	return &Demux{workers: workers, metrics: metrics, batches: batches}
}

// HandleEvent routes one raw event. Safe to register directly as a
// Connection handler for every name in EventNames.
func (d *Demux) HandleEvent(ev Event) {
	switch KindOf(ev.Name) {
	case KindWorkersUpdate:
		var update WorkersUpdate
		if err := json.Unmarshal(ev.Data, &update); err != nil {
			d.drop(ev.Name, err)
			return
		}
		if d.workers != nil {
			d.workers.ApplyWorkers(update)
		}

	case KindMetricsUpdate:
		var update MetricsUpdate
		if err := json.Unmarshal(ev.Data, &update); err != nil {
			d.drop(ev.Name, err)
			return
		}
		if d.metrics != nil {
			d.metrics.ApplyMetrics(update)
		}

	case KindFileStart, KindFileComplete, KindFileWarning, KindFileError, KindBatchComplete:
		d.routeBatchEvent(KindOf(ev.Name), ev)

	case KindUnknown:
		if ev.Name == EventBatchProgress {
			// Combined admin-stream event; kind is in the payload
			d.routeBatchEvent(KindUnknown, ev)
			return
		}
		d.drop(ev.Name, nil)
	}
}

func (d *Demux) routeBatchEvent(kind EventKind, ev Event) {
	batchEv, err := decodeBatchEvent(kind, ev.Data)
	if err != nil {
		d.drop(ev.Name, err)
		return
	}
	if batchEv.BatchID == "" {
		d.drop(ev.Name, nil)
		return
	}
	if d.batches != nil {
		d.batches.ApplyBatchEvent(batchEv)
	}
}

func (d *Demux) drop(name string, err error) {
	d.dropped.Add(1)
	if err != nil {
		log.Printf("Dropping malformed %s event: %v", name, err)
	} else {
		log.Printf("Dropping unroutable %s event", name)
	}
}

// Dropped returns how many events were discarded as malformed or unroutable
func (d *Demux) Dropped() int64 {
	return d.dropped.Load()
}
