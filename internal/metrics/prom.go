package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WorkerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mediaq_worker_events_total", Help: "Worker lifecycle events"},
		[]string{"event"},
	)
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mediaq_task_outcomes_total", Help: "Task manager outcomes"},
		[]string{"task", "outcome"},
	)
	UploadsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mediaq_uploads_rejected_total", Help: "Uploads refused by admission control"},
	)
)

// PoolSource is read by the pool gauges on every scrape.
type PoolSource interface {
	QueueLength() int
	Capacity() int
}

// PoolCollectors returns gauges reporting the pool's queue length and capacity.
func PoolCollectors(src PoolSource) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "mediaq_pool_queue_length", Help: "Queued plus in-flight worker calls"},
			func() float64 { return float64(src.QueueLength()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "mediaq_pool_capacity", Help: "Admission capacity of the worker pool, 0 if unbounded"},
			func() float64 { return float64(src.Capacity()) },
		),
	}
}

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{WorkerEvents, TaskOutcomes, UploadsRejected}
}

// Register registers the static collectors and the pool gauges on reg.
func Register(reg prometheus.Registerer, src PoolSource) error {
	for _, c := range append(Collectors(), PoolCollectors(src)...) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
