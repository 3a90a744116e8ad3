package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bya-build/bya/internal/queue"
)

// dispatchTotal counts every run handed out through a check-in,
// per SPEC_FULL.md's domain-stack entry for prometheus/client_golang.
var dispatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "bya_server_dispatch_total",
	Help: "Total number of runs dispatched to a checking-in worker.",
})

func init() {
	prometheus.MustRegister(dispatchTotal)
}

// RegisterQueueDepthGauge exposes the current number of runs waiting
// in q as a gauge, sampled at scrape time rather than tracked
// incrementally, since the queue's own directory listing is already
// the source of truth.
func RegisterQueueDepthGauge(q *queue.Queue) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bya_server_queue_depth",
			Help: "Number of runs currently waiting in the dispatch queue.",
		},
		func() float64 {
			runs, err := q.ListQueued()
			if err != nil {
				return 0
			}
			return float64(len(runs))
		},
	))
}
