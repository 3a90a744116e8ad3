package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	checkInTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bya_worker_checkin_total",
		Help: "Total number of check-in requests sent to the server.",
	})
	checkInErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bya_worker_checkin_errors_total",
		Help: "Total number of check-in requests that failed.",
	})
)

func init() {
	prometheus.MustRegister(checkInTotal, checkInErrorsTotal)
}
