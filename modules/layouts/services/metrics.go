package services

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	layoutWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "writes_total",
		Help:      "Total number of layout writes sent to the gateway broken down by operation and result.",
	}, []string{"op", "result"})

	layoutWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "write_duration_seconds",
		Help:      "Latency of layout gateway writes including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	layoutConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Total number of region version conflicts broken down by reason.",
	}, []string{"reason"})

	layoutRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "rollbacks_total",
		Help:      "Total number of optimistic mutations rolled back broken down by operation.",
	}, []string{"op"})

	layoutLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "loads_total",
		Help:      "Total number of layout loads broken down by result.",
	}, []string{"result"})

	layoutRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Total number of retried gateway calls broken down by operation.",
	}, []string{"op"})

	layoutServiceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "layouts",
		Subsystem: "service",
		Name:      "operations_total",
		Help:      "Total number of layout service operations broken down by operation and result.",
	}, []string{"op", "result"})
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrValidationRejected):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNetworkFailure):
		return "network"
	default:
		return "error"
	}
}

func recordWrite(op string, err error) {
	layoutWrites.WithLabelValues(op, resultLabel(err)).Inc()
}

func recordConflict(reason ConflictReason) {
	layoutConflicts.WithLabelValues(string(reason)).Inc()
}

func recordRollback(op string) {
	layoutRollbacks.WithLabelValues(op).Inc()
}

func recordLoad(result string) {
	layoutLoads.WithLabelValues(result).Inc()
}

func recordServiceOp(op string, err error) {
	layoutServiceOps.WithLabelValues(op, resultLabel(err)).Inc()
}
