// Package metrics defines the prometheus collectors updated on the slow paths
// of the shared primitives. Nothing here is touched on an uncontended lock.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Word labels.
const (
	WordMutex = "mutex"
	WordCond  = "cond"
	WordReady = "ready"
)

var (
	FutexWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmsync",
		Name:      "futex_waits_total",
		Help:      "Number of blocking futex waits issued, by synchronization word.",
	}, []string{"word"})

	FutexWakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmsync",
		Name:      "futex_wakes_total",
		Help:      "Number of futex wake calls issued, by synchronization word.",
	}, []string{"word"})

	WaitTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmsync",
		Name:      "wait_timeouts_total",
		Help:      "Number of bounded waits that expired, by synchronization word.",
	}, []string{"word"})

	SegmentOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmsync",
		Name:      "segment_ops_total",
		Help:      "Number of segment lifecycle operations, by operation.",
	}, []string{"op"})

	Unlinks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmsync",
		Name:      "unlinks_total",
		Help:      "Number of shared memory names removed, by reason.",
	}, []string{"reason"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{FutexWaits, FutexWakes, WaitTimeouts, SegmentOps, Unlinks}
}

// Register adds every collector to reg. Collectors already registered with reg
// are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
