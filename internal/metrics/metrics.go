package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LinksIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3wire",
		Name:      "links_issued_total",
		Help:      "Total links issued, by kind.",
	}, []string{"kind"})
	IssuanceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3wire",
		Name:      "issuance_failures_total",
		Help:      "Total failed issuance attempts, by stage.",
	}, []string{"stage"})
	AllocationCollisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s3wire",
		Name:      "allocation_collisions_total",
		Help:      "Total identifier collisions detected at publish time.",
	})
)

var initOnce sync.Once

// Init registers collectors; safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(LinksIssued, IssuanceFailures, AllocationCollisions)
	})
}
