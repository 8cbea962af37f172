// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK         = "ok"
	OutcomeIgnored    = "ignored"
	OutcomeOutOfStock = "out_of_stock"
	OutcomeNotInCart  = "not_in_cart"
	OutcomeFailed     = "failed"
)

var (
	CartOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopcart",
		Name:      "cart_operations_total",
		Help:      "Cart mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	SnapshotWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopcart",
		Name:      "snapshot_writes_total",
		Help:      "Cart snapshot writes to storage by result.",
	}, []string{"result"})

	CartLines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopcart",
		Name:      "cart_lines",
		Help:      "Number of distinct products in the published cart.",
	})
)

func init() {
	prometheus.MustRegister(CartOperations, SnapshotWrites, CartLines)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
