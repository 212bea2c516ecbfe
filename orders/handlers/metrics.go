package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_saga_started_total",
		Help: "Order sagas launched through the API.",
	})

	signalsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_signals_delivered_total",
		Help: "Signals accepted by a running saga, by kind.",
	}, []string{"kind"})

	signalsNotApplicable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_signals_not_applicable_total",
		Help: "Signals aimed at orders with no addressable saga, by kind.",
	}, []string{"kind"})
)

// NewMetricsHandler exposes the default prometheus registry.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
