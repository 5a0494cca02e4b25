// Package metrics holds the Prometheus collectors of the endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultAccepted    = "accepted"
	ResultRejected    = "rejected"
	ResultInterrupted = "interrupted"
	ResultSaved       = "saved"
	ResultError       = "error"
)

var (
	Recipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fakesmtp_recipient_total",
			Help: "Recipient decisions. Result values: accepted, rejected, interrupted.",
		},
		[]string{
			"result",
		},
	)
	HoldSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fakesmtp_hold_seconds",
			Help:    "Time recipients matching a block rule were held before a decision.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fakesmtp_delivery_total",
			Help: "Message deliveries to the mail saver. Result values: saved, error.",
		},
		[]string{
			"result",
		},
	)
	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fakesmtp_notify_errors_total",
			Help: "Failed notifications per notifier.",
		},
		[]string{
			"notifier",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
