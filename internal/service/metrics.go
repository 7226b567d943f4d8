package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlehub_notifications_total",
		Help: "Settlement notifications processed, labeled by outcome",
	}, []string{"network", "kind", "outcome"})

	paymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlehub_payments_confirmed_total",
		Help: "Payments promoted to confirmed",
	}, []string{"network"})

	ledgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlehub_ledger_postings_total",
		Help: "Ledger entries written",
	}, []string{"kind"})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlehub_transfers_total",
		Help: "Transfers reaching a status",
	}, []string{"network", "status"})

	transferExecution = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlehub_transfer_execution_seconds",
		Help:    "Latency of external executor calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	}, []string{"network"})
)
