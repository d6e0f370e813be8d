package linktoken

import (
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transfersOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subnetlink_linktoken_transfers_outstanding",
			Help: "Current number of unconfirmed transfers in the ledger",
		})
	transfersInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_transfers_initiated_total",
			Help: "Total number of transfers captured and dispatched",
		})
	transfersSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_transfers_settled_total",
			Help: "Total number of transfers settled by an inbound result, by outcome",
		}, []string{"outcome"})
	transfersRefunded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_transfers_refunded_total",
			Help: "Total number of transfers settled with a refund",
		})
	transfersReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_transfers_received_total",
			Help: "Total number of inbound transfers released to a recipient",
		})
	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_auth_failures_total",
			Help: "Total number of inbound envelopes rejected by authentication, by reason",
		}, []string{"reason"})
	forceRemovals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_force_removals_total",
			Help: "Total number of ledger entries removed by the owner without settlement",
		})
	settleConsistencyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subnetlink_linktoken_settle_consistency_errors_total",
			Help: "Total number of results received for identifiers absent from the ledger",
		})
	stalePendingTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subnetlink_linktoken_stale_pending_transfers",
			Help: "Number of unconfirmed transfers older than the audit threshold",
		})
)
