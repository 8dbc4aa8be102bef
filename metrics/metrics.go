package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upbot_orders_submitted_total",
			Help: "Total number of orders submitted (by side and strategy).",
		},
		[]string{"side", "strategy"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upbot_orders_failed_total",
			Help: "Orders that errored or were aborted before settlement.",
		},
		[]string{"side", "reason"},
	)

	BuyBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upbot_buy_blocked_total",
			Help: "Buy evaluations rejected at a gate (by tag).",
		},
		[]string{"tag"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upbot_positions_open",
			Help: "Current number of open positions.",
		},
	)

	EquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upbot_equity_krw",
			Help: "Current total value (cash + marked positions) in KRW.",
		},
	)

	DailyPnLGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upbot_daily_pnl_pct",
			Help: "Realized daily P&L percentage against the day's start balance.",
		},
	)

	RegimeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upbot_regime",
			Help: "Active market regime (1 for the current one, 0 otherwise).",
		},
		[]string{"regime"},
	)

	ExchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upbot_exchange_calls_total",
			Help: "REST calls to the exchange (by endpoint and outcome).",
		},
		[]string{"endpoint", "outcome"},
	)

	ReconcileDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upbot_reconcile_drift_total",
			Help: "Position adjustments applied during reconciliation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersFailed, BuyBlocked,
		PositionsOpen, EquityGauge, DailyPnLGauge, RegimeGauge,
		ExchangeCalls, ReconcileDrift,
	)
}

// SetRegime flips the regime gauge so exactly one label reads 1.
func SetRegime(current string) {
	for _, r := range []string{"BULL", "BEAR", "RANGE"} {
		v := 0.0
		if r == current {
			v = 1.0
		}
		RegimeGauge.WithLabelValues(r).Set(v)
	}
}
