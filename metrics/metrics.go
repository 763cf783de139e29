// Package metrics holds the Prometheus collectors updated by the cycle.
//
//   quadbot_cycles_total{step,result}        night/morning runs by outcome
//   quadbot_orders_total{kind,side,result}   orders by action kind and outcome
//   quadbot_rejections_total{reason}         pending entries rejected at confirmation
//   quadbot_exits_total{reason}              position exits by reason
//   quadbot_open_positions                   tracked positions after the last cycle
//   quadbot_unprotected_positions            tracked positions without a working stop
//   quadbot_target_leverage                  Σ selected regime multipliers
//   quadbot_regime_momentum{regime}          last regime scores
//   quadbot_equity_usd                       account equity seen by the last morning
//   quadbot_last_cycle_timestamp{step}       unix time of the last completed cycle
//
// Registered in init() and served at /metrics by the status API.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quadbot_cycles_total",
			Help: "Cycles run by step and result",
		},
		[]string{"step", "result"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quadbot_orders_total",
			Help: "Orders submitted by action kind, side and result",
		},
		[]string{"kind", "side", "result"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quadbot_rejections_total",
			Help: "Pending entries rejected at confirmation",
		},
		[]string{"reason"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quadbot_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quadbot_open_positions",
			Help: "Tracked open positions",
		},
	)

	// Non-zero means at least one position has no working stop order.
	UnprotectedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quadbot_unprotected_positions",
			Help: "Tracked positions without a working stop",
		},
	)

	TargetLeverage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quadbot_target_leverage",
			Help: "Sum of selected regime multipliers",
		},
	)

	RegimeMomentum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quadbot_regime_momentum",
			Help: "Regime momentum score from the last night cycle",
		},
		[]string{"regime"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quadbot_equity_usd",
			Help: "Account equity seen by the last morning cycle",
		},
	)

	LastCycle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quadbot_last_cycle_timestamp",
			Help: "Unix time of the last completed cycle",
		},
		[]string{"step"},
	)
)

func init() {
	prometheus.MustRegister(
		Cycles,
		Orders,
		Rejections,
		Exits,
		OpenPositions,
		UnprotectedPositions,
		TargetLeverage,
		RegimeMomentum,
		Equity,
		LastCycle,
	)
}
