// Package monitoring exposes the prometheus instruments shared by the
// live trading path.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_cycles_total", Help: "Decision cycles started"})
	CyclesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_cycles_failed_total", Help: "Cycles aborted by data or broker errors"})
	CyclesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_cycles_skipped_total", Help: "Cycles skipped by the single-flight guard or time budget"})

	OrdersAttempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_attempted_total", Help: "Orders handed to the broker layer"})
	OrdersFilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_filled_total", Help: "Orders confirmed filled"})
	OrdersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_failed_total", Help: "Orders terminally failed"})
	OrdersSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_suppressed_total", Help: "Orders blocked by the safety layer (duplicate/breaker)"})

	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_breaker_state", Help: "0=closed, 1=half_open, 2=open"})
	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_equity", Help: "Mark-to-market portfolio equity"})
	ShockMultiplier = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_shock_multiplier", Help: "Current adaptive risk multiplier"})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal, CyclesFailed, CyclesSkipped,
		OrdersAttempted, OrdersFilled, OrdersFailed, OrdersSuppressed,
		BreakerState, Equity, ShockMultiplier,
	)
	BreakerState.Set(0)
}

// Serve exposes /metrics on addr; it blocks, callers run it in a
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
