// Registers:
//
//	#Balanceflow_cycles_total
//	#Balanceflow_orders_total
//	#Balanceflow_gate_blocks_total
//	#Balanceflow_alerts_total
//	#Balanceflow_venue_errors_total
//	#Balanceflow_disbalance_usd
//	#go_* and process_* system metrics
//
// Exposes them on the configured listen address using the Prometheus
// HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once          sync.Once
	cyclesTotal   prometheus.Counter
	ordersTotal   *prometheus.CounterVec
	gateBlocks    prometheus.Counter
	alertsTotal   *prometheus.CounterVec
	venueErrors   *prometheus.CounterVec
	disbalanceUSD *prometheus.GaugeVec
)

// Init registers the counters and serves /metrics on the given listen
// address. An empty address registers the counters without a server, so
// tests and metric-less deployments still count.
func Init(listen string) {
	once.Do(func() {
		cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "Balanceflow_cycles_total",
			Help: "Number of reconciliation cycles completed",
		})

		ordersTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Balanceflow_orders_total",
				Help: "Number of corrective orders submitted",
			},
			[]string{"venue", "asset", "side"},
		)

		gateBlocks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "Balanceflow_gate_blocks_total",
			Help: "Number of cycles blocked by the safety gate",
		})

		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Balanceflow_alerts_total",
				Help: "Number of operator alerts raised",
			},
			[]string{"group"},
		)

		venueErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "Balanceflow_venue_errors_total",
				Help: "Number of failed venue operations",
			},
			[]string{"venue", "operation"},
		)

		disbalanceUSD = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "Balanceflow_disbalance_usd",
				Help: "Last computed net exposure per asset in USD",
			},
			[]string{"asset"},
		)

		_ = prometheus.Register(cyclesTotal)
		_ = prometheus.Register(ordersTotal)
		_ = prometheus.Register(gateBlocks)
		_ = prometheus.Register(alertsTotal)
		_ = prometheus.Register(venueErrors)
		_ = prometheus.Register(disbalanceUSD)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if listen == "" {
			return
		}

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementCycle counts one completed reconciliation cycle.
func IncrementCycle() {
	if cyclesTotal != nil {
		cyclesTotal.Inc()
	}
}

// IncrementOrder counts one submitted corrective order.
func IncrementOrder(venue, asset, side string) {
	if ordersTotal != nil {
		ordersTotal.WithLabelValues(venue, asset, side).Inc()
	}
}

// IncrementGateBlock counts one cycle blocked by the safety gate.
func IncrementGateBlock() {
	if gateBlocks != nil {
		gateBlocks.Inc()
	}
}

// IncrementAlert counts one operator alert for a severity group.
func IncrementAlert(group string) {
	if alertsTotal != nil {
		alertsTotal.WithLabelValues(group).Inc()
	}
}

// IncrementVenueError counts one failed venue operation.
func IncrementVenueError(venue, operation string) {
	if venueErrors != nil {
		venueErrors.WithLabelValues(venue, operation).Inc()
	}
}

// SetDisbalance records the last computed net exposure for an asset.
func SetDisbalance(asset string, usd float64) {
	if disbalanceUSD != nil {
		disbalanceUSD.WithLabelValues(asset).Set(usd)
	}
}
