package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wagerbook"

// Metrics groups the collectors the app updates after each operation. Each
// instance owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced    prometheus.Counter
	OrdersCancelled prometheus.Counter
	Fills           prometheus.Counter
	FilledVolume    prometheus.Counter
	GamesCreated    *prometheus.CounterVec // origin
	GamesFinished   *prometheus.CounterVec // reason, result
	Claims          prometheus.Counter
	ClaimFailures   prometheus.Counter
	OpErrors        *prometheus.CounterVec // op, class
	EventsPublished prometheus.Counter

	Escrowed      prometheus.Gauge
	HouseFees     prometheus.Gauge
	RestingOrders prometheus.Gauge
	Paused        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total", Help: "Orders accepted by the matching engine.",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total", Help: "Orders cancelled by their owner.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_total", Help: "Matches that funded a game.",
		}),
		FilledVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "filled_volume_total", Help: "Stake matched per side, summed over fills.",
		}),
		GamesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "games_created_total", Help: "Games created by origin.",
		}, []string{"origin"}),
		GamesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "games_finished_total", Help: "Games finished by reason and result.",
		}, []string{"reason", "result"}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total", Help: "Successful pending payout claims.",
		}),
		ClaimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "claim_failures_total", Help: "Claims whose transfer failed and were restored.",
		}),
		OpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operation_errors_total", Help: "Rejected operations by error class.",
		}, []string{"op", "class"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total", Help: "Outbox events acknowledged by the sink.",
		}),
		Escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "escrowed_value", Help: "Value held in open orders and unresolved pools.",
		}),
		HouseFees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "house_fees", Help: "Accumulated, unwithdrawn house fees.",
		}),
		RestingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resting_orders", Help: "Orders resting in the book.",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "paused", Help: "1 while creation is paused.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersPlaced, m.OrdersCancelled, m.Fills, m.FilledVolume,
		m.GamesCreated, m.GamesFinished, m.Claims, m.ClaimFailures,
		m.OpErrors, m.EventsPublished,
		m.Escrowed, m.HouseFees, m.RestingOrders, m.Paused,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
