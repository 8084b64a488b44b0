package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "nfo_seller_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	jobsArmed := counter("jobs_armed_total", "Jobs that reached the armed phase.")
	jobsExecuted := counter("jobs_executed_total", "Jobs that executed successfully.")
	jobsFailed := counter("jobs_failed_total", "Jobs that ended in the failed phase.")
	jobsExpired := counter("jobs_expired_total", "Jobs expired without dispatch.")
	ordersPlaced := counter("orders_placed_total", "Venue orders placed.")
	ordersFailed := counter("orders_failed_total", "Venue order placements that failed.")
	compIssued := counter("compensations_issued_total", "Compensating closes issued for orphaned hedges.")
	compFailed := counter("compensations_failed_total", "Compensating closes that failed.")
	partial := counter("partial_exposures_total", "Positions left with partial exposure.")
	posOpened := counter("positions_opened_total", "Positions opened.")
	posClosed := counter("positions_closed_total", "Positions closed.")
	proximity := counter("proximity_alerts_total", "Target or stop-loss proximity alerts sent.")

	m := &Metrics{
		JobsArmed:           promCounter{jobsArmed},
		JobsExecuted:        promCounter{jobsExecuted},
		JobsFailed:          promCounter{jobsFailed},
		JobsExpired:         promCounter{jobsExpired},
		OrdersPlaced:        promCounter{ordersPlaced},
		OrdersFailed:        promCounter{ordersFailed},
		CompensationsIssued: promCounter{compIssued},
		CompensationsFailed: promCounter{compFailed},
		PartialExposures:    promCounter{partial},
		PositionsOpened:     promCounter{posOpened},
		PositionsClosed:     promCounter{posClosed},
		ProximityAlerts:     promCounter{proximity},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
