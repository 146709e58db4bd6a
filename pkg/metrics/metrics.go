package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/benchwork/benchwork/pkg/core"
)

var (
	unitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchwork_unit_transitions_total",
			Help: "Total number of work unit status transitions.",
		},
		[]string{"to"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchwork_events_total",
			Help: "Total number of events published on the bus.",
		},
		[]string{"type"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchwork_tokens_total",
			Help: "Total model tokens consumed, by direction.",
		},
		[]string{"direction"},
	)

	costUSDTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchwork_cost_usd_total",
			Help: "Total estimated spend in US dollars.",
		},
	)

	runUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchwork_run_units",
			Help: "Work units per run and status, from the latest snapshot.",
		},
		[]string{"run", "status"},
	)

	slotsBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchwork_slots_busy",
			Help: "Busy worker slots per resource class.",
		},
		[]string{"class"},
	)

	slotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchwork_slots_total",
			Help: "Configured worker slots per resource class.",
		},
		[]string{"class"},
	)

	budgetStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchwork_budget_status",
			Help: "Budget standing per run: 0 ok, 1 warn, 2 exceeded.",
		},
		[]string{"run"},
	)
)

func init() {
	prometheus.MustRegister(unitTransitionsTotal)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(tokensTotal)
	prometheus.MustRegister(costUSDTotal)
	prometheus.MustRegister(runUnits)
	prometheus.MustRegister(slotsBusy)
	prometheus.MustRegister(slotsTotal)
	prometheus.MustRegister(budgetStatus)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, s := range []core.Status{
		core.StatusPending, core.StatusQueued, core.StatusRunning,
		core.StatusPaused, core.StatusCompleted, core.StatusFailed,
		core.StatusCancelled,
	} {
		unitTransitionsTotal.WithLabelValues(string(s))
	}
	tokensTotal.WithLabelValues("in")
	tokensTotal.WithLabelValues("out")
	for _, c := range core.Classes() {
		slotsBusy.WithLabelValues(string(c))
		slotsTotal.WithLabelValues(string(c))
	}
}

// Observe translates one event into metric updates. Malformed payloads are
// ignored; the constructors in core cannot produce them.
func Observe(e *core.Event) {
	eventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case core.EventStatus:
		var p core.StatusPayload
		if e.DecodePayload(&p) == nil {
			unitTransitionsTotal.WithLabelValues(string(p.To)).Inc()
		}
	case core.EventCost:
		var p core.CostPayload
		if e.DecodePayload(&p) != nil {
			return
		}
		// Terminal summaries restate per-call deltas already counted.
		if p.CallIndex == core.FinalCostIndex {
			return
		}
		tokensTotal.WithLabelValues("in").Add(float64(p.TokensIn))
		tokensTotal.WithLabelValues("out").Add(float64(p.TokensOut))
		costUSDTotal.Add(p.USD)
	case core.EventMetrics:
		var p core.MetricsPayload
		if e.DecodePayload(&p) != nil {
			return
		}
		for status, n := range p.StatusCounts {
			runUnits.WithLabelValues(e.RunID, string(status)).Set(float64(n))
		}
		for class, n := range p.BusySlots {
			slotsBusy.WithLabelValues(string(class)).Set(float64(n))
		}
		for class, n := range p.TotalSlots {
			slotsTotal.WithLabelValues(string(class)).Set(float64(n))
		}
		budgetStatus.WithLabelValues(e.RunID).Set(budgetValue(p.Budget))
	}
}

func budgetValue(s core.BudgetStatus) float64 {
	switch s {
	case core.BudgetWarn:
		return 1
	case core.BudgetExceeded:
		return 2
	default:
		return 0
	}
}
