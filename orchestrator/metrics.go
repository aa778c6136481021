package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the pipeline's operational counters.
type Metrics struct {
	IntakesCreated *prometheus.CounterVec
	PlansExecuted  prometheus.Counter
	PlansFailed    prometheus.Counter
	PlansReemitted prometheus.Counter
	PlansDeferred  prometheus.Counter
	SweepDuration  prometheus.Histogram
	WatcherHealth  *prometheus.GaugeVec
	AutonomyHalts  prometheus.Counter
}

// NewMetrics registers the metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntakesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "valet_intakes_created_total",
			Help: "Intake wrapper files created, by source.",
		}, []string{"source"}),
		PlansExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "valet_plans_executed_total",
			Help: "Plans that reached executed.",
		}),
		PlansFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "valet_plans_failed_total",
			Help: "Plans that reached failed.",
		}),
		PlansReemitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "valet_plans_reemitted_total",
			Help: "Plans re-emitted for second approval after dry-run.",
		}),
		PlansDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "valet_plans_deferred_total",
			Help: "Approved plans deferred by dispatch backpressure.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "valet_sweep_duration_seconds",
			Help:    "Wall-clock duration of one orchestrator sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		WatcherHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "valet_watcher_healthy",
			Help: "1 when the watcher is healthy, 0 when degraded or offline.",
		}, []string{"source"}),
		AutonomyHalts: factory.NewCounter(prometheus.CounterOpts{
			Name: "valet_autonomy_halts_total",
			Help: "Autonomy loop halts on approval-required plans.",
		}),
	}
}

// ServeMetrics exposes /metrics on addr until the context ends.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
