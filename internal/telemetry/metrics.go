package telemetry

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hopflow/internal/logging"
)

// Metrics are the process-wide counters mirrored from execution states.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions *prometheus.CounterVec
	Rows        *prometheus.CounterVec
	Running     *prometheus.GaugeVec
	Elements    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopflow",
			Name:      "engine_transitions_total",
			Help:      "Execution state transitions by engine and target status.",
		}, []string{"engine", "status"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopflow",
			Name:      "transform_rows_total",
			Help:      "Rows read, written and rejected per transform.",
		}, []string{"pipeline", "transform", "counter"}),
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hopflow",
			Name:      "executions_running",
			Help:      "Executions currently in the running state.",
		}, []string{"engine"}),
		Elements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hopflow",
			Name:      "dataflow_elements_total",
			Help:      "Elements processed by dataflow steps on this runner.",
		}, []string{"step", "counter"}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Rows, m.Running, m.Elements)
	}
	return m
}

func (m *Metrics) Transition(engine, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(engine, to).Inc()
	switch {
	case to == "running":
		m.Running.WithLabelValues(engine).Inc()
	case from == "running":
		m.Running.WithLabelValues(engine).Dec()
	}
}

func (m *Metrics) AddRows(pipeline, transform, counter string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Rows.WithLabelValues(pipeline, transform, counter).Add(float64(n))
}

func (m *Metrics) AddElements(step, counter string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Elements.WithLabelValues(step, counter).Add(float64(n))
}

// Expose serves /metrics for g on port in the background. The returned
// server can be shut down by the caller.
func Expose(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics endpoint stopped", "port", port, "err", err)
		}
	}()
	return srv
}
