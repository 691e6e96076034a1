// Package metrics exposes pipeline and key lifecycle counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// Recorder collects the service metrics. A nil Recorder discards observations.
type Recorder struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	keyOperations      *prometheus.CounterVec
	hardwareBacked     prometheus.Gauge
}

// NewRecorder registers the service collectors with reg.
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_transitions_total",
			Help:      "Pipeline transitions by name and outcome category.",
		}, []string{"transition", "result"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_transition_duration_seconds",
			Help:      "Time spent in provider calls per pipeline transition.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"transition"}),
		keyOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_operations_total",
			Help:      "Key lifecycle operations by name and outcome category.",
		}, []string{"operation", "result"}),
		hardwareBacked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hardware_backed",
			Help:      "1 when the selected signing provider uses the secure element.",
		}),
	}

	for _, c := range []prometheus.Collector{r.transitions, r.transitionDuration, r.keyOperations, r.hardwareBacked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveTransition records one finished pipeline transition.
func (r *Recorder) ObserveTransition(transition string, took time.Duration, err error) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(transition, result(err)).Inc()
	r.transitionDuration.WithLabelValues(transition).Observe(took.Seconds())
}

// ObserveKeyOperation records one key lifecycle operation.
func (r *Recorder) ObserveKeyOperation(operation string, err error) {
	if r == nil {
		return
	}
	r.keyOperations.WithLabelValues(operation, result(err)).Inc()
}

// SetHardwareBacked publishes the provider selection.
func (r *Recorder) SetHardwareBacked(hw bool) {
	if r == nil {
		return
	}
	if hw {
		r.hardwareBacked.Set(1)
	} else {
		r.hardwareBacked.Set(0)
	}
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, interfaces.ErrPipelineBusy) {
		return "busy"
	}
	if errors.Is(err, interfaces.ErrInvalidStage) {
		return "invalid-stage"
	}
	if errors.Is(err, interfaces.ErrRunSuperseded) {
		return "superseded"
	}
	return interfaces.Categorize(err).String()
}

// MetricsServer serves the registry on its own listener.
type MetricsServer struct {
	registry *prometheus.Registry
	recorder *Recorder
	srv      *http.Server
}

func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	recorder, err := NewRecorder(namespace, registry)
	if err != nil {
		return nil, err
	}

	m := &MetricsServer{registry: registry, recorder: recorder}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

func (m *MetricsServer) Recorder() *Recorder {
	return m.recorder
}

func (m *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
