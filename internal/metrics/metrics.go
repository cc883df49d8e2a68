package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lowaak/treadmill-sync/internal/treadmill"
)

const namespace = "treadmill_sync"

var connectionStates = []treadmill.ConnectionState{
	treadmill.StateDisconnected,
	treadmill.StateScanning,
	treadmill.StateConnecting,
	treadmill.StateConnected,
	treadmill.StateError,
}

// Recorder owns the service's collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	framesDecoded    *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionState  *prometheus.GaugeVec
	samplesRecorded  prometheus.Counter
	workoutsStarted  prometheus.Counter
	workoutsFinished *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		framesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ble",
			Name:      "frames_decoded_total",
			Help:      "Number of notification frames decoded, per protocol.",
		}, []string{"protocol"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ble",
			Name:      "decode_errors_total",
			Help:      "Number of notification frames that failed to decode, per protocol.",
		}, []string{"protocol"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ble",
			Name:      "reconnects_total",
			Help:      "Number of connection cycles that ended and were retried.",
		}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ble",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		samplesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workout",
			Name:      "samples_recorded_total",
			Help:      "Number of samples persisted.",
		}),
		workoutsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workout",
			Name:      "started_total",
			Help:      "Number of workouts started.",
		}),
		workoutsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workout",
			Name:      "finished_total",
			Help:      "Number of workouts ended, by outcome (completed, discarded, failed).",
		}, []string{"outcome"}),
	}
}

func (r *Recorder) FrameDecoded(protocol string) {
	if r == nil {
		return
	}
	r.framesDecoded.WithLabelValues(protocol).Inc()
}

func (r *Recorder) DecodeFailed(protocol string) {
	if r == nil {
		return
	}
	r.decodeErrors.WithLabelValues(protocol).Inc()
}

func (r *Recorder) Reconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// SetConnectionState is meant to be registered with Driver.ListenToStatus
func (r *Recorder) SetConnectionState(status treadmill.ConnectionStatus) {
	if r == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == status.State {
			value = 1
		}
		r.connectionState.WithLabelValues(s.String()).Set(value)
	}
}

func (r *Recorder) SampleRecorded() {
	if r == nil {
		return
	}
	r.samplesRecorded.Inc()
}

func (r *Recorder) WorkoutStarted() {
	if r == nil {
		return
	}
	r.workoutsStarted.Inc()
}

func (r *Recorder) WorkoutFinished(outcome string) {
	if r == nil {
		return
	}
	r.workoutsFinished.WithLabelValues(outcome).Inc()
}

// WatchDropped exports an event source's skipped deliveries, read at scrape time
func (r *Recorder) WatchDropped(source string, dropped func() uint64) {
	if r == nil {
		return
	}
	r.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "events",
		Name:        "dropped_total",
		Help:        "Number of event deliveries skipped because a listener was full.",
		ConstLabels: prometheus.Labels{"source": source},
	}, func() float64 {
		return float64(dropped())
	}))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
