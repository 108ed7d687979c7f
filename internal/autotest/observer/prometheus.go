package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports runner metrics through a prometheus registry.
type PrometheusRecorder struct {
	runs          *prometheus.CounterVec
	results       *prometheus.CounterVec
	resultPoints  prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	commands      *prometheus.HistogramVec
	timeouts      *prometheus.CounterVec
	snapshotOps   *prometheus.HistogramVec
	snapshotFails *prometheus.CounterVec
	busySlots     prometheus.Gauge
}

// NewPrometheusRecorder registers all collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotest",
				Name:      "runs_total",
				Help:      "Runs finished, by terminal state.",
			},
			[]string{"state"},
		),
		results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotest",
				Name:      "results_total",
				Help:      "Submission results finished, by terminal state.",
			},
			[]string{"state"},
		),
		resultPoints: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "autotest",
				Name:      "result_points",
				Help:      "Points achieved per submission.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autotest",
				Name:      "step_duration_seconds",
				Help:      "Step execution time, by kind and state.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"kind", "state"},
		),
		commands: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autotest",
				Name:      "command_duration_seconds",
				Help:      "Sandbox command execution time.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"student"},
		),
		timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotest",
				Name:      "command_timeouts_total",
				Help:      "Sandbox commands killed after their time limit.",
			},
			[]string{"student"},
		),
		snapshotOps: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autotest",
				Name:      "snapshot_duration_seconds",
				Help:      "Snapshot create and restore time.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"op"},
		),
		snapshotFails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autotest",
				Name:      "snapshot_failures_total",
				Help:      "Failed snapshot operations.",
			},
			[]string{"op"},
		),
		busySlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "autotest",
				Name:      "busy_cpu_slots",
				Help:      "CPU slots currently held by student workers.",
			},
		),
	}
}

func (r *PrometheusRecorder) ObserveRun(_ context.Context, state string) {
	r.runs.WithLabelValues(state).Inc()
}

func (r *PrometheusRecorder) ObserveResult(_ context.Context, state string, points float64) {
	r.results.WithLabelValues(state).Inc()
	r.resultPoints.Observe(points)
}

func (r *PrometheusRecorder) ObserveStep(_ context.Context, kind string, state string, elapsed time.Duration) {
	r.stepDuration.WithLabelValues(kind, state).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) ObserveCommand(_ context.Context, student bool, elapsed time.Duration, timedOut bool) {
	label := strconv.FormatBool(student)
	r.commands.WithLabelValues(label).Observe(elapsed.Seconds())
	if timedOut {
		r.timeouts.WithLabelValues(label).Inc()
	}
}

func (r *PrometheusRecorder) ObserveSnapshot(_ context.Context, op string, elapsed time.Duration, ok bool) {
	if !ok {
		r.snapshotFails.WithLabelValues(op).Inc()
		return
	}
	r.snapshotOps.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) SetBusySlots(n int) {
	r.busySlots.Set(float64(n))
}
