package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink records dispatch outcomes as Prometheus metrics.
type PromSink struct {
	jobs     *prometheus.CounterVec
	fallback *prometheus.CounterVec
	duration *prometheus.HistogramVec
	roster   prometheus.Gauge
}

// NewPromSink registers the dispatcher metrics on reg.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_jobs_total",
		Help: "Jobs handled by the dispatcher, by requested capability and outcome.",
	}, []string{"capability", "outcome"})
	fallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rota_job_fallback_total",
		Help: "Jobs routed to the oldest worker because no worker declared the capability.",
	}, []string{"capability"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rota_job_duration_seconds",
		Help:    "Time from receiving the job payload to relaying the result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	roster := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rota_roster_available",
		Help: "Workers currently available for dispatch.",
	})

	var err error
	if jobs, err = register(reg, jobs); err != nil {
		return nil, err
	}
	if fallback, err = register(reg, fallback); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if roster, err = register(reg, roster); err != nil {
		return nil, err
	}

	return &PromSink{jobs: jobs, fallback: fallback, duration: duration, roster: roster}, nil
}

// ObserveJob records one finished job.
func (s *PromSink) ObserveJob(capability, outcome string, fallback bool, elapsed time.Duration) {
	s.jobs.WithLabelValues(capability, outcome).Inc()
	if fallback {
		s.fallback.WithLabelValues(capability).Inc()
	}
	s.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SetRosterSize sets the available-workers gauge.
func (s *PromSink) SetRosterSize(n int) {
	s.roster.Set(float64(n))
}

// register reuses an already registered collector of the same shape so that
// building a second sink on one registry does not fail.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
