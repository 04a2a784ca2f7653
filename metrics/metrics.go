// Package metrics exports upload, resolution and conversion telemetry.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a finished resolution.
type Outcome string

const (
	OutcomeCacheHit      Outcome = "cache_hit"
	OutcomeDiskHit       Outcome = "disk_hit"
	OutcomeGenerated     Outcome = "generated"
	OutcomeParseError    Outcome = "parse_error"
	OutcomeMissingSource Outcome = "missing_source"
	OutcomeUnsupported   Outcome = "unsupported"
	OutcomeFailed        Outcome = "failed"
)

// Observer records pipeline events. Every resolution ends in exactly one
// Outcome, which lets operators tell absent assets from internal faults
// even though clients only ever see 404.
type Observer interface {
	ObserveUpload(kind string, sizeBytes int64, err error)
	ObserveResolve(outcome Outcome)
	ObserveConversion(op string, duration time.Duration, err error)
	SetCacheEntries(n int)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ObserveUpload(string, int64, error)             {}
func (Nop) ObserveResolve(Outcome)                         {}
func (Nop) ObserveConversion(string, time.Duration, error) {}
func (Nop) SetCacheEntries(int)                            {}

// PrometheusObserver exports events as Prometheus metrics.
type PrometheusObserver struct {
	uploads            *prometheus.CounterVec
	uploadErrors       *prometheus.CounterVec
	uploadBytes        prometheus.Counter
	resolutions        *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	conversionErrors   *prometheus.CounterVec
	cacheEntries       prometheus.Gauge
}

// NewPrometheusObserver registers the mediaserve metrics on reg. A nil reg
// uses the default registerer. Registering twice reuses the existing collectors.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "mediaserve"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Stored uploads by asset kind.",
		}, []string{"kind"}),
		uploadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_errors_total",
			Help:      "Failed uploads by asset kind.",
		}, []string{"kind"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative size of accepted upload payloads.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Derivative resolutions by outcome.",
		}, []string{"outcome"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Latency of converter invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		conversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_errors_total",
			Help:      "Failed converter invocations.",
		}, []string{"op"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "existence_cache_entries",
			Help:      "Paths currently held in the existence cache.",
		}),
	}

	var err error
	if o.uploads, err = register(reg, o.uploads); err != nil {
		return nil, err
	}
	if o.uploadErrors, err = register(reg, o.uploadErrors); err != nil {
		return nil, err
	}
	if o.uploadBytes, err = register(reg, o.uploadBytes); err != nil {
		return nil, err
	}
	if o.resolutions, err = register(reg, o.resolutions); err != nil {
		return nil, err
	}
	if o.conversionDuration, err = register(reg, o.conversionDuration); err != nil {
		return nil, err
	}
	if o.conversionErrors, err = register(reg, o.conversionErrors); err != nil {
		return nil, err
	}
	if o.cacheEntries, err = register(reg, o.cacheEntries); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// ObserveUpload counts a finished upload.
func (o *PrometheusObserver) ObserveUpload(kind string, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.uploadErrors.WithLabelValues(kind).Inc()
		return
	}
	o.uploads.WithLabelValues(kind).Inc()
	o.uploadBytes.Add(float64(sizeBytes))
}

// ObserveResolve counts a finished resolution.
func (o *PrometheusObserver) ObserveResolve(outcome Outcome) {
	if o == nil {
		return
	}
	o.resolutions.WithLabelValues(string(outcome)).Inc()
}

// ObserveConversion tracks converter latency and failures.
func (o *PrometheusObserver) ObserveConversion(op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.conversionDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.conversionErrors.WithLabelValues(op).Inc()
	}
}

func (o *PrometheusObserver) SetCacheEntries(n int) {
	if o == nil {
		return
	}
	o.cacheEntries.Set(float64(n))
}
