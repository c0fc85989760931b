// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters
var (
	RingOverrunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonomkr_ring_overruns_total",
		Help: "Samples lost by slow readers, per channel",
	}, []string{"channel"})
	CapturePeriodsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonomkr_capture_periods_total",
		Help: "Periods read from the capture device",
	})
	CaptureRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonomkr_capture_recoveries_total",
		Help: "Device xruns recovered in place",
	})
	CaptureWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonomkr_capture_write_errors_total",
		Help: "Periods the audio buffer rejected",
	})
	ConsumerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonomkr_consumer_retries_total",
		Help: "Processing cycles that asked to retry, per consumer",
	}, []string{"consumer"})
	PublishedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonomkr_published_frames_total",
		Help: "Frames handed to the publish sinks, per channel",
	}, []string{"channel"})
	FailedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonomkr_failed_frames_total",
		Help: "Frames dropped after a publish failure, per channel",
	}, []string{"channel"})
	RecordedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonomkr_recorded_samples_total",
		Help: "Samples written to WAV files, per channel",
	}, []string{"channel"})
)

// Gauges
var (
	LeqDecibels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sonomkr_analysis_leq_db",
		Help: "Equivalent continuous level of the last analyzed batch, per channel",
	}, []string{"channel"})
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sonomkr_active_consumers",
		Help: "Number of running ring buffer consumers",
	})
)
