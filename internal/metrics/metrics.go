// File: internal/metrics/metrics.go
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_streams_opened_total",
			Help: "Event-stream handles opened, including reconnects.",
		},
	)

	handlesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_handles_closed_total",
			Help: "Event-stream handles closed, by reason (supersede/complete/error/cancel/dispose).",
		},
		[]string{"reason"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_reconnects_total",
			Help: "Reconnect attempts scheduled after transport errors.",
		},
	)

	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_fallbacks_total",
			Help: "Fallback requests issued after reconnection was exhausted, by outcome.",
		},
		[]string{"success"},
	)

	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_malformed_frames_total",
			Help: "Event payloads that could not be parsed and were skipped.",
		},
		[]string{"event"},
	)

	turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_turns_total",
			Help: "Assistant turns by outcome (streamed/fallback/failed/cancelled).",
		},
		[]string{"outcome"},
	)

	turnLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_turn_latency_ms",
			Help:    "Time from send to finalized reply in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
		[]string{"outcome"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			streamsOpened, handlesClosed, reconnects,
			fallbacks, malformedFrames, turns, turnLatencyMs,
		)
	})
}

func IncStreamOpened() {
	streamsOpened.Inc()
}

func IncHandleClosed(reason string) {
	handlesClosed.WithLabelValues(reason).Inc()
}

func IncReconnect() {
	reconnects.Inc()
}

func IncFallback(success bool) {
	fallbacks.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func IncMalformedFrame(event string) {
	malformedFrames.WithLabelValues(event).Inc()
}

// ObserveTurn records the outcome of one assistant turn started at start.
func ObserveTurn(outcome string, start time.Time) {
	turns.WithLabelValues(outcome).Inc()
	turnLatencyMs.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))
}
