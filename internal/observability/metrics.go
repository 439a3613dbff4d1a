package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_gateway_active_sessions",
		Help: "Number of open meeting sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_sessions_total",
		Help: "Total number of meeting sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_session_duration_seconds",
		Help:    "Duration of meeting sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	// ASR metrics
	asrConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_asr_connects_total",
		Help: "Total number of ASR channel handshakes",
	}, []string{"status"})

	asrConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_asr_connect_latency_seconds",
		Help:    "ASR handshake latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_audio_frames_total",
		Help: "Audio frames offered to the ASR channel",
	}, []string{"result"}) // result: "sent" or "dropped"

	audioBytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_audio_bytes_total",
		Help: "Total audio bytes sent to the ASR provider",
	})

	segments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_segments_total",
		Help: "Recognized segments received from the ASR provider",
	}, []string{"kind"}) // kind: "interim" or "final"

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_decode_errors_total",
		Help: "ASR messages that could not be decoded and were skipped",
	})

	channelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_channel_errors_total",
		Help: "ASR channel errors that closed the channel",
	}, []string{"op"})

	// Persistence metrics
	saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_saves_total",
		Help: "Backend save calls",
	}, []string{"kind", "status"}) // kind: "recording" or "summary"

	saveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_save_latency_seconds",
		Help:    "Backend save latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"kind"})

	// Summary metrics
	summaryStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_summary_streams_total",
		Help: "Summary streams by outcome",
	}, []string{"outcome"}) // outcome: "done", "error", "cancelled"

	summaryChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_summary_chunks_total",
		Help: "Summary text chunks received",
	})

	summaryFirstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_summary_first_chunk_seconds",
		Help:    "Time from summary request to first chunk in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcribe_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single meeting session
type Metrics struct {
	sessionID        string
	startTime        time.Time
	connectStartTime time.Time
	summaryStartTime time.Time
	firstChunkSeen   bool
	mu               sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnectStart records the start of an ASR handshake
func (m *Metrics) RecordConnectStart() {
	m.mu.Lock()
	m.connectStartTime = time.Now()
	m.mu.Unlock()
}

// RecordConnectEnd records the outcome of an ASR handshake
func (m *Metrics) RecordConnectEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connectStartTime.IsZero() {
		asrConnectLatency.Observe(time.Since(m.connectStartTime).Seconds())
		m.connectStartTime = time.Time{}
	}
	asrConnects.WithLabelValues(statusLabel(success)).Inc()
}

// RecordFrame records one audio frame offered to the channel
func (m *Metrics) RecordFrame(sent bool, bytes int) {
	if !sent {
		audioFrames.WithLabelValues("dropped").Inc()
		return
	}
	audioFrames.WithLabelValues("sent").Inc()
	audioBytesProcessed.Add(float64(bytes))
}

// RecordSegment records an interim or final segment
func (m *Metrics) RecordSegment(final bool) {
	if final {
		segments.WithLabelValues("final").Inc()
		return
	}
	segments.WithLabelValues("interim").Inc()
}

// RecordDecodeError records a skipped ASR message
func (m *Metrics) RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordChannelError records an error that closed the ASR channel
func (m *Metrics) RecordChannelError(op string) {
	channelErrors.WithLabelValues(op).Inc()
}

// RecordSave records a backend save of the given kind
func (m *Metrics) RecordSave(kind string, success bool, took time.Duration) {
	saveLatency.WithLabelValues(kind).Observe(took.Seconds())
	saves.WithLabelValues(kind, statusLabel(success)).Inc()
}

// RecordSummaryStart records the start of a summary stream
func (m *Metrics) RecordSummaryStart() {
	m.mu.Lock()
	m.summaryStartTime = time.Now()
	m.firstChunkSeen = false
	m.mu.Unlock()
}

// RecordSummaryChunk records a summary chunk, observing first-chunk latency once per stream
func (m *Metrics) RecordSummaryChunk() {
	summaryChunks.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.firstChunkSeen && !m.summaryStartTime.IsZero() {
		summaryFirstChunkLatency.Observe(time.Since(m.summaryStartTime).Seconds())
		m.firstChunkSeen = true
	}
}

// RecordSummaryEnd records how a summary stream finished
func (m *Metrics) RecordSummaryEnd(outcome string) {
	summaryStreams.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
