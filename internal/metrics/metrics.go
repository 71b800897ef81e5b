// Package metrics exposes Prometheus instrumentation for the MCP
// transport and the tool registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcpagent"

// Label names.
const (
	Method = "method"
	Status = "status"
	Tool   = "tool"
)

// Status label values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusClosed  = "closed"
	StatusTimeout = "timeout"
)

// Recorder holds the collectors for one process. All methods are safe
// to call on a nil *Recorder, which records nothing.
type Recorder struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	pending        prometheus.Gauge
	malformed      prometheus.Counter
	unmatched      prometheus.Counter
	toolExecutions *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them on reg. A nil
// reg uses [prometheus.DefaultRegisterer].
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mcp_requests_total",
				Help:      "Total number of MCP requests by method and outcome",
			},
			[]string{Method, Status},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mcp_request_duration_seconds",
				Help:      "Time from writing an MCP request to receiving its response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{Method},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mcp_pending_requests",
				Help:      "Number of MCP requests awaiting a response",
			},
		),
		malformed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mcp_malformed_messages_total",
				Help:      "Lines from the MCP server that were not valid JSON",
			},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mcp_unmatched_responses_total",
				Help:      "Responses whose id matched no pending request",
			},
		),
		toolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions requested by the model",
			},
			[]string{Tool, Status},
		),
	}

	reg.MustRegister(r.requests, r.duration, r.pending, r.malformed, r.unmatched, r.toolExecutions)
	return r
}

// ObserveRequest records the outcome and latency of one request.
func (r *Recorder) ObserveRequest(method, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, status).Inc()
	r.duration.WithLabelValues(method).Observe(d.Seconds())
}

// SetPending records the current number of in-flight requests.
func (r *Recorder) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// Malformed counts one undecodable line.
func (r *Recorder) Malformed() {
	if r == nil {
		return
	}
	r.malformed.Inc()
}

// Unmatched counts one response with no pending request.
func (r *Recorder) Unmatched() {
	if r == nil {
		return
	}
	r.unmatched.Inc()
}

// ToolExecution counts one tool execution.
func (r *Recorder) ToolExecution(tool, status string) {
	if r == nil {
		return
	}
	r.toolExecutions.WithLabelValues(tool, status).Inc()
}
