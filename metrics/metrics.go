package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Side labels tell the host's and the emulated peer's series apart.
const (
	SideHost = "host"
	SidePeer = "peer"
)

// Call outcomes.
const (
	CallSent      = "sent"
	CallCompleted = "completed"
	CallFailed    = "failed"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpiorpc",
			Subsystem: "frame",
			Name:      "received_total",
			Help:      "Complete frames rebuilt from the shared buffer.",
		},
		[]string{"side"},
	)
	framesQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpiorpc",
			Subsystem: "frame",
			Name:      "queued_total",
			Help:      "Frames appended to the outbound queue.",
		},
		[]string{"side"},
	)
	windowWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpiorpc",
			Subsystem: "channel",
			Name:      "writes_total",
			Help:      "Physical writes into the shared buffer.",
		},
		[]string{"side"},
	)
	windowBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpiorpc",
			Subsystem: "channel",
			Name:      "written_bytes_total",
			Help:      "Payload bytes written into the shared buffer.",
		},
		[]string{"side"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpiorpc",
			Subsystem: "call",
			Name:      "total",
			Help:      "RPC calls by procedure id and outcome.",
		},
		[]string{"rpc", "outcome"},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpiorpc",
			Subsystem: "call",
			Name:      "pending",
			Help:      "Calls waiting for a response.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesReceived, framesQueued, windowWrites, windowBytes, calls, pendingCalls)
	})
}

func RecordFrameReceived(side string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(side).Inc()
}

func RecordFrameQueued(side string) {
	RegisterMetrics()
	framesQueued.WithLabelValues(side).Inc()
}

func RecordWrite(side string, n int) {
	RegisterMetrics()
	windowWrites.WithLabelValues(side).Inc()
	windowBytes.WithLabelValues(side).Add(float64(n))
}

func RecordCall(rpc byte, outcome string) {
	RegisterMetrics()
	calls.WithLabelValues(strconv.Itoa(int(rpc)), outcome).Inc()
}

func SetPending(n int) {
	RegisterMetrics()
	pendingCalls.Set(float64(n))
}
