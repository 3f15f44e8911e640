// Package metrics exposes prometheus collectors for the call core. The cmd
// binary serves them over /metrics; components increment them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "calls_started_total",
		Help:      "Calls initiated or answered, labelled by role.",
	}, []string{"role"})

	CallsConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "calls_connected_total",
		Help:      "Calls that reached the connected state.",
	})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "calls_ended_total",
		Help:      "Calls torn down, labelled by reason.",
	}, []string{"reason"})

	SignalReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callcore",
		Subsystem: "signal",
		Name:      "reconnects_total",
		Help:      "Websocket reconnect attempts.",
	})

	SignalRequestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Subsystem: "signal",
		Name:      "request_timeouts_total",
		Help:      "Signaling request/reply round-trips that timed out, by event.",
	}, []string{"event"})

	CandidatesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "ice_candidates_buffered_total",
		Help:      "ICE candidates queued before the remote description was set.",
	})

	CandidatesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "ice_candidates_flushed_total",
		Help:      "Buffered ICE candidates applied after the remote description arrived.",
	})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "publish_attempts_total",
		Help:      "Send-transport publish flows, labelled by outcome.",
	}, []string{"outcome"})

	RecordingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "recording_requests_total",
		Help:      "Recording start/stop requests, labelled by op and outcome.",
	}, []string{"op", "outcome"})

	RecordingsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callcore",
		Name:      "recordings_archived_total",
		Help:      "Finished recordings fetched and uploaded to object storage.",
	}, []string{"outcome"})
)
