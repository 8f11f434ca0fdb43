package relay

import (
	"time"

	"github.com/voxrelay/voxrelay/pkg/metrics"
)

// OutcomeReason classifies how a session ended.
type OutcomeReason string

const (
	OutcomeCompleted       OutcomeReason = "completed"
	OutcomeUpstreamError   OutcomeReason = "upstream_error"
	OutcomeDownstreamError OutcomeReason = "downstream_error"
	OutcomeNeverConnected  OutcomeReason = "never_connected"
)

// Outcome is the final, reportable result of one session. The session
// itself is never persisted; only this outcome is.
type Outcome struct {
	StreamSID   string
	CallSID     string
	TraceID     string
	AgentID     string
	OutboundRef string

	Reason OutcomeReason
	Err    error

	StartedAt time.Time
	ActiveAt  time.Time
	EndedAt   time.Time

	FramesUp     int64
	FramesDown   int64
	DropsAwait   int64
	DropsOverrun int64
}

// Duration is the conversational duration: time spent ACTIVE. Zero when
// the session never connected.
func (o Outcome) Duration() time.Duration {
	if o.ActiveAt.IsZero() {
		return 0
	}
	return o.EndedAt.Sub(o.ActiveAt)
}

func metricsEvent(o Outcome) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  "relay_session_closed",
		Time:  o.EndedAt,
		Value: float64(o.Duration().Milliseconds()),
		Tags: map[string]string{
			"reason":   string(o.Reason),
			"agent_id": o.AgentID,
		},
		Fields: map[string]any{
			"frames_up":     o.FramesUp,
			"frames_down":   o.FramesDown,
			"drops_await":   o.DropsAwait,
			"drops_overrun": o.DropsOverrun,
		},
	}
}
