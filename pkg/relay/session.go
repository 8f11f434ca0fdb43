package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/frames"
	"github.com/voxrelay/voxrelay/pkg/redact"
	"github.com/voxrelay/voxrelay/pkg/upstream"
)

// State is the session lifecycle. Only the session task mutates it; other
// goroutines read it atomically to decide whether forwarding is allowed.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingUpstream
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionIdentity struct {
	StreamSID   string
	CallSID     string
	TraceID     string
	AgentID     string
	From        string
	OutboundRef string
}

// Internal events posted to the session inbox alongside transport frames.
type upstreamReady struct{ conn *upstream.Conn }
type upstreamFailed struct{ err error }
type upstreamSignal struct{ msg upstream.Message }
type upstreamClosed struct{}
type shutdownReq struct{ reason string }

// Session owns both legs of one live call. It is created when the
// telephony edge's start frame arrives and destroyed once both connections
// are closed and the final outcome has been reported.
type Session struct {
	relay *Relay
	id    sessionIdentity
	log   *slog.Logger

	state atomic.Int32

	inbox chan any
	dial  chan any // unbuffered handoff from initiate to the session task
	done  chan struct{}

	cancel context.CancelFunc

	conn *upstream.Conn // set by the session task once ready

	startedAt time.Time
	activeAt  time.Time

	framesUp     atomic.Int64
	framesDown   atomic.Int64
	dropsAwait   atomic.Int64
	dropsClosing atomic.Int64
	dropsInbox   atomic.Int64
	dropsSend    atomic.Int64

	malformedStreak int
}

func newSession(r *Relay, id sessionIdentity) *Session {
	s := &Session{
		relay: r,
		id:    id,
		log: r.log.With(
			"stream_id", id.StreamSID,
			"call_sid", id.CallSID,
			"trace_id", id.TraceID,
			"agent_id", id.AgentID,
		),
		inbox:     make(chan any, r.cfg.InboxBuffer),
		dial:      make(chan any),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// deliver routes a transport frame into the session. Audio overflowing the
// inbox is dropped: bounded real-time delivery beats completeness for a
// live caller. Control and system frames block briefly instead, since
// losing a stop event would leak the session.
func (s *Session) deliver(f frames.Frame) {
	if f.Kind() == frames.KindAudio {
		select {
		case s.inbox <- f:
		default:
			s.dropsInbox.Add(1)
		}
		return
	}
	s.post(f)
}

func (s *Session) post(ev any) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

// shutdown requests teardown from outside the session task.
func (s *Session) shutdown(reason string) {
	s.post(shutdownReq{reason: reason})
}

// run is the session task: the only goroutine that mutates state.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.setState(StateAwaitingUpstream)
	s.log.Info("relay_session_start",
		"state", s.State().String(),
		"from", redact.Number(s.id.From),
	)
	go s.initiate(ctx)

	readyTimer := time.NewTimer(s.relay.cfg.ReadyTimeout)
	defer readyTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown(OutcomeDownstreamError, errorsx.Wrap(ctx.Err(), errorsx.ReasonDownstreamClosed))
			return
		case <-readyTimer.C:
			if s.State() == StateAwaitingUpstream {
				err := errorsx.Wrap(errors.New("upstream not ready within ceiling"), errorsx.ReasonUpstreamTimeout)
				s.log.Warn("relay_upstream_timeout", "reason_code", string(errorsx.ReasonUpstreamTimeout))
				s.announceFailure()
				s.teardown(OutcomeNeverConnected, err)
				return
			}
		case ev := <-s.dial:
			if s.handle(ev, readyTimer) {
				return
			}
		case ev := <-s.inbox:
			if s.handle(ev, readyTimer) {
				return
			}
		}
	}
}

// handle processes one event; it returns true once the session is closed.
func (s *Session) handle(ev any, readyTimer *time.Timer) bool {
	switch e := ev.(type) {
	case frames.AudioFrame:
		s.onDownstreamAudio(e)
	case frames.ControlFrame:
		s.onDownstreamControl(e)
	case frames.SystemFrame:
		return s.onDownstreamSystem(e)
	case upstreamReady:
		s.onUpstreamReady(e.conn, readyTimer)
	case upstreamFailed:
		s.announceFailure()
		s.teardown(OutcomeNeverConnected, e.err)
		return true
	case upstreamSignal:
		return s.onUpstreamSignal(e.msg)
	case upstreamClosed:
		s.teardown(OutcomeUpstreamError, errorsx.Wrap(errors.New("upstream connection closed"), errorsx.ReasonUpstreamClosed))
		return true
	case shutdownReq:
		s.teardown(OutcomeDownstreamError, errorsx.Wrap(errors.New(e.reason), errorsx.ReasonDownstreamClosed))
		return true
	}
	return false
}

func (s *Session) onDownstreamAudio(af frames.AudioFrame) {
	s.malformedStreak = 0
	defer frames.ReleaseAudioFrame(af)
	switch s.State() {
	case StateActive:
		if err := s.conn.SendAudio(af.RawPayload()); err != nil {
			s.log.Warn("relay_upstream_send_failed",
				"error", err.Error(),
				"reason_code", string(errorsx.ReasonTransportSend),
			)
			s.teardown(OutcomeUpstreamError, errorsx.Wrap(err, errorsx.ReasonTransportSend))
			return
		}
		s.framesUp.Add(1)
	case StateAwaitingUpstream, StateConnecting:
		// Never buffered: stale audio is worse than brief silence.
		s.dropsAwait.Add(1)
	default:
		s.dropsClosing.Add(1)
	}
}

func (s *Session) onDownstreamControl(cf frames.ControlFrame) {
	s.malformedStreak = 0
	meta := cf.Meta()
	switch cf.Code() {
	case frames.ControlMark:
		s.log.Debug("relay_mark_observed", "mark_name", meta[frames.MetaMarkName])
	case frames.ControlDTMF:
		s.log.Debug("relay_dtmf_observed", "digit", meta[frames.MetaDTMFDigit])
	}
}

func (s *Session) onDownstreamSystem(sf frames.SystemFrame) bool {
	switch sf.Name() {
	case "call_end":
		s.malformedStreak = 0
		reason := sf.Meta()[frames.MetaCallEndReason]
		if reason == "completed" {
			s.teardown(OutcomeCompleted, nil)
		} else {
			err := errorsx.Wrap(errors.New("downstream ended: "+reason), errorsx.ReasonDownstreamClosed)
			s.teardown(s.downstreamOutcome(), err)
		}
		return true
	case "malformed_frame":
		s.malformedStreak++
		s.log.Warn("relay_malformed_frame",
			"streak", s.malformedStreak,
			"reason_code", string(errorsx.ReasonMalformedFrame),
		)
		if s.malformedStreak >= s.relay.cfg.MalformedLimit {
			err := errorsx.Wrap(errors.New("malformed frame threshold exceeded"), errorsx.ReasonMalformedFrame)
			s.teardown(s.downstreamOutcome(), err)
			return true
		}
	}
	return false
}

// downstreamOutcome distinguishes a call that never went live from one
// that failed mid-conversation.
func (s *Session) downstreamOutcome() OutcomeReason {
	if s.activeAt.IsZero() {
		return OutcomeNeverConnected
	}
	return OutcomeDownstreamError
}

func (s *Session) onUpstreamReady(conn *upstream.Conn, readyTimer *time.Timer) {
	if s.State() != StateAwaitingUpstream {
		_ = conn.Close()
		return
	}
	readyTimer.Stop()
	s.conn = conn
	s.activeAt = time.Now()
	s.setState(StateActive)
	s.log.Info("relay_session_active",
		"await_ms", s.activeAt.Sub(s.startedAt).Milliseconds(),
	)
	go s.pumpUpstream(conn)
}

func (s *Session) onUpstreamSignal(msg upstream.Message) bool {
	switch msg.Type {
	case upstream.TypeConversationEnded:
		s.log.Info("relay_conversation_ended")
		s.teardown(OutcomeCompleted, nil)
		return true
	case upstream.TypeError:
		err := errorsx.Wrap(errors.New(msg.ErrMsg), errorsx.ReasonUpstreamClosed)
		s.log.Warn("relay_upstream_error", "error", msg.ErrMsg)
		s.teardown(OutcomeUpstreamError, err)
		return true
	}
	return false
}

// initiate runs resolution and upstream negotiation off the session task.
// Cancellation of the session context aborts it mid-flight. Results hand
// over on the unbuffered dial channel: the connection belongs to the
// session task only once the task has received it, so a dial that
// completes after teardown is closed right here instead of leaking.
func (s *Session) initiate(ctx context.Context) {
	res, err := s.relay.resolver.Resolve(ctx, s.id.AgentID)
	if err != nil {
		s.log.Warn("relay_resolution_failed",
			"error", err.Error(),
			"reason_code", string(errorsx.Reason(err)),
		)
		s.postDial(upstreamFailed{err: err})
		return
	}
	conn, err := s.relay.opener.Open(ctx, res.UpstreamAgentID, res.Credential)
	if err != nil {
		s.log.Warn("relay_upstream_open_failed",
			"error", err.Error(),
			"reason_code", string(errorsx.Reason(err)),
		)
		s.postDial(upstreamFailed{err: err})
		return
	}
	select {
	case s.dial <- upstreamReady{conn: conn}:
	case <-s.done:
		_ = conn.Close()
	}
}

func (s *Session) postDial(ev any) {
	select {
	case s.dial <- ev:
	case <-s.done:
	}
}

// pumpUpstream is the upstream reader: audio goes straight to the
// downstream writer, text events are observed, terminal signals are handed
// to the session task. It never mutates state itself.
func (s *Session) pumpUpstream(conn *upstream.Conn) {
	for msg := range conn.Recv() {
		switch msg.Type {
		case upstream.TypeAudio:
			if s.State() != StateActive {
				s.dropsClosing.Add(1)
				continue
			}
			af := frames.NewAudioFrame(s.id.StreamSID, time.Now().UnixNano(), msg.Audio, 8000, 1, map[string]string{
				frames.MetaCallSID:  s.id.CallSID,
				frames.MetaTraceID:  s.id.TraceID,
				frames.MetaEncoding: "mulaw",
				frames.MetaFormat:   "ulaw_8000_1ch_8bit",
			})
			if err := s.relay.transport.Send(af); err != nil {
				s.log.Warn("relay_downstream_send_failed",
					"error", err.Error(),
					"reason_code", string(errorsx.ReasonTransportSend),
				)
				s.dropsSend.Add(1)
				continue
			}
			s.framesDown.Add(1)
		case upstream.TypeAgentResponse:
			s.observeTranscript("agent", msg.Text)
		case upstream.TypeUserTranscript:
			s.observeTranscript("caller", msg.Text)
		case upstream.TypeInterruption:
			// Barge-in: flush any buffered agent audio on the telephony leg.
			cf := frames.NewControlFrame(s.id.StreamSID, time.Now().UnixNano(), frames.ControlClear, nil)
			_ = s.relay.transport.Send(cf)
		case upstream.TypeConversationEnded, upstream.TypeError:
			s.post(upstreamSignal{msg: msg})
			return
		}
	}
	s.post(upstreamClosed{})
}

// observeTranscript records transcript text under the same frame vocabulary
// as the media path, so traces carry stream and source metadata uniformly.
func (s *Session) observeTranscript(source, text string) {
	tf := frames.NewTextFrame(s.id.StreamSID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaSource: source,
	})
	s.log.Debug("relay_transcript",
		"source", tf.Meta()[frames.MetaSource],
		"text", redact.Text(tf.Text()),
	)
}

// announceFailure plays the short pre-recorded failure path on the
// telephony leg before hangup; the caller never gets open-ended silence.
func (s *Session) announceFailure() {
	cf := frames.NewControlFrame(s.id.StreamSID, time.Now().UnixNano(), frames.ControlFallback, nil)
	_ = s.relay.transport.Send(cf)
}

// teardown is symmetric and idempotent: whichever leg failed, the other is
// closed, the outcome is reported exactly once, and resources released. It
// runs only on the session task.
func (s *Session) teardown(reason OutcomeReason, cause error) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return
	}
	s.setState(StateClosing)
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.relay.closer != nil {
		_ = s.relay.closer.CloseStream(s.id.StreamSID)
	}
	endedAt := time.Now()
	outcome := Outcome{
		StreamSID:    s.id.StreamSID,
		CallSID:      s.id.CallSID,
		TraceID:      s.id.TraceID,
		AgentID:      s.id.AgentID,
		OutboundRef:  s.id.OutboundRef,
		Reason:       reason,
		Err:          cause,
		StartedAt:    s.startedAt,
		ActiveAt:     s.activeAt,
		EndedAt:      endedAt,
		FramesUp:     s.framesUp.Load(),
		FramesDown:   s.framesDown.Load(),
		DropsAwait:   s.dropsAwait.Load(),
		DropsOverrun: s.dropsInbox.Load() + s.dropsSend.Load() + s.dropsClosing.Load(),
	}
	if s.relay.reporter != nil {
		s.relay.reporter.Report(outcome)
	}
	s.observeClose(outcome)
	s.setState(StateClosed)
	s.relay.removeSession(s.id.StreamSID)
	close(s.done)
}

func (s *Session) observeClose(o Outcome) {
	s.log.Info("relay_session_closed",
		"reason", string(o.Reason),
		"duration_ms", o.Duration().Milliseconds(),
		"frames_up", o.FramesUp,
		"frames_down", o.FramesDown,
		"drops_await", o.DropsAwait,
		"drops_overrun", o.DropsOverrun,
	)
	s.relay.obs.RecordEvent(metricsEvent(o))
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
