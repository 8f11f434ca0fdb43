package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/frames"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/resolver"
	"github.com/voxrelay/voxrelay/pkg/transports/mock"
	"github.com/voxrelay/voxrelay/pkg/upstream"
)

// fakeUpstream is an in-process voice-AI backend speaking the upstream
// websocket protocol.
type fakeUpstream struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu     sync.Mutex
	inits  int
	audio  [][]byte
	closed chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		conns:  make(chan *websocket.Conn, 4),
		closed: make(chan struct{}, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- ws
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				f.closed <- struct{}{}
				return
			}
			var msg struct {
				Type  string `json:"type"`
				Audio *struct {
					Payload string `json:"payload"`
				} `json:"audio"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "session_init":
				f.mu.Lock()
				f.inits++
				f.mu.Unlock()
			case "audio":
				if msg.Audio == nil {
					continue
				}
				payload, err := base64.StdEncoding.DecodeString(msg.Audio.Payload)
				if err != nil {
					continue
				}
				f.mu.Lock()
				f.audio = append(f.audio, payload)
				f.mu.Unlock()
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeUpstream) audioReceived() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeUpstream) serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatalf("no upstream connection arrived")
		return nil
	}
}

type testOpener struct {
	ini   *upstream.Initiator
	wsURL string
	gate  chan struct{}
	// ignoreCancel models a dial that completes even as cancellation
	// races in, which a network round trip can always do.
	ignoreCancel bool
	err          error
	calls        atomic.Int32
}

func (o *testOpener) Open(ctx context.Context, upstreamAgentID, credential string) (*upstream.Conn, error) {
	o.calls.Add(1)
	if o.ignoreCancel {
		ctx = context.Background()
	}
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.ini.Dial(ctx, o.wsURL)
}

type stubResolver struct {
	res resolver.Resolution
	err error
}

func (s *stubResolver) Resolve(ctx context.Context, agentID string) (resolver.Resolution, error) {
	if s.err != nil {
		return resolver.Resolution{}, s.err
	}
	return s.res, nil
}

type stubReporter struct {
	outcomes   chan Outcome
	recordings chan [2]string
}

func newStubReporter() *stubReporter {
	return &stubReporter{
		outcomes:   make(chan Outcome, 4),
		recordings: make(chan [2]string, 4),
	}
}

func (s *stubReporter) Report(o Outcome) { s.outcomes <- o }

func (s *stubReporter) RecordingReady(callSID, recordingURL string) {
	s.recordings <- [2]string{callSID, recordingURL}
}

func okResolver() *stubResolver {
	return &stubResolver{res: resolver.Resolution{
		AgentID:         "agent-1",
		WorkspaceID:     "ws-1",
		UpstreamAgentID: "ua-1",
		Credential:      "secret",
	}}
}

func openerFor(f *fakeUpstream) *testOpener {
	return &testOpener{ini: upstream.NewInitiator(upstream.Config{BaseURL: f.srv.URL}), wsURL: f.wsURL()}
}

func startRelay(t *testing.T, cfg Config, res AgentResolver, opener SessionOpener) (*Relay, *mock.Transport, *stubReporter) {
	t.Helper()
	tr := mock.New()
	rep := newStubReporter()
	r := New(cfg, tr, res, opener, rep, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("relay did not drain")
		}
	})
	return r, tr, rep
}

func pushCallStart(tr *mock.Transport, streamID, callSID string) {
	meta := map[string]string{
		frames.MetaCallSID: callSID,
		frames.MetaAgentID: "agent-1",
	}
	tr.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
}

func waitSession(t *testing.T, r *Relay, streamID string) *Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := r.session(streamID); s != nil {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never appeared", streamID)
	return nil
}

func waitActive(t *testing.T, r *Relay, streamID string) *Session {
	t.Helper()
	sess := waitSession(t, r, streamID)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == StateActive {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never became active, state %s", streamID, sess.State())
	return nil
}

func waitOutcome(t *testing.T, rep *stubReporter) Outcome {
	t.Helper()
	select {
	case o := <-rep.outcomes:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("no outcome reported")
		return Outcome{}
	}
}

func TestSessionForwardsAudioInOrder(t *testing.T) {
	f := newFakeUpstream(t)
	r, tr, rep := startRelay(t, Config{}, okResolver(), openerFor(f))

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")

	const n = 100
	for i := 0; i < n; i++ {
		tr.Push(frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{byte(i)}, 8000, 1, nil))
	}
	tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "completed",
	}))

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeCompleted {
		t.Fatalf("expected completed, got %q (%v)", outcome.Reason, outcome.Err)
	}
	if outcome.FramesUp != n {
		t.Fatalf("expected %d frames forwarded, got %d", n, outcome.FramesUp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.audioReceived()) < n {
		time.Sleep(5 * time.Millisecond)
	}
	got := f.audioReceived()
	if len(got) != n {
		t.Fatalf("expected %d audio payloads upstream, got %d", n, len(got))
	}
	for i, payload := range got {
		if len(payload) != 1 || payload[0] != byte(i) {
			t.Fatalf("audio out of order at %d: got %v", i, payload)
		}
	}
	if streams := tr.ClosedStreams(); len(streams) != 1 || streams[0] != "stream-1" {
		t.Fatalf("expected stream-1 to be hung up, got %v", streams)
	}
}

func TestAudioBeforeActiveIsDroppedNotBuffered(t *testing.T) {
	f := newFakeUpstream(t)
	opener := openerFor(f)
	opener.gate = make(chan struct{})
	r, tr, rep := startRelay(t, Config{}, okResolver(), opener)

	pushCallStart(tr, "stream-1", "CA1")
	sess := waitSession(t, r, "stream-1")

	for i := 0; i < 5; i++ {
		tr.Push(frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{byte(i)}, 8000, 1, nil))
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.dropsAwait.Load() < 5 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := sess.dropsAwait.Load(); got != 5 {
		t.Fatalf("expected 5 dropped frames, got %d", got)
	}

	close(opener.gate)
	waitActive(t, r, "stream-1")
	tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "completed",
	}))

	outcome := waitOutcome(t, rep)
	if outcome.FramesUp != 0 {
		t.Fatalf("expected no forwarded frames, got %d", outcome.FramesUp)
	}
	if outcome.DropsAwait != 5 {
		t.Fatalf("expected 5 drops while awaiting, got %d", outcome.DropsAwait)
	}
	if got := f.audioReceived(); len(got) != 0 {
		t.Fatalf("pre-active audio must not reach upstream, got %d payloads", len(got))
	}
}

func TestUpstreamReadyAfterTeardownClosesConnection(t *testing.T) {
	f := newFakeUpstream(t)
	opener := openerFor(f)
	opener.gate = make(chan struct{})
	opener.ignoreCancel = true
	r, tr, rep := startRelay(t, Config{}, okResolver(), opener)

	pushCallStart(tr, "stream-1", "CA1")
	waitSession(t, r, "stream-1")

	// Downstream hangs up while the dial is still in flight.
	tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "completed",
	}))
	waitOutcome(t, rep)

	// The dial now completes against a dead session; the connection must
	// still be closed rather than left open with a live read loop.
	close(opener.gate)
	f.serverConn(t)
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection opened after teardown was never closed")
	}
}

func TestUpstreamConversationEndedClosesDownstream(t *testing.T) {
	f := newFakeUpstream(t)
	r, tr, rep := startRelay(t, Config{}, okResolver(), openerFor(f))

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")

	ws := f.serverConn(t)
	if err := ws.WriteJSON(map[string]any{"type": "conversation_ended"}); err != nil {
		t.Fatalf("write conversation_ended: %v", err)
	}

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeCompleted {
		t.Fatalf("expected completed, got %q", outcome.Reason)
	}
	if streams := tr.ClosedStreams(); len(streams) != 1 || streams[0] != "stream-1" {
		t.Fatalf("expected stream-1 to be hung up, got %v", streams)
	}
	select {
	case o := <-rep.outcomes:
		t.Fatalf("expected exactly one outcome, got extra %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpstreamAudioAndInterruptionReachDownstream(t *testing.T) {
	f := newFakeUpstream(t)
	r, tr, _ := startRelay(t, Config{}, okResolver(), openerFor(f))

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")

	ws := f.serverConn(t)
	if err := ws.WriteJSON(map[string]any{
		"type":  "audio",
		"audio": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0x42})},
	}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := ws.WriteJSON(map[string]any{"type": "interruption"}); err != nil {
		t.Fatalf("write interruption: %v", err)
	}

	var sawAudio, sawClear bool
	deadline := time.After(2 * time.Second)
	for !sawAudio || !sawClear {
		select {
		case frame := <-tr.Sent():
			switch fr := frame.(type) {
			case frames.AudioFrame:
				if fr.Meta()[frames.MetaStreamID] != "stream-1" {
					t.Fatalf("audio for wrong stream: %v", fr.Meta())
				}
				if string(fr.RawPayload()) != "\x42" {
					t.Fatalf("unexpected payload %v", fr.RawPayload())
				}
				sawAudio = true
			case frames.ControlFrame:
				if fr.Code() == frames.ControlClear {
					sawClear = true
				}
			}
		case <-deadline:
			t.Fatalf("missing downstream frames: audio=%v clear=%v", sawAudio, sawClear)
		}
	}
}

func TestResolutionFailureFailsFastWithoutUpstreamDial(t *testing.T) {
	f := newFakeUpstream(t)
	opener := openerFor(f)
	res := &stubResolver{err: errorsx.Wrap(errors.New("agent has no upstream agent id"), errorsx.ReasonAgentNotConfigured)}
	_, tr, rep := startRelay(t, Config{}, res, opener)

	pushCallStart(tr, "stream-1", "CA1")

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeNeverConnected {
		t.Fatalf("expected never_connected, got %q", outcome.Reason)
	}
	if !errorsx.HasReason(outcome.Err, errorsx.ReasonAgentNotConfigured) {
		t.Fatalf("expected agent_not_configured, got %q", errorsx.Reason(outcome.Err))
	}
	if opener.calls.Load() != 0 {
		t.Fatalf("upstream must not be dialed on resolution failure")
	}
	if outcome.Duration() != 0 {
		t.Fatalf("never-connected session must have zero duration, got %v", outcome.Duration())
	}

	var sawFallback bool
	deadline := time.After(2 * time.Second)
	for !sawFallback {
		select {
		case frame := <-tr.Sent():
			if cf, ok := frame.(frames.ControlFrame); ok && cf.Code() == frames.ControlFallback {
				sawFallback = true
			}
		case <-deadline:
			t.Fatalf("expected audible failure before hangup")
		}
	}
	if streams := tr.ClosedStreams(); len(streams) != 1 || streams[0] != "stream-1" {
		t.Fatalf("expected stream-1 to be hung up, got %v", streams)
	}
}

func TestReadyTimeoutFailsFast(t *testing.T) {
	f := newFakeUpstream(t)
	opener := openerFor(f)
	opener.gate = make(chan struct{}) // never released
	_, tr, rep := startRelay(t, Config{ReadyTimeout: 50 * time.Millisecond}, okResolver(), opener)

	pushCallStart(tr, "stream-1", "CA1")

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeNeverConnected {
		t.Fatalf("expected never_connected, got %q", outcome.Reason)
	}
	if !errorsx.HasReason(outcome.Err, errorsx.ReasonUpstreamTimeout) {
		t.Fatalf("expected upstream_timeout, got %q", errorsx.Reason(outcome.Err))
	}
	if streams := tr.ClosedStreams(); len(streams) != 1 || streams[0] != "stream-1" {
		t.Fatalf("expected stream-1 to be hung up, got %v", streams)
	}
}

func TestDownstreamEndClosesUpstream(t *testing.T) {
	f := newFakeUpstream(t)
	r, tr, rep := startRelay(t, Config{}, okResolver(), openerFor(f))

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")

	tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "failed",
	}))

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeDownstreamError {
		t.Fatalf("expected downstream_error, got %q", outcome.Reason)
	}
	if !errorsx.HasReason(outcome.Err, errorsx.ReasonDownstreamClosed) {
		t.Fatalf("expected downstream_closed, got %q", errorsx.Reason(outcome.Err))
	}
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected upstream connection to close")
	}
}

func TestMalformedFrameStreakTearsDown(t *testing.T) {
	f := newFakeUpstream(t)
	r, tr, rep := startRelay(t, Config{MalformedLimit: 3}, okResolver(), openerFor(f))

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")

	for i := 0; i < 3; i++ {
		tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "malformed_frame", nil))
	}

	outcome := waitOutcome(t, rep)
	if outcome.Reason != OutcomeDownstreamError {
		t.Fatalf("expected downstream_error, got %q", outcome.Reason)
	}
	if !errorsx.HasReason(outcome.Err, errorsx.ReasonMalformedFrame) {
		t.Fatalf("expected malformed_frame, got %q", errorsx.Reason(outcome.Err))
	}
}

func TestSessionCloseEmitsMetricsEvent(t *testing.T) {
	f := newFakeUpstream(t)
	tr := mock.New()
	rep := newStubReporter()
	obs := metrics.NewMemoryObserver()
	r := New(Config{}, tr, okResolver(), openerFor(f), rep, obs)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pushCallStart(tr, "stream-1", "CA1")
	waitActive(t, r, "stream-1")
	tr.Push(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "completed",
	}))
	waitOutcome(t, rep)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(obs.Events()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	events := obs.Events()
	if len(events) != 1 {
		t.Fatalf("expected one metrics event, got %d", len(events))
	}
	if events[0].Name != "relay_session_closed" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}
	if events[0].Tags["reason"] != "completed" || events[0].Tags["agent_id"] != "agent-1" {
		t.Fatalf("unexpected tags %v", events[0].Tags)
	}
}

func TestRecordingReadyRoutedToReporter(t *testing.T) {
	f := newFakeUpstream(t)
	_, tr, rep := startRelay(t, Config{}, okResolver(), openerFor(f))

	tr.Push(frames.NewSystemFrame("", time.Now().UnixNano(), "recording_ready", map[string]string{
		frames.MetaCallSID:      "CA9",
		frames.MetaRecordingURL: "https://recordings/RE9",
	}))

	select {
	case rec := <-rep.recordings:
		if rec[0] != "CA9" || rec[1] != "https://recordings/RE9" {
			t.Fatalf("unexpected recording %v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected recording to reach reporter")
	}
}
