package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/frames"
	"github.com/voxrelay/voxrelay/pkg/transports"
)

type Config struct {
	ServerAddr            string   `mapstructure:"server_addr"`
	PublicURL             string   `mapstructure:"public_url"`
	AuthToken             string   `mapstructure:"auth_token"`
	AccountSID            string   `mapstructure:"account_sid"`
	AgentID               string   `mapstructure:"agent_id"`
	VoicePath             string   `mapstructure:"voice_path"`
	WebsocketPath         string   `mapstructure:"ws_path"`
	StatusCallbackPath    string   `mapstructure:"status_callback_path"`
	RecordingCallbackPath string   `mapstructure:"recording_callback_path"`
	FailureAnnouncement   string   `mapstructure:"failure_announcement"`
	RecordCalls           bool     `mapstructure:"record_calls"`
	AllowAnyOrigin        bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.RecordingCallbackPath == "" {
		c.RecordingCallbackPath = "/recording"
	}
	if c.FailureAnnouncement == "" {
		c.FailureAnnouncement = "We are unable to connect your call right now. Please try again later."
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Preflight is consulted before a call is connected to the media stream.
// A non-nil error rejects the call with the spoken failure announcement.
type Preflight func(ctx context.Context, agentID string) error

type Transport struct {
	cfg       Config
	server    *http.Server
	upgrader  websocket.Upgrader
	recvCh    chan frames.Frame
	preflight Preflight
	pts       *frames.PTSGen

	updateClient callUpdater

	mu          sync.Mutex
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	fromNumbers map[string]string
	agentIDs    map[string]string
	outRefs     map[string]string

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recvCh:      make(chan frames.Frame, 512),
		pts:         frames.NewPTSGen(),
		sessions:    make(map[string]*session),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
		agentIDs:    make(map[string]string),
		outRefs:     make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// SetPreflight installs the pre-call configuration check.
func (t *Transport) SetPreflight(fn Preflight) { t.preflight = fn }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.callbackURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc(t.cfg.RecordingCallbackPath, t.handleRecordingCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP handles the Twilio media-stream websocket. Non-upgrade requests
// fail the handshake and are rejected by the upgrader.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = "transport"
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "malformed_frame", meta))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			callSID := evt.Start.CallSID
			traceID := uuid.NewString()
			agentID := evt.Start.CustomParameters["agent_id"]
			if agentID == "" {
				agentID = t.cfg.AgentID
			}
			outRef := evt.Start.CustomParameters["outbound_ref"]
			oldStream, oldSess := t.attach(streamID, callSID, traceID, evt.Start.From, agentID, outRef, conn)
			if oldSess != nil {
				_ = oldSess.close()
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = "transport"
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
			if oldStream != "" {
				reconnectMeta := t.metaForStream(streamID)
				reconnectMeta[frames.MetaOldStreamID] = oldStream
				reconnectMeta[frames.MetaSource] = "transport"
				nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reconnectMeta))
			}
		case "media":
			if evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				meta := t.metaForStream(streamID)
				nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "malformed_frame", meta))
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
			meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
			// Pooled: the relay releases the buffer once the payload has
			// been handed to the backend leg.
			af := frames.NewAudioFrameFromPool(streamID, t.pts.Next(streamID), payload, 8000, 1, meta)
			nonBlockingSend(t.recvCh, af)
		case "mark":
			meta := t.metaForStream(streamID)
			if evt.Mark != nil {
				meta[frames.MetaMarkName] = evt.Mark.Name
			}
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, meta))
		case "dtmf":
			if evt.DTMF == nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaDTMFDigit] = evt.DTMF.Digit
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
		case "stop":
			meta := t.metaForStream(streamID)
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			meta[frames.MetaCallEndReason] = reason
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendFallback(streamID)
		case frames.ControlClear:
			return t.clearBuffer(streamID)
		default:
			return nil
		}
	}
	if f.Kind() != frames.KindAudio {
		return nil
	}
	af := f.(frames.AudioFrame)
	streamID := af.Meta()[frames.MetaStreamID]
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	payload := base64.StdEncoding.EncodeToString(af.RawPayload())
	msg := map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": payload,
		},
	}
	return sess.enqueue(msg)
}

// CloseStream hangs up the telephony leg of the given stream. The websocket
// is closed immediately; when REST credentials are configured the call
// itself is also completed so the caller is not left on a dead stream.
func (t *Transport) CloseStream(streamID string) error {
	t.mu.Lock()
	callSID := t.callSIDs[streamID]
	t.mu.Unlock()
	t.detach(streamID)
	updater := t.restUpdater()
	if callSID == "" || updater == nil {
		return nil
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

// restUpdater returns the REST client for in-flight call updates, or nil
// when no credentials are configured.
func (t *Transport) restUpdater() callUpdater {
	if t.updateClient != nil {
		return t.updateClient
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	})
	return rest.Api
}

// DialWithOptions places an outbound call with optional settings.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	dialer := NewDialer(t.cfg)
	return dialer.DialWithOptions(ctx, to, from, url, opts)
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = t.cfg.AgentID
	}
	outRef := r.URL.Query().Get("outbound_ref")
	if t.preflight != nil {
		if err := t.preflight(r.Context(), agentID); err != nil {
			reason := errorsx.Reason(err)
			if errorsx.IsConfigReason(reason) {
				// Misconfiguration never heals mid-call: speak the
				// announcement and hang up instead of opening a stream.
				slog.Warn("twilio_call_rejected",
					"agent_id", agentID,
					"reason_code", string(reason),
				)
				t.writeRejectTwiml(w)
				return
			}
			// Transient lookup failures fall through to the stream: the
			// in-call resolution gets a fresh attempt and its own
			// announcement path if it fails too.
			slog.Warn("twilio_preflight_degraded",
				"agent_id", agentID,
				"reason_code", string(reason),
			)
		}
	}
	wsURL := t.websocketURL(r)
	var params string
	if agentID != "" {
		params += `<Parameter name="agent_id" value="` + xmlEscape(agentID) + `"/>`
	}
	if outRef != "" {
		params += `<Parameter name="outbound_ref" value="` + xmlEscape(outRef) + `"/>`
	}
	twiml := `<Response><Connect><Stream url="` + wsURL + `">` + params + `</Stream></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) writeRejectTwiml(w http.ResponseWriter) {
	say := xmlEscape(t.cfg.FailureAnnouncement)
	twiml := `<Response><Say>` + say + `</Say><Hangup/></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	reason := normalizeCallEndReason(status)
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

// handleRecordingCallback receives the provider's asynchronous
// recording-status callback, which may arrive after the stream has ended.
// The frame carries the call SID so the reporter can patch the terminal row.
func (t *Transport) handleRecordingCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_recording_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	recordingURL := r.FormValue("RecordingUrl")
	status := r.FormValue("RecordingStatus")
	if callSID == "" || recordingURL == "" || (status != "" && status != "completed") {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := map[string]string{
		frames.MetaCallSID:      callSID,
		frames.MetaRecordingURL: recordingURL,
		frames.MetaSource:       "transport",
	}
	nonBlockingSend(t.recvCh, frames.NewSystemFrame("", time.Now().UnixNano(), "recording_ready", meta))
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.callbackURL(t.cfg.VoicePath)
}

func (t *Transport) callbackURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) attach(streamID, callSID, traceID, from, agentID, outRef string, conn *websocket.Conn) (string, *session) {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.fromNumbers, existing)
			delete(t.agentIDs, existing)
			delete(t.outRefs, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.sessions[streamID] = sess
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	if from != "" {
		t.fromNumbers[streamID] = from
	}
	if agentID != "" {
		t.agentIDs[streamID] = agentID
	}
	if outRef != "" {
		t.outRefs[streamID] = outRef
	}
	t.mu.Unlock()
	go sess.loop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	delete(t.agentIDs, streamID)
	delete(t.outRefs, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	t.pts.Forget(streamID)
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	if v := t.agentIDs[streamID]; v != "" {
		meta[frames.MetaAgentID] = v
	}
	if v := t.outRefs[streamID]; v != "" {
		meta[frames.MetaOutboundRef] = v
	}
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	msg := map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	}
	return sess.enqueue(msg)
}

// sendFallback speaks the failure announcement on the live call. The media
// stream cannot carry text, so the call is redirected to <Say> TwiML over
// REST. Without REST credentials the stream gets a short silence tail
// instead, so the caller is not cut off mid-sample.
func (t *Transport) sendFallback(streamID string) error {
	t.mu.Lock()
	callSID := t.callSIDs[streamID]
	t.mu.Unlock()
	if updater := t.restUpdater(); updater != nil && callSID != "" {
		twiml := `<?xml version="1.0" encoding="UTF-8"?><Response><Say>` +
			xmlEscape(t.cfg.FailureAnnouncement) + `</Say><Hangup/></Response>`
		params := &api.UpdateCallParams{}
		params.SetTwiml(twiml)
		_, err := updater.UpdateCall(callSID, params)
		return err
	}
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		payload := base64.StdEncoding.EncodeToString(chunk)
		msg := map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": payload,
			},
		}
		_ = sess.enqueue(msg)
	}
	return nil
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

// enqueue drops the message when the send buffer is full: stale audio is
// worse than a gap for a live caller.
func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

type StreamStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamDTMF struct {
	Digit string `json:"digit"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Mark  *StreamMark  `json:"mark,omitempty"`
	DTMF  *StreamDTMF  `json:"dtmf,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		return v[8:]
	}
	if len(v) >= 7 && v[:7] == "http://" {
		return v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

var fallbackMuLawOnce sync.Once
var fallbackMuLaw [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
