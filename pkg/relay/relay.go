package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/frames"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/metrics"
	"github.com/voxrelay/voxrelay/pkg/resolver"
	"github.com/voxrelay/voxrelay/pkg/transports"
	"github.com/voxrelay/voxrelay/pkg/upstream"
)

type Config struct {
	// ReadyTimeout bounds how long a caller waits for the upstream leg to
	// become ready before the session fails fast.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// InboxBuffer is the per-session event buffer. Audio frames that
	// overflow it are dropped, never queued unboundedly.
	InboxBuffer int `mapstructure:"inbox_buffer"`
	// MalformedLimit is the number of consecutive unparseable downstream
	// frames after which the session is torn down.
	MalformedLimit int `mapstructure:"malformed_limit"`
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 8 * time.Second
	}
	if c.InboxBuffer <= 0 {
		c.InboxBuffer = 1024
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 25
	}
	return c
}

// SessionOpener negotiates and opens the upstream leg for one call.
type SessionOpener interface {
	Open(ctx context.Context, upstreamAgentID, credential string) (*upstream.Conn, error)
}

// AgentResolver resolves an agent id to upstream identity and credential.
type AgentResolver interface {
	Resolve(ctx context.Context, agentID string) (resolver.Resolution, error)
}

// Reporter consumes each session's final outcome exactly once.
type Reporter interface {
	Report(Outcome)
}

// Relay bridges telephony media streams and the voice-AI backend, one
// session per live call. Sessions share nothing but the read-only resolver.
type Relay struct {
	cfg       Config
	transport transports.Transport
	closer    transports.CallCloser
	resolver  AgentResolver
	opener    SessionOpener
	reporter  Reporter
	obs       metrics.Observer
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, transport transports.Transport, res AgentResolver, opener SessionOpener, reporter Reporter, obs metrics.Observer) *Relay {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	closer, _ := transport.(transports.CallCloser)
	return &Relay{
		cfg:       cfg,
		transport: transport,
		closer:    closer,
		resolver:  res,
		opener:    opener,
		reporter:  reporter,
		obs:       obs,
		log:       logging.NewComponentLogger(slog.Default(), "relay"),
		sessions:  make(map[string]*Session),
	}
}

// Run consumes transport frames until the context is cancelled or the
// transport's receive channel closes. It owns session creation and routing;
// each session runs its own goroutine.
func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	defer r.drain()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case f, ok := <-r.transport.Recv():
			if !ok {
				return nil
			}
			r.route(f)
		}
	}
}

// Stop cancels all live sessions and the run loop.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Relay) route(f frames.Frame) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]

	if f.Kind() == frames.KindSystem {
		sys := f.(frames.SystemFrame)
		switch sys.Name() {
		case "call_start":
			r.startSession(sys)
			return
		case "recording_ready":
			// May arrive after the session is gone; goes straight to the
			// reporter keyed by call SID.
			if rr, ok := r.reporter.(RecordingReporter); ok {
				rr.RecordingReady(meta[frames.MetaCallSID], meta[frames.MetaRecordingURL])
			}
			return
		case "call_reconnect":
			r.log.Info("relay_stream_reconnect",
				"stream_id", streamID,
				"old_stream_id", meta[frames.MetaOldStreamID],
			)
			return
		}
	}

	sess := r.session(streamID)
	if sess == nil {
		return
	}
	sess.deliver(f)
}

func (r *Relay) startSession(sys frames.SystemFrame) {
	meta := sys.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	r.mu.Lock()
	if _, exists := r.sessions[streamID]; exists {
		r.mu.Unlock()
		return
	}
	sess := newSession(r, sessionIdentity{
		StreamSID:   streamID,
		CallSID:     meta[frames.MetaCallSID],
		TraceID:     meta[frames.MetaTraceID],
		AgentID:     meta[frames.MetaAgentID],
		From:        meta[frames.MetaFromNumber],
		OutboundRef: meta[frames.MetaOutboundRef],
	})
	r.sessions[streamID] = sess
	r.mu.Unlock()
	go sess.run(r.ctx)
}

func (r *Relay) session(streamID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[streamID]
}

func (r *Relay) removeSession(streamID string) {
	r.mu.Lock()
	delete(r.sessions, streamID)
	r.mu.Unlock()
}

func (r *Relay) drain() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()
	for _, s := range live {
		s.shutdown("draining")
	}
	for _, s := range live {
		<-s.done
	}
}

// RecordingReporter is implemented by reporters that patch recording URLs
// onto already-terminal call records.
type RecordingReporter interface {
	RecordingReady(callSID, recordingURL string)
}
