package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voxrelay/voxrelay/pkg/frames"
)

// Transport is an in-memory telephony edge for tests. It implements the
// transports.Transport and transports.CallCloser interfaces without any
// network dependency.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool

	mu            sync.Mutex
	closedStreams []string
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.recvCh)
		close(t.sentCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// CloseStream records relay-initiated hangups for inspection.
func (t *Transport) CloseStream(streamID string) error {
	t.mu.Lock()
	t.closedStreams = append(t.closedStreams, streamID)
	t.mu.Unlock()
	return nil
}

// ClosedStreams returns the streams the relay asked to hang up.
func (t *Transport) ClosedStreams() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.closedStreams...)
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }
