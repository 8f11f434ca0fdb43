package transports

import (
	"context"

	"github.com/voxrelay/voxrelay/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio/control frames
// on the telephony edge. Implementations own their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// CallCloser allows the relay to hang up the telephony leg of a stream.
// Closing is idempotent; closing an unknown stream is a no-op.
type CallCloser interface {
	CloseStream(streamID string) error
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits  string
	OutboundRef string
}

// OutboundDialerWithOptions places outbound calls; the outbound reference
// in the options correlates the eventual media stream back to the
// scheduled call record.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
