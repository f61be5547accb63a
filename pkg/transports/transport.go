package transports

import (
	"context"

	"github.com/sanavoice/sana/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio and control
// frames. Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(ctx context.Context, f frames.Frame) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter lets transports expose readiness metadata such as webhook
// URLs, used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
