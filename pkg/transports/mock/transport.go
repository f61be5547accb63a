package mock

import (
	"context"
	"sync"

	"github.com/sanavoice/sana/pkg/frames"
	"github.com/sanavoice/sana/pkg/transports"
)

// Transport is an in-memory transport for tests. Inbound frames are injected
// with Inject; everything the engine sends is recorded.
type Transport struct {
	mu      sync.Mutex
	recvCh  chan frames.Frame
	sent    []frames.Frame
	started bool
	stopped bool
}

func New() *Transport {
	return &Transport{recvCh: make(chan frames.Frame, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.recvCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(_ context.Context, f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return nil
}

// Inject delivers a frame as if it arrived from the network.
func (t *Transport) Inject(f frames.Frame) {
	t.recvCh <- f
}

// Sent returns everything the engine has written to the transport.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

// Started reports whether Start was called.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

var _ transports.Transport = (*Transport)(nil)
