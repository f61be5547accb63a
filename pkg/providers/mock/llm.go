package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sanavoice/sana/pkg/llm"
)

// LLM is a scriptable reasoning adapter. Responses are consumed in order;
// once the script runs out, Generate returns the Fallback response.
type LLM struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, input llm.Context) (llm.Response, error)
	inputs   []llm.Context
	Fallback llm.Response

	inflight int32
	maxSeen  int32
}

func NewLLM() *LLM {
	return &LLM{Fallback: llm.Response{Text: "Is there anything else I can help with?"}}
}

func (m *LLM) Name() string { return "mock-llm" }

// Respond queues a fixed response.
func (m *LLM) Respond(resp llm.Response, err error) {
	m.RespondWith(func(context.Context, llm.Context) (llm.Response, error) {
		return resp, err
	})
}

// RespondWith queues a response computed from the input.
func (m *LLM) RespondWith(fn func(ctx context.Context, input llm.Context) (llm.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
}

func (m *LLM) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	n := atomic.AddInt32(&m.inflight, 1)
	for {
		peak := atomic.LoadInt32(&m.maxSeen)
		if n <= peak || atomic.CompareAndSwapInt32(&m.maxSeen, peak, n) {
			break
		}
	}
	defer atomic.AddInt32(&m.inflight, -1)

	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	var fn func(context.Context, llm.Context) (llm.Response, error)
	if len(m.script) > 0 {
		fn = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if fn == nil {
		return m.Fallback, nil
	}
	return fn(ctx, input)
}

// Calls reports how many Generate calls were made.
func (m *LLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Inputs returns the recorded Generate inputs.
func (m *LLM) Inputs() []llm.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Context(nil), m.inputs...)
}

// MaxConcurrent reports the highest number of Generate calls in flight at
// once.
func (m *LLM) MaxConcurrent() int {
	return int(atomic.LoadInt32(&m.maxSeen))
}
