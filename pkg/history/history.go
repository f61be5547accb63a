package history

import (
	"encoding/json"
	"sync"
	"time"
)

// TurnKind identifies the variant of a conversation turn.
type TurnKind string

const (
	TurnCaller         TurnKind = "caller"
	TurnAssistant      TurnKind = "assistant"
	TurnToolInvocation TurnKind = "tool_invocation"
	TurnToolResult     TurnKind = "tool_result"
)

// Turn is one atomic unit of conversation content. Turns are appended, never
// mutated; their order is the single source of truth for what the model has
// seen.
type Turn struct {
	Kind       TurnKind
	Text       string
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	OK         bool
	Timestamp  time.Time
}

// History is the ordered, append-only record of turns within one session.
type History struct {
	mu     sync.Mutex
	system string
	turns  []Turn
}

func New(systemPrompt string) *History {
	return &History{system: systemPrompt}
}

func (h *History) AppendCaller(text string) {
	h.append(Turn{Kind: TurnCaller, Text: text})
}

// AppendAssistant records spoken assistant text. toolCallID is set when the
// utterance was produced by a reasoning pass that followed a tool result.
func (h *History) AppendAssistant(text, toolCallID string) {
	h.append(Turn{Kind: TurnAssistant, Text: text, ToolCallID: toolCallID})
}

func (h *History) AppendToolInvocation(callID, name string, args map[string]any) {
	h.append(Turn{Kind: TurnToolInvocation, ToolCallID: callID, ToolName: name, Arguments: args})
}

func (h *History) AppendToolResult(callID, name string, ok bool, payload string) {
	h.append(Turn{Kind: TurnToolResult, ToolCallID: callID, ToolName: name, OK: ok, Text: payload})
}

func (h *History) append(t Turn) {
	t.Timestamp = time.Now()
	h.mu.Lock()
	h.turns = append(h.turns, t)
	h.mu.Unlock()
}

// Turns returns a copy of the recorded turns.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Messages projects the history into chat-completion messages. Tool
// invocations become assistant messages carrying tool_calls; tool results
// become tool-role messages keyed by tool_call_id.
func (h *History) Messages() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.turns)+1)
	if h.system != "" {
		out = append(out, map[string]any{"role": "system", "content": h.system})
	}
	for _, t := range h.turns {
		switch t.Kind {
		case TurnCaller:
			out = append(out, map[string]any{"role": "user", "content": t.Text})
		case TurnAssistant:
			out = append(out, map[string]any{"role": "assistant", "content": t.Text})
		case TurnToolInvocation:
			args, err := json.Marshal(t.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			out = append(out, map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []map[string]any{
					{
						"id":   t.ToolCallID,
						"type": "function",
						"function": map[string]any{
							"name":      t.ToolName,
							"arguments": string(args),
						},
					},
				},
			})
		case TurnToolResult:
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": t.ToolCallID,
				"content":      t.Text,
			})
		}
	}
	return out
}
