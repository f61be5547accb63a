package history

import (
	"testing"
)

func TestTurnsAccumulateInOrder(t *testing.T) {
	h := New("you are a receptionist")
	h.AppendCaller("hi, I'd like a cleaning")
	h.AppendToolInvocation("call-1", "get_available_slots", map[string]any{"days_ahead": 3})
	h.AppendToolResult("call-1", "get_available_slots", true, "On Monday I have 2 PM")
	h.AppendAssistant("I have Monday at 2 PM, does that work?", "call-1")

	turns := h.Turns()
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	want := []TurnKind{TurnCaller, TurnToolInvocation, TurnToolResult, TurnAssistant}
	for i, k := range want {
		if turns[i].Kind != k {
			t.Fatalf("turn %d: expected %s, got %s", i, k, turns[i].Kind)
		}
	}
}

func TestTurnsCopyIsIndependent(t *testing.T) {
	h := New("")
	h.AppendCaller("hello")
	turns := h.Turns()
	turns[0].Text = "mutated"
	if h.Turns()[0].Text != "hello" {
		t.Fatalf("history must not observe mutations of returned copies")
	}
}

func TestMessagesProjection(t *testing.T) {
	h := New("system prompt")
	h.AppendCaller("any openings tomorrow?")
	h.AppendToolInvocation("call-1", "get_available_slots", map[string]any{"days_ahead": 1})
	h.AppendToolResult("call-1", "get_available_slots", true, "On Tuesday I have 10 AM")
	h.AppendAssistant("Tuesday at 10 AM is open.", "call-1")

	msgs := h.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages including system, got %d", len(msgs))
	}
	if msgs[0]["role"] != "system" {
		t.Fatalf("first message must be the system prompt")
	}
	if msgs[2]["tool_calls"] == nil {
		t.Fatalf("tool invocation must project tool_calls")
	}
	if msgs[3]["role"] != "tool" || msgs[3]["tool_call_id"] != "call-1" {
		t.Fatalf("tool result must project as tool role with call id, got %v", msgs[3])
	}
}

func TestMessagesOmitEmptySystem(t *testing.T) {
	h := New("")
	h.AppendCaller("hello")
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0]["role"] != "user" {
		t.Fatalf("expected only the user message, got %v", msgs)
	}
}
