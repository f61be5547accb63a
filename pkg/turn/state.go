package turn

type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateReasoning
	StateToolDispatch
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateReasoning:
		return "REASONING"
	case StateToolDispatch:
		return "TOOL_DISPATCH"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Busy reports whether the session is mid-pipeline for a caller turn: exactly
// one of these may be active at a time per session.
func (s State) Busy() bool {
	switch s {
	case StateTranscribing, StateReasoning, StateToolDispatch, StateSpeaking:
		return true
	default:
		return false
	}
}
