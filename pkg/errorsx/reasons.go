package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMTimeout     ReasonCode = "llm_timeout"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonSchedulerAuth     ReasonCode = "scheduler_auth"
	ReasonSchedulerRequest  ReasonCode = "scheduler_request"
	ReasonSchedulerDeclined ReasonCode = "scheduler_declined"

	ReasonToolUnknown    ReasonCode = "tool_unknown"
	ReasonToolValidation ReasonCode = "tool_validation"
	ReasonToolTimeout    ReasonCode = "tool_timeout"

	ReasonPersonaStore    ReasonCode = "persona_store"
	ReasonPersonaNotFound ReasonCode = "persona_not_found"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
