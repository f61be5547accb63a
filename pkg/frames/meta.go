package frames

// Metadata keys attached to frames as they cross package boundaries.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaTenantID      = "tenant_id"
	MetaFromNumber    = "from_number"
	MetaSource        = "source"
	MetaIsFinal       = "is_final"
	MetaReason        = "reason"
	MetaEncoding      = "encoding"
	MetaCodec         = "codec"
	MetaCallEndReason = "call_end_reason"
)
