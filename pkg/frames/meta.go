package frames

// Well-known meta keys carried on frames across the pipeline.
const (
	MetaSessionID   = "session_id"
	MetaRoom        = "room"
	MetaParticipant = "participant"
	MetaTraceID     = "trace_id"
	MetaSource      = "source"
	MetaReason      = "reason"
	MetaIsFinal     = "is_final"
	MetaLanguage    = "language"
	MetaPreemptive  = "preemptive"
	MetaTTSFlush    = "tts_flush"
	MetaGreeting    = "greeting_text"

	MetaEncoding     = "encoding"
	MetaFormat       = "format"
	MetaEndReason    = "end_reason"
	MetaOldSessionID = "old_session_id"

	MetaToolCallID  = "tool_call_id"
	MetaToolName    = "tool_name"
	MetaToolArgs    = "tool_args"
	MetaToolResult  = "tool_result"
	MetaToolStatus  = "tool_status"
	MetaToolError   = "tool_error"
	MetaIdempotency = "idempotency_key"
)
