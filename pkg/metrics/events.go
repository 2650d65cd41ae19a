package metrics

// Event names emitted by pipeline components.
const (
	EventSTTAudioIn     = "stt_audio_in"
	EventSTTTranscript  = "stt_transcript"
	EventLLMRequest     = "llm_request"
	EventLLMUsage       = "llm_usage"
	EventLLMError       = "llm_error"
	EventTTSAudioOut    = "tts_audio_out"
	EventToolDispatched = "tool_dispatched"
	EventToolResult     = "tool_result"
	EventTurnComplete   = "turn_complete"
	EventFrameIn        = "frame_in"
	EventFrameOut       = "frame_out"
	EventFrameDrop      = "frame_drop"
	EventStageLatencyUS = "stage_latency_us"
	EventRateLimit      = "rate_limit"
	EventBreakerOpen    = "breaker_open"
	EventBreakerClose   = "breaker_close"
	EventBreakerDenied  = "breaker_denied"
)
