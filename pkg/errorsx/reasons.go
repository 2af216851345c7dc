package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonIdentityNotFound ReasonCode = "identity_not_found"
	ReasonIdentityLookup   ReasonCode = "identity_lookup"
	ReasonContextLoad      ReasonCode = "context_load"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTStream    ReasonCode = "stt_stream"
	ReasonSTTTerminate ReasonCode = "stt_terminate"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSStream    ReasonCode = "tts_stream"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"
	ReasonLLMDecode      ReasonCode = "llm_decode"

	ReasonTransportSend      ReasonCode = "transport_send"
	ReasonTransportMalformed ReasonCode = "transport_malformed"
)
