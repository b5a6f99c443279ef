package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonVADHealth ReasonCode = "vad_health"
	ReasonVADDetect ReasonCode = "vad_detect"

	ReasonSTTTranscribe ReasonCode = "stt_transcribe"
	ReasonTTSSynthesize ReasonCode = "tts_synthesize"

	ReasonDialogueStart   ReasonCode = "dialogue_start"
	ReasonDialogueAdvance ReasonCode = "dialogue_advance"
	ReasonDialogueEnd     ReasonCode = "dialogue_end"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
