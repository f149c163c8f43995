package stream

// Phase is the lifecycle state of the controller's current turn.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseConnecting      Phase = "connecting"
	PhaseStreaming       Phase = "streaming"
	PhaseFinalizing      Phase = "finalizing"
	PhaseErrorDetected   Phase = "error_detected"
	PhaseReconnecting    Phase = "reconnecting"
	PhaseFallbackInvoked Phase = "fallback_invoked"
	PhaseCancelled       Phase = "cancelled"
)
