package domain

// SessionPhase is the lifecycle phase of an in-flight generation session.
type SessionPhase string

const (
	PhaseIdle      SessionPhase = "idle"
	PhaseSending   SessionPhase = "sending"
	PhaseStreaming SessionPhase = "streaming"
	PhaseThinking  SessionPhase = "thinking"
	PhaseFinishing SessionPhase = "finishing"
	PhaseCompleted SessionPhase = "completed"
	PhaseCancelled SessionPhase = "cancelled"
	PhaseErrored   SessionPhase = "errored"
)

// Terminal reports whether no further phase transitions can occur.
func (p SessionPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseCancelled, PhaseErrored:
		return true
	default:
		return false
	}
}
