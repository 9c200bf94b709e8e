package session

// State is the lifecycle of the controller's active session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	// StateSwitching is held only while an interval or symbol switch tears down the old session.
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateSwitching:
		return "switching"
	default:
		return "idle"
	}
}
