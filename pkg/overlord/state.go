package overlord

// State is the overlord lifecycle state. Transitions only move forward:
// Starting → Running → Draining → Stopped.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
