package orchestrator

// State is where a room's sandbox is in its lifecycle.
type State int

const (
	Idle State = iota
	Mounting
	Installing
	Starting
	Running
	Exited
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Mounting:
		return "mounting"
	case Installing:
		return "installing"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// busy reports whether an operation is between its first and last step.
func (s State) busy() bool {
	return s == Mounting || s == Installing || s == Starting
}
