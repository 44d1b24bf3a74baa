package ws

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateAlive
	StateProbing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateAlive:
		return "alive"
	case StateProbing:
		return "probing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
