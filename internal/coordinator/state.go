package coordinator

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateEnumerating
	StateHosting
	StateJoining
	StateActive
	StateDisconnected
	StateChangingLevel
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateHosting:
		return "hosting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateChangingLevel:
		return "changing_level"
	default:
		return "unknown"
	}
}

// Role is the part this process plays in the current session.
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
	RoleDemo
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	case RoleDemo:
		return "demo"
	default:
		return "none"
	}
}
