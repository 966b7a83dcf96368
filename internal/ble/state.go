package ble

// State is the lifecycle state of a Machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServicesDiscovered
	Ready
	// Unsupported is terminal: the peer lacks the heart rate profile.
	Unsupported
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesDiscovered:
		return "services_discovered"
	case Ready:
		return "ready"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// hasHandle reports whether a transport handle is open in state s.
func (s State) hasHandle() bool {
	return s == Connected || s == ServicesDiscovered || s == Ready
}
