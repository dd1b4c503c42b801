package assets

// State is where a Loadable is in its single transition.
type State int

const (
	StateLoading State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether s is final.
func (s State) Settled() bool {
	return s == StateReady || s == StateFailed
}
