package kernel

// State is the lifecycle position of a Handle.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateClientReady
	StateBootstrapped
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateClientReady:
		return "client_ready"
	case StateBootstrapped:
		return "bootstrapped"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode selects the access regime of a caller.
type Mode int

const (
	// ModeBlocking callers block their goroutine on every step.
	ModeBlocking Mode = iota
	// ModeCooperative callers may abandon any wait through their context.
	ModeCooperative
)

func (m Mode) String() string {
	if m == ModeCooperative {
		return "cooperative"
	}
	return "blocking"
}

// BootstrapOutcome summarizes the one-time setup of a handle.
type BootstrapOutcome string

const (
	BootstrapPending BootstrapOutcome = "pending"
	BootstrapSuccess BootstrapOutcome = "success"
	BootstrapPartial BootstrapOutcome = "partial"
	BootstrapFailed  BootstrapOutcome = "failed"
	BootstrapSkipped BootstrapOutcome = "skipped"
)
