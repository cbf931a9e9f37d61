package replication

// DocState enumerates the per-document replica-side states of state machine.
type DocState int

const (
	NotTracked DocState = iota
	Subscribing
	Synced
	Disconnected
	Resyncing
)

func (s DocState) String() string {
	switch s {
	case NotTracked:
		return "NotTracked"
	case Subscribing:
		return "Subscribing"
	case Synced:
		return "Synced"
	case Disconnected:
		return "Disconnected"
	case Resyncing:
		return "Resyncing"
	default:
		return "Unknown"
	}
}

// transitions encodes the diagram in as an explicit table
// ("await-heavy control flow → explicit state machines"). Local
// mutation and remote-delta self-loops on Synced are handled separately
// in the engine since they don't change state.
var transitions = map[DocState]map[string]DocState{
	NotTracked: {
		"subscribe": Subscribing,
	},
	Subscribing: {
		"syncResponse": Synced,
		"unsubscribe":  NotTracked,
	},
	Synced: {
		"disconnect":  Disconnected,
		"unsubscribe": NotTracked,
	},
	Disconnected: {
		"reconnect": Resyncing,
	},
	Resyncing: {
		"syncResponse": Synced,
		"disconnect":   Disconnected,
	},
}

// Transition returns the next state for (from, event), and whether that
// transition is defined. An undefined transition is a no-op for the
// caller, not a panic — protocol messages arriving in an unexpected state
// (e.g. a duplicate SyncResponse) are tolerated per 's
// idempotence guarantees.
func Transition(from DocState, event string) (DocState, bool) {
	next, ok := transitions[from][event]
	return next, ok
}
