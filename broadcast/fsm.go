package broadcast

// State is one of the Streaming Client's finite states. StateStopped is
// the machine's initial state.
type State string

const (
	StateStopped        State = "stopped"
	StateConnecting     State = "connecting"
	StateConnectingErr  State = "connecting.error"
	StateConnected      State = "connected"
	StateStarted        State = "started"
	StateStartedWaiting State = "started.waiting"
	StateStartedReady   State = "started.ready"
	StateRestart        State = "restart"
	StateClosing        State = "closing"
)

// validNext is the FSM's transition table: for each state, the set of
// states a transition may land on. Client.setState checks every
// transition against this table before applying it — a transition that
// would land somewhere not in this set is a bug in the event loop, not
// a caller mistake (those are rejected earlier, by the public methods'
// own state assertions), so it panics rather than failing silently.
var validNext = map[State][]State{
	StateStopped:        {StateConnecting},
	StateConnecting:      {StateConnected, StateConnectingErr, StateClosing},
	StateConnectingErr:   {StateConnecting, StateClosing},
	StateConnected:       {StateStarted, StateClosing, StateRestart},
	StateStarted:         {StateStartedWaiting, StateClosing, StateRestart},
	StateStartedWaiting:  {StateStartedReady, StateClosing, StateRestart},
	StateStartedReady:    {StateRestart, StateClosing},
	StateRestart:         {StateConnecting},
	StateClosing:         {StateStopped},
}

func isValidTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
