package call

// State is the controller's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateInCall
	StateBackground
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateInCall:
		return "in_call"
	case StateBackground:
		return "call_background"
	default:
		return "unknown"
	}
}

// Snapshot is the externally observable controller state. Every change is
// fanned out to Attach subscribers as a full copy; consumers re-derive their
// view from each snapshot rather than tracking deltas.
type Snapshot struct {
	State        State
	SessionID    string
	PeerUID      string
	PeerNickname string

	MicEnabled    bool
	ChatRequested bool
	ChatConnected bool

	// ConnStatus is the last reported transport connection status, one of
	// the proto.Conn* values. Empty before the transport exists.
	ConnStatus string

	// TimeoutMessage carries the reason the last wait or call attempt was
	// abandoned. Cleared when a new wait or call starts.
	TimeoutMessage string

	// LastError is the last store or transport failure. Store write
	// failures are retryable and do not change State.
	LastError string
}
