package sendctl

// State is the phase of the send operation a Controller is in.
//
// A send moves Idle, Sending, then either Streaming or PollingOnly, then
// Reconciling and back to Idle. Sending covers the wait for the first delta,
// with the poller running. Streaming is entered on the first non-empty delta.
// PollingOnly is entered when the request settles without any delta, so that
// branch is only known at settlement; it lasts until the poller has stopped
// and reconciliation starts.
type State string

const (
	StateIdle        State = "idle"
	StateSending     State = "sending"
	StateStreaming   State = "streaming"
	StatePollingOnly State = "polling_only"
	StateReconciling State = "reconciling"
)

func (s State) String() string { return string(s) }
