package pirate

// LinkState is the worker's view of its broker link
type LinkState int

const (
	// StateConnected means traffic arrived within the last interval
	StateConnected LinkState = iota
	// StateSuspect means one or more intervals passed silently
	StateSuspect
	// StateDead means the liveness budget ran out and the link must be rebuilt
	StateDead
)

func (s LinkState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Liveness counts silent heartbeat intervals down to zero
type Liveness struct {
	limit     int
	remaining int
}

// NewLiveness returns a counter that declares the link dead after limit silent intervals
func NewLiveness(limit int) *Liveness {
	if limit <= 0 {
		limit = 1
	}
	return &Liveness{limit: limit, remaining: limit}
}

// Refresh records traffic from the peer
func (l *Liveness) Refresh() {
	l.remaining = l.limit
}

// Miss records one interval without traffic and returns the new state
func (l *Liveness) Miss() LinkState {
	if l.remaining > 0 {
		l.remaining--
	}
	return l.State()
}

// Kill marks the link dead immediately
func (l *Liveness) Kill() {
	l.remaining = 0
}

// Remaining returns the number of silent intervals left
func (l *Liveness) Remaining() int {
	return l.remaining
}

// State derives the link state from the remaining budget
func (l *Liveness) State() LinkState {
	switch {
	case l.remaining <= 0:
		return StateDead
	case l.remaining == l.limit:
		return StateConnected
	default:
		return StateSuspect
	}
}
