package client

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateTokenRefresh
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateTokenRefresh:
		return "token_refresh"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evOpen
	evClose
	evError
	evTimerFired
	evTokenReady
	evTokenFailed
	evDisconnect
)

// fsmEvent carries the close code for evClose and evError (0 when unknown).
type fsmEvent struct {
	kind eventKind
	code int
}

// effect is the side effect the engine must run after a transition.
type effect int

const (
	effectNone effect = iota
	effectDial
	effectStartTimer
	effectRefreshToken
	effectConnected
	effectCancel
	effectFail
)

// machine is the pure connection state machine. It owns no goroutines or
// timers; the engine executes the returned effects.
type machine struct {
	state        ConnState
	authRetries  int
	reconnects   int
	maxAuth      int
	maxReconnect int
}

func newMachine(maxAuth, maxReconnect int) machine {
	return machine{state: StateDisconnected, maxAuth: maxAuth, maxReconnect: maxReconnect}
}

// handle applies ev and returns the effect to run. Events that do not apply to
// the current state are ignored.
func (m *machine) handle(ev fsmEvent) effect {
	switch ev.kind {
	case evConnect:
		if m.state != StateDisconnected && m.state != StateFailed {
			return effectNone
		}
		m.authRetries, m.reconnects = 0, 0
		m.state = StateConnecting
		return effectDial

	case evDisconnect:
		if m.state == StateDisconnected {
			return effectNone
		}
		m.state = StateDisconnected
		return effectCancel

	case evOpen:
		if m.state != StateConnecting {
			return effectNone
		}
		m.authRetries, m.reconnects = 0, 0
		m.state = StateConnected
		return effectConnected

	case evClose, evError:
		if m.state != StateConnecting && m.state != StateConnected {
			return effectNone
		}
		// A newer socket for the same user took over; reconnecting would evict it.
		if ev.code == CloseReplaced {
			m.state = StateDisconnected
			return effectCancel
		}
		if IsAuthClose(ev.code) {
			if m.authRetries >= m.maxAuth {
				m.state = StateFailed
				return effectFail
			}
			m.authRetries++
			m.state = StateTokenRefresh
			return effectRefreshToken
		}
		if m.reconnects >= m.maxReconnect {
			m.state = StateFailed
			return effectFail
		}
		m.reconnects++
		m.state = StateBackoff
		return effectStartTimer

	case evTimerFired:
		if m.state != StateBackoff {
			return effectNone
		}
		m.state = StateConnecting
		return effectDial

	case evTokenReady:
		if m.state != StateTokenRefresh {
			return effectNone
		}
		m.state = StateConnecting
		return effectDial

	case evTokenFailed:
		if m.state != StateTokenRefresh {
			return effectNone
		}
		m.state = StateFailed
		return effectFail
	}
	return effectNone
}
