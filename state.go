package iotdevice

import "sync"

// ClientTransportState is the low-level connection lifecycle state of a
// Client. It is distinct from ConnectionStatus, which conveys intent and
// recoverability to the application rather than raw machine state.
type ClientTransportState int

const (
	// StateClosed is the initial state and the terminal state of every
	// life cycle.
	StateClosed ClientTransportState = iota
	// StateOpening means an open attempt (initial or reconnect) is in
	// flight.
	StateOpening
	// StateOpen means the transport is connected and usable.
	StateOpen
	// StateClosing means a close has been requested and is draining.
	StateClosing
)

func (s ClientTransportState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// StateAction is the input alphabet of the client transport state
// machine.
type StateAction int

const (
	ActionOpenStart StateAction = iota
	ActionOpenSuccess
	ActionOpenFailure
	ActionCloseStart
	ActionCloseComplete
	ActionConnectionLost
)

func (a StateAction) String() string {
	switch a {
	case ActionOpenStart:
		return "OpenStart"
	case ActionOpenSuccess:
		return "OpenSuccess"
	case ActionOpenFailure:
		return "OpenFailure"
	case ActionCloseStart:
		return "CloseStart"
	case ActionCloseComplete:
		return "CloseComplete"
	case ActionConnectionLost:
		return "ConnectionLost"
	default:
		return "Unknown"
	}
}

type transition struct {
	from   ClientTransportState
	action StateAction
}

// transitionTable is the single source of truth for every legal move.
// Any (from, action) pair absent from this table is a programming error.
var transitionTable = map[transition]ClientTransportState{
	{StateClosed, ActionOpenStart}:      StateOpening,
	{StateOpening, ActionOpenSuccess}:   StateOpen,
	{StateOpening, ActionOpenFailure}:   StateClosed,
	{StateOpening, ActionCloseStart}:    StateClosing,
	{StateOpen, ActionCloseStart}:       StateClosing,
	{StateOpen, ActionConnectionLost}:   StateOpening,
	{StateClosing, ActionCloseComplete}: StateClosed,
}

// clientTransportStateMachine guards every transition of a Client's
// ClientTransportState behind a single mutex. It is the only place the
// state field is mutated.
type clientTransportStateMachine struct {
	mu    sync.Mutex
	state ClientTransportState
}

func newClientTransportStateMachine() *clientTransportStateMachine {
	return &clientTransportStateMachine{state: StateClosed}
}

// current returns the state under the lock, without mutating it.
func (m *clientTransportStateMachine) current() ClientTransportState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// moveNext advances the state machine according to action. ConnectionLost
// while Closing is treated as a defensive no-op: the close in progress
// wins and the action is silently ignored rather than rejected, since the
// transport handler racing a close with its own disconnect notification is
// expected, not a bug.
func (m *clientTransportStateMachine) moveNext(action StateAction) (ClientTransportState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosing && action == ActionConnectionLost {
		return m.state, nil
	}

	next, ok := transitionTable[transition{m.state, action}]
	if !ok {
		return m.state, newInvalidTransitionError(m.state, action)
	}

	m.state = next
	return m.state, nil
}
