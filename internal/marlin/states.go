package marlin

// State is the protocol state machine's current expectation of what
// acknowledgment or report the firmware owes us. Exactly one value is
// active at a time and only HandleLine (plus the explicit SetState
// override) may change it.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateIdle              State = "idle"
	StateHomingZ           State = "homing_z"
	StateZMoveStarted      State = "z_move_started"
	StateZMoveAwaitAck1    State = "z_move_await_complete_1"
	StateZMoveAwaitAck2    State = "z_move_await_complete_2"
	StateZMoveCompleted    State = "z_move_completed"
	StateHomingX           State = "homing_x"
	StateXHomed            State = "x_homed"
	StateMoveStarted       State = "move_started"
	StateMoveAwaitComplete State = "move_await_complete"
	StateMoveCompleted     State = "move_completed"
	StateAwaitingPosition  State = "awaiting_position"
)

// ParseState maps a persisted state string back to a State, falling
// back to idle for anything unknown so a corrupt snapshot cannot wedge
// the controller at startup.
func ParseState(s string) State {
	switch State(s) {
	case StateDisconnected, StateIdle, StateHomingZ, StateZMoveStarted,
		StateZMoveAwaitAck1, StateZMoveAwaitAck2, StateZMoveCompleted,
		StateHomingX, StateXHomed, StateMoveStarted,
		StateMoveAwaitComplete, StateMoveCompleted, StateAwaitingPosition:
		return State(s)
	default:
		return StateIdle
	}
}

// Position is the best-known location of the two driven axes in mm.
// It is a forward estimate immediately after a move command and is
// overwritten atomically whenever the firmware reports real counts.
type Position struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}
