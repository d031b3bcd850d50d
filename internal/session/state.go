// Package session implements the per-request generation state machine: it
// coordinates adapter calls, streaming and ledger operations, and owns
// cancellation and partial-failure recovery.
package session

// State is the lifecycle position of a generation session.
//
// Success path: Admitted → Reserved → Streaming → Settling → Completed.
// Failure exits: Admitted/Reserved → Released (no output produced) and
// Streaming → PartialFailure → Settling (output produced before failure).
type State string

const (
	StateAdmitted       State = "admitted"
	StateReserved       State = "reserved"
	StateStreaming      State = "streaming"
	StateSettling       State = "settling"
	StatePartialFailure State = "partial_failure"
	StateCompleted      State = "completed"
	StateReleased       State = "released"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateReleased
}
