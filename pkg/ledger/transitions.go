// PendingChange state machine: transitions are enumerated to an edge
// list, anything outside it is rejected, and re-applying the current
// state of a not-yet-terminal change is a no-op rather than an error.

package ledger

import (
	"errors"

	"github.com/MeshAdmin/MeshAdminRevertIT/pkg/types"
)

// ErrInvalidTransition is returned when a requested state transition is
// not one of the edges the state machine allows.
var ErrInvalidTransition = errors.New("ledger: invalid change state transition")

// ErrAlreadyTerminal is returned when a command targets a change that
// has already reached one of its three terminal states.
var ErrAlreadyTerminal = errors.New("ledger: change already in a terminal state")

// allowedTransition enumerates the PendingChange state machine's edges:
//
//	OPEN      -> GRACE | CONFIRMED
//	GRACE     -> REVERTING | CONFIRMED
//	REVERTING -> REVERTED | FAILED
//
// CONFIRMED, REVERTED, and FAILED are terminal; no edge leaves them.
func allowedTransition(cur, next types.ChangeState) bool {
	switch cur {
	case types.ChangeOpen:
		return next == types.ChangeGrace || next == types.ChangeConfirmed
	case types.ChangeGrace:
		return next == types.ChangeReverting || next == types.ChangeConfirmed
	case types.ChangeReverting:
		return next == types.ChangeReverted || next == types.ChangeFailed
	default:
		return false
	}
}

// transition validates and applies a state change in place. Any
// transition requested on a terminal change fails with
// ErrAlreadyTerminal; otherwise re-application of the current state is
// a no-op success.
func transition(c *types.PendingChange, next types.ChangeState) error {
	if c.State.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if c.State == next {
		return nil
	}
	if !allowedTransition(c.State, next) {
		return ErrInvalidTransition
	}
	c.State = next
	return nil
}
