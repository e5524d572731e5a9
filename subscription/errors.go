package subscription

import (
	"errors"
	"fmt"

	"github.com/passculture/eac-engine/users"
)

// ErrPreconditionMissing is returned when a guard is evaluated before the
// lookup it depends on was loaded. It means the transition table is wrong.
var ErrPreconditionMissing = errors.New("subscription guard precondition missing")

// PreconditionMissingError names the user, stage and guard involved.
type PreconditionMissingError struct {
	UserID  users.ID
	Stage   Stage
	Guard   Guard
	Missing string
}

func (e *PreconditionMissingError) Error() string {
	return fmt.Sprintf("user %d at stage %s: guard %s evaluated before %s was loaded",
		e.UserID, e.Stage, e.Guard, e.Missing)
}

func (e *PreconditionMissingError) Unwrap() error {
	return ErrPreconditionMissing
}
