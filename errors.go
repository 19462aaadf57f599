package swout

import "github.com/pkg/errors"

// Failure kinds surfaced by the registry. Callers classify with errors.Is,
// the returned errors carry context wrapped around these.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrHardwareFault   = errors.New("hardware fault")
)
