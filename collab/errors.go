package collab

import (
	"errors"
)

// Invariant violations of the OT model. Callers treat these as fatal for the
// current submission: the author's rebase continuation state is cleared and
// the client is re-initialized rather than repaired incrementally.
var (
	ErrNegativeRetain  = errors.New("negative retain length")
	ErrNonContiguous   = errors.New("change is not contiguous")
	ErrDifferentStarts = errors.New("different starts")
	ErrBacktrack       = errors.New("cannot backtrack long enough")
	ErrSelectionType   = errors.New("selection type not set")
)
