package repository

import (
	"errors"
	"fmt"
)

// Sentinel kinds for log store errors.
var (
	ErrNotFound          = errors.New("document not found")
	ErrConflict          = errors.New("revision conflict")
	ErrInvalidTransition = errors.New("invalid threat log transition")
	ErrWrite             = errors.New("store write failed")
	ErrInvalidLimit      = errors.New("invalid query limit")
	ErrClosed            = errors.New("store closed")
)

// ConflictError reports a stale revision or a duplicate id.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("document %s already exists at rev %d", e.ID, e.Actual)
	}
	return fmt.Sprintf("document %s: expected rev %d, found %d", e.ID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
