package enrichment

import (
	"errors"
	"fmt"
)

// Sentinel kinds for enrichment errors.
var (
	ErrEnrichment    = errors.New("enrichment failed")
	ErrBadResponse   = errors.New("malformed remote response")
	ErrRemoteStatus  = errors.New("remote returned an error status")
	ErrNotConfigured = errors.New("remote client not configured")
)

// Error is returned by Enrich when a batch cannot be enriched. The caller
// must leave every entry of the batch untouched.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enrichment %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEnrichment) match.
func (e *Error) Is(target error) bool { return target == ErrEnrichment }
