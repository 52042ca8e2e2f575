package cot

import "errors"

// ErrAffiliation is returned when an event carries a non-unknown type.
var ErrAffiliation = errors.New("cot: only unknown affiliation may be emitted")
