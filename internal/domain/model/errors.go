package model

import "errors"

// ErrWrongType is returned when a document is decoded as the wrong kind.
var ErrWrongType = errors.New("wrong document type")
