package relay

import "errors"

// Sentinel kinds for relay errors.
var (
	ErrNoSubject = errors.New("relay subject is empty")
	ErrRunning   = errors.New("relay already running")
)
