package simulator

import "errors"

// Sentinel kinds for simulation errors.
var (
	ErrUnhealthy     = errors.New("node health check failed")
	ErrSyncTimeout   = errors.New("pending logs did not drain")
	ErrVerification  = errors.New("simulation verification failed")
	ErrUnexpectedAck = errors.New("unexpected response status")
)
