package uplink

import "errors"

// Sentinel kinds for sync errors.
var (
	ErrPassInFlight = errors.New("sync pass already in flight")
	ErrSummaryWrite = errors.New("intel summary write failed")
	ErrStopped      = errors.New("coordinator stopped")
)
