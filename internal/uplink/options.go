package uplink

import (
	"time"

	"github.com/okian/aegis/pkg/logger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSummaryID pins every pass to one intel summary document. Empty means a
// fresh id per pass.
func WithSummaryID(id string) Option {
	return func(c *Coordinator) { c.summaryID = id }
}

// WithRetryInterval starts a pass every interval while online. Zero disables.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.retryInterval = d
		}
	}
}

// WithOnlineCheck tells the periodic retry whether the link is up.
func WithOnlineCheck(fn func() bool) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.online = fn
		}
	}
}

// WithIDGenerator replaces the UUIDv7 summary id source.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}
