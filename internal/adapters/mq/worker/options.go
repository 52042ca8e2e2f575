package worker

import (
	"time"

	"github.com/okian/aegis/pkg/logger"
)

const defaultThreshold = 0.5

// Clock supplies the detection instant used for debouncing.
type Clock func() time.Time

// Option applies a configuration option to the Processor.
type Option func(*Processor)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(p *Processor) {
		if name != "" {
			p.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithThreshold drops detections below the given confidence.
func WithThreshold(threshold float64) Option {
	return func(p *Processor) {
		if threshold >= 0 && threshold <= 1 {
			p.threshold = threshold
		}
	}
}

// WithClock overrides time.Now. When unset, a frame's CapturedAt is used if
// present.
func WithClock(c Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}
