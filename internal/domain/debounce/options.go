package debounce

import "time"

const (
	defaultWindow    = 5 * time.Second
	defaultMaxLabels = 1024
)

// Option configures the emitter.
type Option func(*emitter)

// WithWindow sets the suppression window. Negative values are ignored.
func WithWindow(d time.Duration) Option {
	return func(e *emitter) {
		if d >= 0 {
			e.window = d
		}
	}
}

// WithMaxLabels bounds how many labels are remembered.
func WithMaxLabels(n int) Option {
	return func(e *emitter) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// WithIDGenerator replaces the UUIDv7 id source.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(e *emitter) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithEvictHook is called when a label drops out of the bounded map.
func WithEvictHook(fn func(label string)) Option {
	return func(e *emitter) { e.onEvict = fn }
}
