package queue

// Option applies a configuration option to the FrameQueue.
type Option func(*FrameQueue)

// WithCapacity sets the maximum number of frames held.
func WithCapacity(capacity int) Option {
	return func(q *FrameQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}
