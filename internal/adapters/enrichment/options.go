package enrichment

import (
	"time"

	"github.com/okian/aegis/internal/domain/cot"
	"github.com/okian/aegis/pkg/logger"
)

// Failure policies.
const (
	PolicyDegrade = "degrade"
	PolicyStrict  = "strict"
)

const (
	defaultMaxFanout     = 8
	defaultRemoteTimeout = 20 * time.Second
	defaultDemoLatency   = 1500 * time.Millisecond
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVision sets the visual stage client.
func WithVision(c VisionClient) Option {
	return func(o *Orchestrator) { o.vision = c }
}

// WithSynthesis sets the synthesis stage client.
func WithSynthesis(c SynthesisClient) Option {
	return func(o *Orchestrator) { o.synthesis = c }
}

// WithSerializer sets the CoT serializer used for payloads.
func WithSerializer(s *cot.Serializer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithFailurePolicy selects degrade or strict handling of synthesis failure.
func WithFailurePolicy(policy string) Option {
	return func(o *Orchestrator) {
		if policy == PolicyDegrade || policy == PolicyStrict {
			o.policy = policy
		}
	}
}

// WithMaxFanout bounds concurrent visual calls.
func WithMaxFanout(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxFanout = n
		}
	}
}

// WithRemoteTimeout sets the per-call deadline.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.remoteTimeout = d
		}
	}
}

// WithDemoLatency sets the simulated delay in demo mode.
func WithDemoLatency(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.demoLatency = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
