package service

import (
	"github.com/okian/aegis/internal/adapters/enrichment"
	"github.com/okian/aegis/internal/adapters/mq/relay"
	"github.com/okian/aegis/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVisionClient overrides the client built from configuration.
func WithVisionClient(c enrichment.VisionClient) Option {
	return func(s *Service) { s.vision = c }
}

// WithSynthesisClient overrides the client built from configuration.
func WithSynthesisClient(c enrichment.SynthesisClient) Option {
	return func(s *Service) { s.synthesis = c }
}

// WithPublisher enables the change-feed relay over an existing publisher
// instead of dialing nats_url.
func WithPublisher(p relay.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithInitiallyOnline sets the link state assumed at start.
func WithInitiallyOnline(online bool) Option {
	return func(s *Service) { s.initiallyOnline = online }
}
