package uplink

import (
	"context"
	"sync"

	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

// Triggerer accepts sync signals.
type Triggerer interface {
	Trigger(ctx context.Context) bool
}

// Monitor turns level reports of link state into edge signals. Only an
// offline to online move triggers a sync.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	trigger Triggerer
	logger  logger.Logger
}

// NewMonitor starts offline unless initiallyOnline is set.
func NewMonitor(t Triggerer, initiallyOnline bool) *Monitor {
	metrics.UpdateLinkOnline(initiallyOnline)
	return &Monitor{
		online:  initiallyOnline,
		trigger: t,
		logger:  logger.Get().Named("link"),
	}
}

// Report records the current link state. It returns true when the report
// was an offline to online edge and a sync was signalled.
func (m *Monitor) Report(ctx context.Context, online bool) bool {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	metrics.UpdateLinkOnline(online)
	if was == online {
		return false
	}
	if !online {
		m.logger.Warn(ctx, "uplink lost")
		return false
	}

	accepted := m.trigger.Trigger(ctx)
	m.logger.Info(ctx, "uplink restored", logger.Bool("sync_started", accepted))
	return true
}

// Online reports the last known link state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
