package repository

import (
	"context"
	"sync"

	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/metrics"
)

// Subscription is a live, ordered stream of committed changes. Each
// subscription buffers independently so a slow reader never stalls writers.
type Subscription struct {
	docType model.DocType
	out     chan Change
	signal  chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	queue []Change

	once   sync.Once
	broker *broker
}

// Changes returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Changes() <-chan Change { return s.out }

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
		metrics.AddFeedSubscribers(-1)
	})
}

// push queues a change for delivery without blocking.
func (s *Subscription) push(c Change) {
	if s.docType != "" && c.Doc.Type != s.docType {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.Close()
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}

// broker fans committed changes out to subscriptions.
type broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[*Subscription]struct{})}
}

func (b *broker) add(ctx context.Context, docType model.DocType, backlog []Change) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		docType: docType,
		out:     make(chan Change),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		queue:   backlog,
		broker:  b,
	}
	b.subs[s] = struct{}{}
	metrics.AddFeedSubscribers(1)
	go s.pump(ctx)
	return s, nil
}

func (b *broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *broker) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(c)
	}
}

func (b *broker) close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
