// Package relay republishes store changes onto a NATS subject tree so
// consumers off the node see threat logs and intel summaries live.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/logger"
	"github.com/okian/aegis/pkg/metrics"
)

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Feed opens change subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, docType model.DocType, since int64) (*repository.Subscription, error)
}

// Message is the JSON body published for each change.
type Message struct {
	Seq  int64                 `json:"seq"`
	Kind repository.ChangeKind `json:"kind"`
	ID   string                `json:"id"`
	Type model.DocType         `json:"type"`
	Rev  int64                 `json:"rev"`
	Doc  json.RawMessage       `json:"doc"`
}

// Relay forwards every committed change to <subject>.<type>.
type Relay struct {
	pub     Publisher
	feed    Feed
	subject string
	logger  logger.Logger

	mu      sync.Mutex
	sub     *repository.Subscription
	done    chan struct{}
	lastSeq int64
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a relay. It does nothing until Start.
func New(pub Publisher, feed Feed, subject string, opts ...Option) (*Relay, error) {
	if subject == "" {
		return nil, ErrNoSubject
	}
	r := &Relay{
		pub:     pub,
		feed:    feed,
		subject: subject,
		logger:  logger.Get().Named("relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Connect dials a NATS server the way the rest of the node expects: named
// connection, unlimited reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Start subscribes to the store from since and publishes in the background.
func (r *Relay) Start(ctx context.Context, since int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return ErrRunning
	}

	sub, err := r.feed.Subscribe(ctx, "", since)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.sub = sub
	r.done = make(chan struct{})
	go r.loop(ctx, sub, r.done)

	r.logger.Info(ctx, "relay started", logger.String("subject", r.subject), logger.Int64("since", since))
	return nil
}

// Stop ends the subscription and waits for the publish loop.
func (r *Relay) Stop() {
	r.mu.Lock()
	sub, done := r.sub, r.done
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Close()
	<-done
}

// LastSeq returns the sequence of the last change handed to the publisher.
func (r *Relay) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

func (r *Relay) loop(ctx context.Context, sub *repository.Subscription, done chan struct{}) {
	defer close(done)
	for c := range sub.Changes() {
		if err := r.publish(c); err != nil {
			metrics.RecordRelayPublish("error")
			metrics.RecordErrorByComponent("relay", "publish_error")
			r.logger.Warn(ctx, "relay publish failed",
				logger.String("id", c.Doc.ID),
				logger.Int64("seq", c.Seq),
				logger.Error(err),
			)
		} else {
			metrics.RecordRelayPublish("ok")
		}
		r.mu.Lock()
		r.lastSeq = c.Seq
		r.mu.Unlock()
	}
}

func (r *Relay) publish(c repository.Change) error { //nolint:gocritic // hugeParam
	body, err := json.Marshal(Message{
		Seq:  c.Seq,
		Kind: c.Kind,
		ID:   c.Doc.ID,
		Type: c.Doc.Type,
		Rev:  c.Doc.Rev,
		Doc:  c.Doc.Body,
	})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return r.pub.Publish(Subject(r.subject, c.Doc.Type), body)
}

// Subject returns the per-type subject for a base subject.
func Subject(base string, t model.DocType) string {
	return base + "." + string(t)
}
