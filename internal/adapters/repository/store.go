// Package repository implements the durable local log store and its change feed.
package repository

import (
	"context"

	"github.com/okian/aegis/internal/domain/model"
)

// ChangeKind distinguishes inserts from updates on the feed.
type ChangeKind string

// Change kinds.
const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is one committed write, delivered in commit order.
type Change struct {
	Seq  int64          `json:"seq"`
	Kind ChangeKind     `json:"kind"`
	Doc  model.Document `json:"doc"`
}

// Predicate filters documents in memory.
type Predicate func(model.Document) bool

// Store provides durable document storage with optimistic concurrency.
type Store interface {
	// Append inserts a new record and returns its id. An empty id is
	// replaced with a fresh time-ordered one.
	Append(ctx context.Context, rec model.Record) (string, error)

	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, id string) (model.Document, error)

	// QueryRecent returns up to limit documents of a type, newest first.
	QueryRecent(ctx context.Context, docType model.DocType, limit int) ([]model.Document, error)

	// QueryPending returns documents of a type still awaiting upload
	// (status detected) that match pred, oldest first. It observes all
	// writes acknowledged before the call and never reads synced rows.
	QueryPending(ctx context.Context, docType model.DocType, pred Predicate) ([]model.Document, error)

	// CountPending counts documents of a type still awaiting upload.
	CountPending(ctx context.Context, docType model.DocType) (int, error)

	// Update replaces a document if its current revision is expectedRev.
	Update(ctx context.Context, rec model.Record, expectedRev int64) (int64, error)

	// Upsert writes rec over whatever revision is current, inserting if absent.
	Upsert(ctx context.Context, rec model.Record) (int64, error)

	// Count returns how many documents of a type match pred (nil matches all).
	Count(ctx context.Context, docType model.DocType, pred Predicate) (int, error)

	// Subscribe streams changes for a type ("" for all). since > 0 replays
	// documents changed after that sequence before live delivery.
	Subscribe(ctx context.Context, docType model.DocType, since int64) (*Subscription, error)

	Close() error
}
