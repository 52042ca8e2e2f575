package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"

	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
  id     TEXT PRIMARY KEY,
  type   TEXT NOT NULL,
  rev    INTEGER NOT NULL,
  seq    INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT '',
  body   TEXT NOT NULL
);
`

// indexes run after migrations so the status column exists on old files.
const indexes = `
CREATE INDEX IF NOT EXISTS idx_documents_type_id ON documents(type, id);
CREATE INDEX IF NOT EXISTS idx_documents_seq ON documents(seq);
CREATE INDEX IF NOT EXISTS idx_documents_type_status_id ON documents(type, status, id);
`

type writeMode int

const (
	modeAppend writeMode = iota
	modeUpdate
	modeUpsert
)

func (m writeMode) String() string {
	switch m {
	case modeAppend:
		return "append"
	case modeUpdate:
		return "update"
	default:
		return "upsert"
	}
}

// SQLiteStore is a Store backed by a single SQLite file.
//
// Writes serialize on mu so that the sequence number assigned to a change,
// the commit, and the feed notification happen in the same order. Reads go
// straight to the database.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	seq    int64
	closed bool

	broker *broker
	newID  func() (string, error)

	busyTimeout           time.Duration
	metricsUpdateInterval time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		broker:                newBroker(),
		newID:                 newUUIDv7,
		busyTimeout:           5 * time.Second,
		metricsUpdateInterval: 10 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps in-memory databases coherent and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := migrateStatus(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, indexes); err != nil {
		db.Close()
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM documents`).Scan(&s.seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	s.db = db

	s.startMetricsUpdater(ctx)
	return s, nil
}

// Append implements Store.Append.
func (s *SQLiteStore) Append(ctx context.Context, rec model.Record) (string, error) {
	c, err := s.write(ctx, rec, modeAppend, 0)
	if err != nil {
		return "", err
	}
	return c.Doc.ID, nil
}

// Update implements Store.Update.
func (s *SQLiteStore) Update(ctx context.Context, rec model.Record, expectedRev int64) (int64, error) {
	c, err := s.write(ctx, rec, modeUpdate, expectedRev)
	if err != nil {
		return 0, err
	}
	return c.Doc.Rev, nil
}

// Upsert implements Store.Upsert.
func (s *SQLiteStore) Upsert(ctx context.Context, rec model.Record) (int64, error) {
	c, err := s.write(ctx, rec, modeUpsert, 0)
	if err != nil {
		return 0, err
	}
	return c.Doc.Rev, nil
}

func (s *SQLiteStore) write(ctx context.Context, rec model.Record, mode writeMode, expectedRev int64) (change Change, err error) {
	start := time.Now()
	op := mode.String()
	defer func() {
		metrics.RecordStoreLatency(op, float64(time.Since(start).Milliseconds()))
		metrics.RecordStoreWrite(op, writeResult(err))
	}()

	id := rec.DocID()
	if id == "" {
		if mode != modeAppend {
			return Change{}, fmt.Errorf("%w: %s requires an id", ErrNotFound, op)
		}
		if id, err = s.newID(); err != nil {
			return Change{}, fmt.Errorf("%w: generate id: %w", ErrWrite, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Change{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, fmt.Errorf("%w: begin: %w", ErrWrite, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, found, err := current(ctx, tx, id)
	if err != nil {
		return Change{}, err
	}

	kind := ChangeInsert
	rev := int64(1)
	switch {
	case mode == modeAppend && found:
		return Change{}, &ConflictError{ID: id, Actual: cur.Rev}
	case mode == modeUpdate && !found:
		return Change{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case mode == modeUpdate && cur.Rev != expectedRev:
		return Change{}, &ConflictError{ID: id, Expected: expectedRev, Actual: cur.Rev}
	case found:
		kind = ChangeUpdate
		rev = cur.Rev + 1
	}

	body, err := encode(rec, id)
	if err != nil {
		return Change{}, err
	}
	if found {
		if err = checkTransition(cur, rec.DocType(), body); err != nil {
			return Change{}, err
		}
	}

	seq := s.seq + 1
	status := gjson.GetBytes(body, "status").String()
	if found {
		_, err = tx.ExecContext(ctx, `UPDATE documents SET rev = ?, seq = ?, status = ?, body = ? WHERE id = ? AND rev = ?`,
			rev, seq, status, string(body), id, cur.Rev)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO documents(id, type, rev, seq, status, body) VALUES(?,?,?,?,?,?)`,
			id, string(rec.DocType()), rev, seq, status, string(body))
	}
	if err != nil {
		return Change{}, fmt.Errorf("%w: %s %s: %w", ErrWrite, op, id, err)
	}
	if err = tx.Commit(); err != nil {
		return Change{}, fmt.Errorf("%w: commit %s: %w", ErrWrite, id, err)
	}
	s.seq = seq

	change = Change{
		Seq:  seq,
		Kind: kind,
		Doc:  model.Document{ID: id, Type: rec.DocType(), Rev: rev, Seq: seq, Body: body},
	}
	s.broker.publish(change)
	return change, nil
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Document, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("get", float64(time.Since(start).Milliseconds())) }()

	row := s.db.QueryRowContext(ctx, `SELECT id, type, rev, seq, body FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordErrorByComponent("repository", "not_found")
		return model.Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("get %s: %w", id, err)
	}
	return doc, nil
}

// QueryRecent implements Store.QueryRecent.
func (s *SQLiteStore) QueryRecent(ctx context.Context, docType model.DocType, limit int) ([]model.Document, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("query_recent", float64(time.Since(start).Milliseconds())) }()

	if limit <= 0 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, rev, seq, body FROM documents WHERE type = ? ORDER BY id DESC LIMIT ?`,
		string(docType), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return collect(rows, nil)
}

// QueryPending implements Store.QueryPending.
func (s *SQLiteStore) QueryPending(ctx context.Context, docType model.DocType, pred Predicate) ([]model.Document, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("query_pending", float64(time.Since(start).Milliseconds())) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, rev, seq, body FROM documents WHERE type = ? AND status = ? ORDER BY id ASC`,
		string(docType), string(model.StatusDetected))
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return collect(rows, pred)
}

// CountPending implements Store.CountPending. It reads only the index.
func (s *SQLiteStore) CountPending(ctx context.Context, docType model.DocType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE type = ? AND status = ?`,
		string(docType), string(model.StatusDetected)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Count implements Store.Count.
func (s *SQLiteStore) Count(ctx context.Context, docType model.DocType, pred Predicate) (int, error) {
	if pred == nil {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE type = ?`, string(docType)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count: %w", err)
		}
		return n, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, rev, seq, body FROM documents WHERE type = ? ORDER BY id ASC`, string(docType))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	docs, err := collect(rows, pred)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Subscribe implements Store.Subscribe.
func (s *SQLiteStore) Subscribe(ctx context.Context, docType model.DocType, since int64) (*Subscription, error) {
	// Holding the write lock while reading the backlog means no change can
	// land between the replay and the first live delivery.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var backlog []Change
	if since > 0 {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, type, rev, seq, body FROM documents WHERE seq > ? AND (? = '' OR type = ?) ORDER BY seq ASC`,
			since, string(docType), string(docType))
		if err != nil {
			return nil, fmt.Errorf("replay since %d: %w", since, err)
		}
		docs, err := collect(rows, nil)
		if err != nil {
			return nil, err
		}
		backlog = make([]Change, 0, len(docs))
		for _, d := range docs {
			kind := ChangeUpdate
			if d.Rev == 1 {
				kind = ChangeInsert
			}
			backlog = append(backlog, Change{Seq: d.Seq, Kind: kind, Doc: d})
		}
	}

	return s.broker.add(ctx, docType, backlog)
}

// Seq returns the sequence number of the last committed change.
func (s *SQLiteStore) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close stops background work, ends every subscription and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.broker.close()
		err = s.db.Close()
	})
	return err
}

// startMetricsUpdater starts a background goroutine that refreshes document gauges.
func (s *SQLiteStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		s.updateMetrics(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics(ctx)
			}
		}
	}()
}

// updateMetrics publishes per-type document counts.
func (s *SQLiteStore) updateMetrics(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM documents GROUP BY type`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t string
			n int
		)
		if rows.Scan(&t, &n) == nil {
			metrics.UpdateStoreDocuments(t, n)
		}
	}
}

// migrateStatus adds and backfills the status column on files created
// before it existed.
func migrateStatus(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('documents')`)
	if err != nil {
		return err
	}
	has := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if name == "status" {
			has = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE documents ADD COLUMN status TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE documents SET status = COALESCE(json_extract(body, '$.status'), '')`)
	return err
}

func current(ctx context.Context, tx *sql.Tx, id string) (model.Document, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, type, rev, seq, body FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, false, nil
	}
	if err != nil {
		return model.Document{}, false, fmt.Errorf("%w: read %s: %w", ErrWrite, id, err)
	}
	return doc, true, nil
}

// checkTransition enforces that a document keeps its type and that threat
// logs only ever move detected -> synced with their capture untouched.
func checkTransition(cur model.Document, docType model.DocType, body []byte) error {
	if cur.Type != docType {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, cur.ID, cur.Type, docType)
	}
	if docType != model.TypeThreatLog {
		return nil
	}
	before, err := cur.Threat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	after, err := model.Document{ID: cur.ID, Type: docType, Body: body}.Threat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if !before.SameCapture(&after) {
		return fmt.Errorf("%w: %s capture fields are immutable", ErrInvalidTransition, cur.ID)
	}
	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.ID, before.Status, after.Status)
	}
	return nil
}

// encode marshals rec and stamps the id and type into the body.
func encode(rec model.Record, id string) ([]byte, error) {
	switch r := rec.(type) {
	case model.ThreatLogEntry:
		r.ID, r.Type = id, model.TypeThreatLog
		rec = r
	case *model.ThreatLogEntry:
		c := *r
		c.ID, c.Type = id, model.TypeThreatLog
		rec = c
	case model.IntelSummary:
		r.ID, r.Type = id, model.TypeHQIntel
		rec = r
	case *model.IntelSummary:
		c := *r
		c.ID, c.Type = id, model.TypeHQIntel
		rec = c
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrWrite, id, err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (model.Document, error) {
	var (
		d    model.Document
		t    string
		body string
	)
	if err := row.Scan(&d.ID, &t, &d.Rev, &d.Seq, &body); err != nil {
		return model.Document{}, err
	}
	d.Type = model.DocType(t)
	d.Body = json.RawMessage(body)
	return d, nil
}

func collect(rows *sql.Rows, pred Predicate) ([]model.Document, error) {
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if pred == nil || pred(d) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

func writeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
