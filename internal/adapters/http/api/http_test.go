package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/aegis/internal/adapters/enrichment"
	"github.com/okian/aegis/internal/adapters/http/api"
	"github.com/okian/aegis/internal/adapters/mq/queue"
	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/domain/cot"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/uplink"
	"github.com/okian/aegis/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(logger.WithOutput(io.Discard))
	os.Exit(m.Run())
}

type fakeDeps struct {
	store *repository.SQLiteStore

	mu        sync.Mutex
	submitted []model.Frame
	submitErr error
	online    bool
	started   bool
	runErr    error
}

func (f *fakeDeps) Submit(_ context.Context, fr model.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, fr)
	return nil
}

func (f *fakeDeps) ReportConnectivity(_ context.Context, online bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	edge := online && !f.online
	f.online = online
	return edge, nil
}

func (f *fakeDeps) TriggerSync(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return false, nil
	}
	f.started = true
	return true, nil
}

func (f *fakeDeps) RunSync(context.Context) (uplink.Outcome, error) {
	if f.runErr != nil {
		return uplink.Outcome{}, f.runErr
	}
	return uplink.Outcome{Pending: 1, Synced: 1, Mode: enrichment.ModeDemo}, nil
}

func (f *fakeDeps) Logs(ctx context.Context, t model.DocType, limit int) ([]model.Document, error) {
	return f.store.QueryRecent(ctx, t, limit)
}

func (f *fakeDeps) Log(ctx context.Context, id string) (model.Document, error) {
	return f.store.Get(ctx, id)
}

func (f *fakeDeps) CoT(ctx context.Context, id string) (string, error) {
	doc, err := f.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	e, err := doc.Threat()
	if err != nil {
		return "", err
	}
	return cot.New("Aegis-Unit-1").Serialize(e)
}

func (f *fakeDeps) Subscribe(ctx context.Context, t model.DocType, since int64) (*repository.Subscription, error) {
	return f.store.Subscribe(ctx, t, since)
}

func newHarness(t *testing.T) (*fakeDeps, *http.ServeMux) {
	t.Helper()
	store, err := repository.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	deps := &fakeDeps{store: store}
	stats := func(context.Context) (any, error) { return map[string]any{"started": true}, nil }
	mux := http.NewServeMux()
	api.NewServer(deps, stats).Register(context.Background(), mux)
	return deps, mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func appendThreat(t *testing.T, s *repository.SQLiteStore, label string) string {
	t.Helper()
	id, err := s.Append(context.Background(), model.ThreatLogEntry{
		Label:      label,
		Confidence: 0.81,
		Timestamp:  time.Date(2026, 5, 4, 8, 30, 15, 250e6, time.UTC),
		Status:     model.StatusDetected,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestServer_Routes(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		deps, mux := newHarness(t)

		Convey("Health serves the Prometheus exposition", func() {
			w := do(mux, "GET", "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "aegis_node_")
		})

		Convey("Stats returns JSON", func() {
			w := do(mux, "GET", "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"started":true`)
		})

		Convey("Unknown routes are 404", func() {
			So(do(mux, "GET", "/unknown", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(mux, "DELETE", "/logs", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("POST /detections", func() {
			Convey("accepts a valid frame", func() {
				body := `{"detections":[{"label":"car","score":0.81,"box":{"xmin":1,"ymin":2,"xmax":3,"ymax":4}}],"snapshot":"/9j/","captured_at":"2026-05-04T08:30:15.25Z"}`
				w := do(mux, "POST", "/detections", body)
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(len(deps.submitted), ShouldEqual, 1)
				f := deps.submitted[0]
				So(f.Detections[0].Confidence, ShouldEqual, 0.81)
				So(f.Detections[0].Box.XMax, ShouldEqual, 3)
				So(f.Snapshot, ShouldResemble, []byte{0xff, 0xd8, 0xff})
				So(f.CapturedAt.UnixMilli(), ShouldEqual, 1777883415250)
			})

			Convey("rejects malformed bodies", func() {
				So(do(mux, "POST", "/detections", `{`).Code, ShouldEqual, http.StatusBadRequest)
				So(do(mux, "POST", "/detections", `{"detections":[]}`).Code, ShouldEqual, http.StatusBadRequest)
				So(do(mux, "POST", "/detections", `{"detections":[{"label":"car","score":1.5}]}`).Code, ShouldEqual, http.StatusBadRequest)
				So(do(mux, "POST", "/detections", `{"detections":[{"label":" ","score":0.5}]}`).Code, ShouldEqual, http.StatusBadRequest)
				So(do(mux, "POST", "/detections", `{"detections":[{"label":"car","score":0.5}],"captured_at":"yesterday"}`).Code, ShouldEqual, http.StatusBadRequest)
			})

			Convey("maps a full queue to 429", func() {
				deps.submitErr = queue.ErrFull
				w := do(mux, "POST", "/detections", `{"detections":[{"label":"car","score":0.9}]}`)
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(w.Body.String(), ShouldContainSubstring, "backpressure")
			})

			Convey("maps a closed queue to 503", func() {
				deps.submitErr = queue.ErrClosed
				w := do(mux, "POST", "/detections", `{"detections":[{"label":"car","score":0.9}]}`)
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("POST /connectivity reports edges", func() {
			So(do(mux, "POST", "/connectivity", `{}`).Code, ShouldEqual, http.StatusBadRequest)

			w := do(mux, "POST", "/connectivity", `{"online":true}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"sync_triggered":true`)

			w = do(mux, "POST", "/connectivity", `{"online":true}`)
			So(w.Body.String(), ShouldContainSubstring, `"sync_triggered":false`)
		})

		Convey("POST /sync", func() {
			Convey("starts one pass and refuses a second", func() {
				So(do(mux, "POST", "/sync", "").Code, ShouldEqual, http.StatusAccepted)
				w := do(mux, "POST", "/sync", "")
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(w.Body.String(), ShouldContainSubstring, "sync_in_flight")
			})

			Convey("waits for the outcome on request", func() {
				w := do(mux, "POST", "/sync?wait=true", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				var out uplink.Outcome
				So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
				So(out.Synced, ShouldEqual, 1)
			})

			Convey("maps enrichment failure to 502", func() {
				deps.runErr = &enrichment.Error{Stage: "synthesis", Err: errors.New("timeout")}
				So(do(mux, "POST", "/sync?wait=true", "").Code, ShouldEqual, http.StatusBadGateway)
			})

			Convey("maps a pass in flight to 409", func() {
				deps.runErr = uplink.ErrPassInFlight
				So(do(mux, "POST", "/sync?wait=true", "").Code, ShouldEqual, http.StatusConflict)
			})
		})
	})
}

func TestServer_Logs(t *testing.T) {
	Convey("Given stored documents", t, func() {
		deps, mux := newHarness(t)
		first := appendThreat(t, deps.store, "LIGHT VEHICLE")
		second := appendThreat(t, deps.store, "CYBER TERMINAL")
		_, err := deps.store.Upsert(context.Background(), model.IntelSummary{ID: "hq_latest", Message: "HQ ANALYSIS: quiet"})
		So(err, ShouldBeNil)

		Convey("GET /logs lists threat logs newest first", func() {
			w := do(mux, "GET", "/logs?limit=10", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var resp struct {
				Type      model.DocType    `json:"type"`
				Count     int              `json:"count"`
				Documents []model.Document `json:"documents"`
			}
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.Type, ShouldEqual, model.TypeThreatLog)
			So(resp.Count, ShouldEqual, 2)
			So(resp.Documents[0].ID, ShouldEqual, second)
			So(resp.Documents[1].ID, ShouldEqual, first)
		})

		Convey("GET /logs?type=hq_intel lists summaries", func() {
			w := do(mux, "GET", "/logs?type=hq_intel", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "hq_latest")
		})

		Convey("Bad parameters are 400", func() {
			So(do(mux, "GET", "/logs?type=weather", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "GET", "/logs?limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "GET", "/logs?limit=abc", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, "GET", "/logs/"+first+"/xml", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("GET /logs/{id} returns one document", func() {
			w := do(mux, "GET", "/logs/"+first, "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var doc model.Document
			So(json.Unmarshal(w.Body.Bytes(), &doc), ShouldBeNil)
			So(doc.ID, ShouldEqual, first)
			So(doc.Rev, ShouldEqual, 1)

			So(do(mux, "GET", "/logs/nope", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("GET /logs/{id}/cot renders XML", func() {
			w := do(mux, "GET", "/logs/"+first+"/cot", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldStartWith, "application/xml")
			So(w.Body.String(), ShouldContainSubstring, `uid="Aegis-Unit-1-1777883415250"`)
			So(w.Body.String(), ShouldContainSubstring, "DETECTED: LIGHT VEHICLE")

			So(do(mux, "GET", "/logs/hq_latest/cot", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestServer_Feed(t *testing.T) {
	Convey("Given a websocket client on /feed", t, func() {
		deps, mux := newHarness(t)
		first := appendThreat(t, deps.store, "INFANTRY PRESENCE")

		srv := httptest.NewServer(mux)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed?type=threat_log&since=0"

		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		if resp != nil {
			_ = resp.Body.Close()
		}
		defer conn.Close()

		Convey("New writes arrive in commit order", func() {
			second := appendThreat(t, deps.store, "SUSPICIOUS KIT")
			e, err := deps.store.Get(context.Background(), first)
			So(err, ShouldBeNil)
			entry, err := e.Threat()
			So(err, ShouldBeNil)
			entry.Status = model.StatusSynced
			_, err = deps.store.Update(context.Background(), entry, entry.Rev)
			So(err, ShouldBeNil)

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var a, b repository.Change
			So(conn.ReadJSON(&a), ShouldBeNil)
			So(conn.ReadJSON(&b), ShouldBeNil)
			So(a.Doc.ID, ShouldEqual, second)
			So(a.Kind, ShouldEqual, repository.ChangeInsert)
			So(b.Doc.ID, ShouldEqual, first)
			So(b.Kind, ShouldEqual, repository.ChangeUpdate)
			So(a.Seq, ShouldBeLessThan, b.Seq)
		})
	})

	Convey("A replaying client sees history after since", t, func() {
		deps, mux := newHarness(t)
		appendThreat(t, deps.store, "INFANTRY PRESENCE")
		second := appendThreat(t, deps.store, "DEVICE SIGNATURE")

		srv := httptest.NewServer(mux)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed?since=1"

		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		if resp != nil {
			_ = resp.Body.Close()
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var c repository.Change
		So(conn.ReadJSON(&c), ShouldBeNil)
		So(c.Doc.ID, ShouldEqual, second)
	})

	Convey("Bad feed parameters are refused before upgrading", t, func() {
		_, mux := newHarness(t)
		So(do(mux, "GET", "/feed?since=-1", "").Code, ShouldEqual, http.StatusBadRequest)
		So(do(mux, "GET", "/feed?type=x", "").Code, ShouldEqual, http.StatusBadRequest)
	})
}
