package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/aegis/internal/adapters/mq/queue"
	"github.com/okian/aegis/internal/adapters/mq/worker"
	"github.com/okian/aegis/internal/domain/debounce"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/internal/domain/taxonomy"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []model.ThreatLogEntry
	fail    int
}

func (s *fakeStore) Append(_ context.Context, rec model.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return "", errors.New("disk full")
	}
	entry, ok := rec.(model.ThreatLogEntry)
	if !ok {
		return "", errors.New("unexpected record")
	}
	s.entries = append(s.entries, entry)
	return entry.ID, nil
}

func (s *fakeStore) labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Label)
	}
	return out
}

func newEmitter(t *testing.T) debounce.Emitter {
	t.Helper()
	e, err := debounce.New(debounce.WithWindow(5 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func frameAt(at time.Time, dets ...model.DetectionEvent) model.Frame {
	return model.Frame{Detections: dets, CapturedAt: at, Snapshot: []byte{0xff, 0xd8}}
}

func det(label string, conf float64) model.DetectionEvent {
	return model.DetectionEvent{Label: label, Confidence: conf}
}

func TestProcessor(t *testing.T) {
	Convey("Given a processor over a real emitter and a fake store", t, func() {
		ctx := context.Background()
		store := &fakeStore{}
		p := worker.NewProcessor(newEmitter(t), store)
		t0 := time.Date(2026, 5, 4, 8, 30, 15, 0, time.UTC)

		Convey("Unmapped labels never create entries", func() {
			res, err := p.Process(ctx, frameAt(t0, det("dog", 0.99), det("chair", 0.9)))
			So(err, ShouldBeNil)
			So(res.Appended, ShouldBeEmpty)
			So(res.Dropped[worker.DropUnmapped], ShouldEqual, 2)
			So(store.labels(), ShouldBeEmpty)
		})

		Convey("Low confidence detections are dropped before mapping", func() {
			res, err := p.Process(ctx, frameAt(t0, det("person", 0.3)))
			So(err, ShouldBeNil)
			So(res.Dropped[worker.DropBelowThreshold], ShouldEqual, 1)
			So(store.labels(), ShouldBeEmpty)
		})

		Convey("A car at 0.81, again at +2s and +6s logs twice", func() {
			_, _ = p.Process(ctx, frameAt(t0, det("car", 0.81)))
			res, _ := p.Process(ctx, frameAt(t0.Add(2*time.Second), det("car", 0.76)))
			So(res.Dropped[worker.DropDebounced], ShouldEqual, 1)
			_, _ = p.Process(ctx, frameAt(t0.Add(6*time.Second), det("car", 0.79)))

			So(store.labels(), ShouldResemble, []string{string(taxonomy.LightVehicle), string(taxonomy.LightVehicle)})
			So(store.entries[0].Confidence, ShouldEqual, 0.81)
			So(store.entries[0].Status, ShouldEqual, model.StatusDetected)
			So(store.entries[0].Timestamp, ShouldEqual, t0)
			So(store.entries[0].Snapshot, ShouldResemble, []byte{0xff, 0xd8})
		})

		Convey("Distinct labels in one frame are independent", func() {
			res, err := p.Process(ctx, frameAt(t0, det("person", 0.9), det("laptop", 0.7), det("person", 0.95)))
			So(err, ShouldBeNil)
			So(len(res.Appended), ShouldEqual, 2)
			So(res.Dropped[worker.DropDebounced], ShouldEqual, 1)
		})

		Convey("A failed append is rolled back so the next frame retries", func() {
			store.fail = 1
			res, err := p.Process(ctx, frameAt(t0, det("backpack", 0.9)))
			So(err, ShouldNotBeNil)
			So(res.Dropped[worker.DropAppendFailed], ShouldEqual, 1)

			res, err = p.Process(ctx, frameAt(t0.Add(time.Second), det("backpack", 0.9)))
			So(err, ShouldBeNil)
			So(len(res.Appended), ShouldEqual, 1)
			So(store.labels(), ShouldResemble, []string{string(taxonomy.SuspiciousKit)})
		})
	})
}

func TestProcessorClock(t *testing.T) {
	Convey("An injected clock overrides the capture time", t, func() {
		fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		store := &fakeStore{}
		p := worker.NewProcessor(newEmitter(t), store,
			worker.WithClock(func() time.Time { return fixed }),
			worker.WithThreshold(0.8),
		)

		res, err := p.Process(context.Background(), frameAt(time.Time{}, det("cell phone", 0.85), det("car", 0.79)))
		So(err, ShouldBeNil)
		So(len(res.Appended), ShouldEqual, 1)
		So(store.entries[0].Timestamp, ShouldEqual, fixed)
		So(store.entries[0].Label, ShouldEqual, string(taxonomy.DeviceSignature))
	})
}

func TestPool(t *testing.T) {
	Convey("Given a pool draining a frame queue", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		q := queue.NewFrameQueue(queue.WithCapacity(64))
		store := &fakeStore{}
		pool := worker.NewPool(4, q, newEmitter(t), store)
		So(pool.Size(), ShouldEqual, 4)
		pool.Start(ctx)

		base := time.Now()
		labels := []string{"person", "cell phone", "backpack", "car", "laptop"}
		for i := 0; i < 50; i++ {
			l := labels[i%len(labels)]
			So(q.Enqueue(ctx, frameAt(base.Add(time.Duration(i)*time.Millisecond), det(l, 0.9))), ShouldBeNil)
		}

		Convey("Each label is logged exactly once inside the window", func() {
			So(pool.Shutdown(context.Background()), ShouldBeNil)
			So(len(store.labels()), ShouldEqual, len(labels))
			So(q.IsClosed(), ShouldBeTrue)
		})
	})
}
