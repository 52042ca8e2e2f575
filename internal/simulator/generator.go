package simulator

import (
	"math/rand"
	"time"
)

// Raw classifier vocabulary: the first five map to tactical labels.
var (
	mappedLabels   = []string{"person", "cell phone", "backpack", "car", "laptop"}
	unmappedLabels = []string{"dog", "chair", "bicycle", "bottle", "tv"}
)

// jpegStub is enough of a JPEG for the node to treat as a snapshot.
var jpegStub = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xff, 0xd9}

type box struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

type detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   box     `json:"box"`
}

// Frame is the POST /detections body.
type Frame struct {
	Detections []detection `json:"detections"`
	Snapshot   []byte      `json:"snapshot,omitempty"`
	CapturedAt string      `json:"captured_at"`
}

// Generator produces deterministic frames for a seed.
type Generator struct {
	rnd      *rand.Rand
	unmapped float64
	clock    time.Time
	step     time.Duration
}

// NewGenerator seeds a generator. Frames are spaced step apart starting at start.
func NewGenerator(seed int64, unmapped float64, start time.Time, step time.Duration) *Generator {
	return &Generator{
		rnd:      rand.New(rand.NewSource(seed)), //nolint:gosec // synthetic load, not security sensitive
		unmapped: unmapped,
		clock:    start.UTC(),
		step:     step,
	}
}

// Next returns the next frame with one to three detections.
func (g *Generator) Next() Frame {
	n := 1 + g.rnd.Intn(3)
	f := Frame{CapturedAt: g.clock.Format(time.RFC3339Nano)}
	g.clock = g.clock.Add(g.step)

	for i := 0; i < n; i++ {
		label := mappedLabels[g.rnd.Intn(len(mappedLabels))]
		if g.rnd.Float64() < g.unmapped {
			label = unmappedLabels[g.rnd.Intn(len(unmappedLabels))]
		}
		x, y := g.rnd.Float64()*600, g.rnd.Float64()*400
		f.Detections = append(f.Detections, detection{
			Label: label,
			Score: 0.3 + g.rnd.Float64()*0.7,
			Box:   box{XMin: x, YMin: y, XMax: x + 40, YMax: y + 80},
		})
	}
	if g.rnd.Intn(2) == 0 {
		f.Snapshot = jpegStub
	}
	return f
}

// IsMapped reports whether a raw label belongs to the tactical taxonomy.
func IsMapped(label string) bool {
	for _, l := range mappedLabels {
		if l == label {
			return true
		}
	}
	return false
}
