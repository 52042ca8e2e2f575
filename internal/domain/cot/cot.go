// Package cot renders threat log entries as Cursor-on-Target 2.0 events for
// situational awareness exchange. Only the unknown-ground affiliation is ever
// produced.
package cot

import (
	"encoding/xml"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/aegis/internal/domain/model"
)

// Fixed event attributes.
const (
	Version      = "2.0"
	TypeUnknown  = "a-u-G"
	HowMachine   = "m-g"
	GroupName    = "Aegis Sensors"
	GroupRole    = "Sensor"
	Source       = "Edge AI (Local)"
	Disclaimer   = "Situational Awareness Data Only. No Targeting."
	timeLayout   = "2006-01-02T15:04:05.000Z"
	defaultStale = 10 * time.Minute
)

// Placeholder position used until the device reports a fix.
var defaultPoint = Point{Lat: "32.7071", Lon: "-117.1625", HAE: "0", CE: "9999999", LE: "9999999"}

// Event is the root CoT element.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	How     string   `xml:"how,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

// Point carries position and error estimates as CoT strings.
type Point struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	HAE string `xml:"hae,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
}

// Detail is the free-form CoT detail block.
type Detail struct {
	Contact Contact `xml:"contact"`
	Remarks string  `xml:"remarks"`
	Group   Group   `xml:"__group"`
}

// Contact identifies the reporting sensor.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
	Endpoint string `xml:"endpoint,attr"`
	Phone    string `xml:"phone,attr"`
}

// Group is the ATAK team grouping.
type Group struct {
	Name string `xml:"name,attr"`
	Role string `xml:"role,attr"`
}

// Serializer builds events for one device.
type Serializer struct {
	deviceID string
	stale    time.Duration
	point    Point
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithStale sets how long after capture the event goes stale.
func WithStale(d time.Duration) Option {
	return func(s *Serializer) {
		if d > 0 {
			s.stale = d
		}
	}
}

// WithPoint overrides the placeholder position.
func WithPoint(p Point) Option {
	return func(s *Serializer) { s.point = p }
}

// New returns a Serializer that signs events with deviceID.
func New(deviceID string, opts ...Option) *Serializer {
	s := &Serializer{deviceID: deviceID, stale: defaultStale, point: defaultPoint}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Event builds the CoT event for entry. The output depends only on the entry
// and the serializer settings.
func (s *Serializer) Event(entry model.ThreatLogEntry) Event {
	captured := entry.Timestamp.UTC()
	ts := captured.Format(timeLayout)

	return Event{
		Version: Version,
		UID:     fmt.Sprintf("%s-%d", s.deviceID, captured.UnixMilli()),
		Type:    TypeUnknown,
		Time:    ts,
		Start:   ts,
		Stale:   captured.Add(s.stale).Format(timeLayout),
		How:     HowMachine,
		Point:   s.point,
		Detail: Detail{
			Contact: Contact{Callsign: s.deviceID},
			Remarks: Remarks(entry.Label, entry.Confidence),
			Group:   Group{Name: GroupName, Role: GroupRole},
		},
	}
}

// Serialize renders entry as indented CoT XML.
func (s *Serializer) Serialize(entry model.ThreatLogEntry) (string, error) {
	b, err := Marshal(s.Event(entry))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Marshal encodes an event. Any affiliation other than unknown is refused.
func Marshal(ev Event) ([]byte, error) {
	if ev.Type != TypeUnknown {
		return nil, fmt.Errorf("%w: %q", ErrAffiliation, ev.Type)
	}
	b, err := xml.MarshalIndent(ev, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal cot event: %w", err)
	}
	return b, nil
}

// Remarks formats the human-readable remarks block.
func Remarks(label string, confidence float64) string {
	lines := []string{
		"DETECTED: " + strings.ToUpper(label),
		fmt.Sprintf("CONFIDENCE: %d%%", int(math.Round(confidence*100))),
		"SOURCE: " + Source,
		"NOTE: " + Disclaimer,
	}
	return strings.Join(lines, "\n")
}
