// Package taxonomy maps generic classifier labels onto the tactical vocabulary.
package taxonomy

import (
	"sort"
	"strings"
)

// TacticalLabel is a label from the tactical vocabulary.
type TacticalLabel string

// Tactical vocabulary.
const (
	InfantryPresence TacticalLabel = "INFANTRY PRESENCE"
	DeviceSignature  TacticalLabel = "DEVICE SIGNATURE"
	SuspiciousKit    TacticalLabel = "SUSPICIOUS KIT"
	LightVehicle     TacticalLabel = "LIGHT VEHICLE"
	CyberTerminal    TacticalLabel = "CYBER TERMINAL"
)

var table = map[string]TacticalLabel{
	"person":     InfantryPresence,
	"cell phone": DeviceSignature,
	"backpack":   SuspiciousKit,
	"car":        LightVehicle,
	"laptop":     CyberTerminal,
}

// Map returns the tactical label for a raw classifier label.
// Unknown labels yield ("", false); that is a filter, not an error.
func Map(raw string) (TacticalLabel, bool) {
	l, ok := table[strings.ToLower(strings.TrimSpace(raw))]
	return l, ok
}

// Labels returns the raw labels the table recognizes, sorted.
func Labels() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
