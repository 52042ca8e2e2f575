package taxonomy_test

import (
	"testing"

	"github.com/okian/aegis/internal/domain/taxonomy"
)

func TestMap(t *testing.T) {
	tests := []struct {
		raw  string
		want taxonomy.TacticalLabel
		ok   bool
	}{
		{"person", taxonomy.InfantryPresence, true},
		{"cell phone", taxonomy.DeviceSignature, true},
		{"backpack", taxonomy.SuspiciousKit, true},
		{"car", taxonomy.LightVehicle, true},
		{"laptop", taxonomy.CyberTerminal, true},
		{"  Car ", taxonomy.LightVehicle, true},
		{"dog", "", false},
		{"", "", false},
		{"cellphone", "", false},
	}

	for _, tt := range tests {
		got, ok := taxonomy.Map(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Map(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLabels(t *testing.T) {
	got := taxonomy.Labels()
	want := []string{"backpack", "car", "cell phone", "laptop", "person"}
	if len(got) != len(want) {
		t.Fatalf("Labels() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Labels()[%d] = %q, want %q", i, got[i], want[i])
		}
		if _, ok := taxonomy.Map(got[i]); !ok {
			t.Errorf("listed label %q does not map", got[i])
		}
	}
}
