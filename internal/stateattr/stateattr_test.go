package stateattr

import "testing"

func TestLookup(t *testing.T) {
	tests := []struct {
		name  string
		role  string
		write bool
	}{
		{"position", "level.blind", false},
		{"tilt", "level.tilt", false},
		{"stop", "button", false},
		{"SET", "button", true},
		{"_online", "indicator.connected", false},
	}
	for _, tt := range tests {
		a, ok := Lookup(tt.name)
		if !ok {
			t.Errorf("Lookup(%q) not found", tt.name)
			continue
		}
		if a.Role != tt.role {
			t.Errorf("Lookup(%q).Role = %q, want %q", tt.name, a.Role, tt.role)
		}
		if a.Write != tt.write {
			t.Errorf("Lookup(%q).Write = %v, want %v", tt.name, a.Write, tt.write)
		}
		if !a.Read {
			t.Errorf("Lookup(%q).Read = false", tt.name)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("definitelyNotAState"); ok {
		t.Error("unknown name found")
	}
}
