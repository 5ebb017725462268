package names

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Ada   Lovelace ", "Ada Lovelace"},
		{"José", "José"},
		{"", ""},
		{"\tGrace\nHopper", "Grace Hopper"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyIsCaseInsensitive(t *testing.T) {
	if Key("ADA lovelace") != Key(" Ada  Lovelace") {
		t.Error("Expected keys to match regardless of case and spacing")
	}
	if Key("Straße") != Key("STRASSE") {
		t.Error("Expected full case folding")
	}
	if Key("Ada") == Key("Grace") {
		t.Error("Expected different names to have different keys")
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"José García", "jose_garcia"},
		{"  Ada   Lovelace ", "ada_lovelace"},
		{"emp-7", "emp_7"},
		{"door/+/#", "door"},
		{"Straße", "strasse"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
