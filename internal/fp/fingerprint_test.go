package fp

import "testing"

func TestNormalizeDestination(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  /models/sd/base.safetensors ", "/models/sd/base.safetensors"},
		{"cleans redundant segments", "/models//sd/./base.safetensors", "/models/sd/base.safetensors"},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDestination(tt.in); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprintStableUnderNormalization(t *testing.T) {
	a := Fingerprint("/models/sd/base.safetensors")
	b := Fingerprint(" /models//sd/base.safetensors ")
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	c := Fingerprint("/models/sd/other.safetensors")
	if a == c {
		t.Fatalf("different destinations must not collide")
	}
}
