package domain

import "testing"

func TestResourceVector_AddCommutative(t *testing.T) {
	a := ResourceVector{CPU: 1, Memory: 2, NetworkRx: 3, NetworkTx: 4}
	b := ResourceVector{CPU: 0.5, Memory: 8, NetworkRx: 0, NetworkTx: 1}

	if a.Add(b) != b.Add(a) {
		t.Errorf("Add is not commutative: %v != %v", a.Add(b), b.Add(a))
	}
	if a.Add(ResourceVector{}) != a {
		t.Errorf("Add(zero) = %v, want %v", a.Add(ResourceVector{}), a)
	}
}

func TestResourceVector_Covers(t *testing.T) {
	a := ResourceVector{CPU: 4, Memory: 4, NetworkRx: 4, NetworkTx: 4}

	tests := []struct {
		name string
		b    ResourceVector
		want bool
	}{
		{"equal", a, true},
		{"smaller", ResourceVector{CPU: 1, Memory: 1, NetworkRx: 1, NetworkTx: 1}, true},
		{"cpu exceeds", ResourceVector{CPU: 5}, false},
		{"memory exceeds", ResourceVector{Memory: 4.01}, false},
		{"rx exceeds", ResourceVector{NetworkRx: 10}, false},
		{"tx exceeds", ResourceVector{NetworkTx: 4.5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Covers(tt.b); got != tt.want {
				t.Errorf("Covers(%v) = %v, want %v", tt.b, got, tt.want)
			}
		})
	}
}

func TestResourceVector_DivideByZero(t *testing.T) {
	v := ResourceVector{CPU: 3, Memory: 6}
	if got := v.Divide(0); !got.IsZero() {
		t.Errorf("Divide(0) = %v, want zero vector", got)
	}
	if got := v.Divide(3); got != (ResourceVector{CPU: 1, Memory: 2}) {
		t.Errorf("Divide(3) = %v", got)
	}
}

func TestResourceVector_Normalize(t *testing.T) {
	used := ResourceVector{CPU: 2, Memory: 512, NetworkRx: 10, NetworkTx: 5}
	capacity := ResourceVector{CPU: 4, Memory: 1024, NetworkRx: 0, NetworkTx: 10}

	got := used.Normalize(capacity)
	want := ResourceVector{CPU: 0.5, Memory: 0.5, NetworkRx: 0, NetworkTx: 0.5}
	if got != want {
		t.Errorf("Normalize() = %v, want %v", got, want)
	}
}
