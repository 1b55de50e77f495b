package nodeid

import "testing"

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewLength(t *testing.T) {
	id := New()
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d: %s", len(id), id)
	}
}
