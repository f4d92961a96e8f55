package ids

import (
	"testing"
	"time"
)

func TestNewULID_Length(t *testing.T) {
	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want 26", len(id))
	}
}

func TestMonotonic_StrictlyIncreasing(t *testing.T) {
	g := NewMonotonic()
	now := time.Now().UTC()

	prev := ""
	for i := 0; i < 1000; i++ {
		// Same millisecond for most iterations, then a backwards step.
		ts := now
		if i == 500 {
			ts = now.Add(-time.Hour)
		}
		id, err := g.Next(ts)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %s not after %s at i=%d", id, prev, i)
		}
		prev = id
	}
}
