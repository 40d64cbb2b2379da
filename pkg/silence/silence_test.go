package silence

import (
	"testing"
	"time"
)

func TestClampTimeout(t *testing.T) {
	cases := []struct {
		ms   int
		want time.Duration
	}{
		{0, 3000 * time.Millisecond},
		{100, 300 * time.Millisecond},
		{300, 300 * time.Millisecond},
		{5000, 5000 * time.Millisecond},
		{15000, 15000 * time.Millisecond},
		{20000, 15000 * time.Millisecond},
	}

	for _, c := range cases {
		if got := ClampTimeout(c.ms); got != c.want {
			t.Errorf("ClampTimeout(%d) = %v, want %v", c.ms, got, c.want)
		}
	}
}

func TestGate_UpdatesOnDifferentText(t *testing.T) {
	g := NewGate(1000 * time.Millisecond)

	if fire := g.Observe("hello", 0); fire {
		t.Fatal("first observation must never fire")
	}
	if fire := g.Observe("world", 500_000); fire {
		t.Fatal("differing text must not fire")
	}
}

func TestGate_FiresAfterTimeoutOnRepeat(t *testing.T) {
	g := NewGate(1000 * time.Millisecond) // 1000ms = 1_000_000us

	if fire := g.Observe("hello", 0); fire {
		t.Fatal("first observation must never fire")
	}
	// Repeat within the timeout window: must not fire yet.
	if fire := g.Observe("hello", 900_000); fire {
		t.Fatal("repeat within timeout must not fire")
	}
	// Elapsed since the FIRST occurrence (0) now exceeds 1_000_000us.
	if fire := g.Observe("hello", 1_100_000); !fire {
		t.Fatal("expected gate to fire once elapsed exceeds timeout")
	}
}

func TestGate_Reset(t *testing.T) {
	g := NewGate(1000 * time.Millisecond)
	g.Observe("hello", 0)
	g.Reset()

	// After reset, "hello" is treated as a fresh first observation.
	if fire := g.Observe("hello", 2_000_000); fire {
		t.Fatal("observation after reset must not fire immediately")
	}
}

func TestMonotonicMicros_NonDecreasing(t *testing.T) {
	a := MonotonicMicros()
	time.Sleep(time.Millisecond)
	b := MonotonicMicros()
	if b < a {
		t.Fatalf("monotonic clock went backwards: %d then %d", a, b)
	}
}
