package admission

import (
	"testing"
	"time"

	"github.com/vap-net/dispatcher/internal/clock"
)

func TestLimiterCap(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	l := NewLimiter(3, clk)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Allow() = false at accept %d", i+1)
		}
		l.Record()
		clk.Advance(time.Second)
	}

	// The 4th acceptance within the window must be refused.
	if l.Allow() {
		t.Error("Allow() = true for the 4th accept within 60s")
	}
	if l.Count() != 3 {
		t.Errorf("Count() = %d, want 3", l.Count())
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	l := NewLimiter(2, clk)

	l.Record()
	clk.Advance(30 * time.Second)
	l.Record()
	if l.Allow() {
		t.Fatal("Allow() = true with a full window")
	}

	// 31 seconds later the first accept has aged out.
	clk.Advance(31 * time.Second)
	if !l.Allow() {
		t.Error("Allow() = false after the first accept left the window")
	}
	if l.Count() != 1 {
		t.Errorf("Count() = %d, want 1", l.Count())
	}
}

func TestLimiterCleanup(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	l := NewLimiter(5, clk)
	for i := 0; i < 5; i++ {
		l.Record()
	}
	clk.Advance(2 * time.Minute)
	l.Cleanup()
	if l.Count() != 0 {
		t.Errorf("Count() = %d after cleanup, want 0", l.Count())
	}
}
