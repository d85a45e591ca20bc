package clock

import (
	"testing"
	"time"
)

func TestFakeAfterAdvancesTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	got := <-c.After(25 * time.Millisecond)
	if want := start.Add(25 * time.Millisecond); !got.Equal(want) {
		t.Fatalf("After fired at %v, want %v", got, want)
	}
	if !c.Now().Equal(start.Add(25 * time.Millisecond)) {
		t.Fatalf("Now did not advance: %v", c.Now())
	}
}

func TestFakeAfterNonPositiveDoesNotAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	<-c.After(0)
	<-c.After(-time.Second)
	if !c.Now().Equal(start) {
		t.Fatalf("clock moved on non-positive wait: %v", c.Now())
	}
	if waits := c.Waits(); len(waits) != 2 {
		t.Fatalf("expected 2 recorded waits, got %d", len(waits))
	}
}

func TestFakeAdvance(t *testing.T) {
	start := time.Unix(100, 0)
	c := Fake(start)
	c.Advance(time.Second)
	if got := c.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("Advance: got %v", got)
	}
}
