package timeutil

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	if c.Since(start) < 0 {
		t.Error("Since returned a negative duration")
	}
}

func TestMockClockAdvance(t *testing.T) {
	base := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	c.Advance(1500 * time.Millisecond)
	if got := c.Since(base); got != 1500*time.Millisecond {
		t.Errorf("Since = %v, want 1.5s", got)
	}

	c.Set(base)
	if !c.Now().Equal(base) {
		t.Errorf("Now = %v after Set, want %v", c.Now(), base)
	}
}

func TestMockClockAfter(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ch := c.After(10 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-ch:
		if got.Unix() != 10 {
			t.Errorf("fired at %v, want 10s", got.Unix())
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}

	select {
	case <-c.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
}
