package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_NowAndSet(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)

	if now := clock.Now(); !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}

	newTime := fixedTime.Add(48 * time.Hour)
	clock.Set(newTime)
	if !clock.Now().Equal(newTime) {
		t.Errorf("Set() did not update time, got %v", clock.Now())
	}
	if d := clock.Since(fixedTime); d != 48*time.Hour {
		t.Errorf("Since() = %v, want 48h", d)
	}
}

func TestMockClock_TickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(100 * time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(50 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if !got.Equal(start.Add(100 * time.Millisecond)) {
			t.Errorf("tick time = %v", got)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}

	if clock.Tickers() != 1 {
		t.Errorf("Tickers() = %d, want 1", clock.Tickers())
	}
}
