package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/stowage/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.NewConstant(3 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)
	want := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		60: 10 * time.Second,
	}
	for attempt, w := range want {
		if got := e.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 5*time.Second)
	for range 100 {
		if got := e.Delay(4); got < 0 || got > 5*time.Second {
			t.Fatalf("Delay(4) = %v, out of [0, 5s]", got)
		}
	}
}

func TestPolicy_Next(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	flat := backoff.Policy{Delay: 5 * time.Second}
	if got := flat.Next(now, 3); !got.Equal(now.Add(5 * time.Second)) {
		t.Errorf("flat Next = %v", got)
	}

	exp := backoff.Policy{Delay: 5 * time.Second, Backoff: true, Max: 30 * time.Second}
	if got := exp.Next(now, 3); !got.Equal(now.Add(20 * time.Second)) {
		t.Errorf("exp Next(3) = %v, want +20s", got)
	}
	if got := exp.Next(now, 5); !got.Equal(now.Add(30 * time.Second)) {
		t.Errorf("exp Next(5) = %v, want capped +30s", got)
	}
}
