package client

import (
	"testing"
	"time"
)

func TestBreaker(t *testing.T) {
	// 3 failures to trip, 100ms cooldown for fast testing
	b := NewBreaker(3, 100*time.Millisecond)

	if b.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker refused a request")
	}

	b.Failure()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Error("breaker tripped below the failure threshold")
	}

	b.Failure()
	if b.State() != BreakerOpen {
		t.Error("breaker did not trip at the failure threshold")
	}
	if b.Allow() {
		t.Error("open breaker admitted a request")
	}

	time.Sleep(150 * time.Millisecond)
	if !b.Allow() {
		t.Error("breaker refused the probe after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("state after probe admit = %v, want half-open", b.State())
	}

	// failed probe re-opens
	b.Failure()
	if b.State() != BreakerOpen {
		t.Error("failed probe did not re-open the breaker")
	}

	time.Sleep(150 * time.Millisecond)
	b.Allow()

	// successful probe closes
	b.Success()
	if b.State() != BreakerClosed {
		t.Error("successful probe did not close the breaker")
	}
	if b.failures != 0 {
		t.Error("failure count not reset on close")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Error("non-consecutive failures tripped the breaker")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Error("three consecutive failures did not trip the breaker")
	}
}

func TestBreakerStateString(t *testing.T) {
	for state, want := range map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
