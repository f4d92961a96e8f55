package session

import (
	"testing"
	"time"
)

func TestEvaluateWindowThrottle(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	failures := []time.Time{
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-6 * time.Minute),
	}

	blocked, retry := evaluateWindowThrottle(now, failures, 2, 5*time.Minute)
	if !blocked {
		t.Fatalf("expected window throttle to block")
	}
	if retry != 3*time.Minute {
		t.Fatalf("expected retry=3m, got %v", retry)
	}

	blocked, retry = evaluateWindowThrottle(now, failures, 3, 5*time.Minute)
	if blocked {
		t.Fatalf("expected window throttle to allow")
	}
	if retry != 0 {
		t.Fatalf("expected retry=0, got %v", retry)
	}
}

func TestEvaluateProgressiveLockout_ShortTier(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	failures := []time.Time{
		now.Add(-30 * time.Second),
		now.Add(-1 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-3 * time.Minute),
		now.Add(-4 * time.Minute),
	}

	blocked, retry := evaluateProgressiveLockout(now, failures, []LockoutTier{
		{Threshold: 20, Duration: 2 * time.Hour},
		{Threshold: 10, Duration: 30 * time.Minute},
		{Threshold: 5, Duration: 5 * time.Minute},
	})
	if !blocked {
		t.Fatalf("expected short-tier lockout")
	}
	if retry != 4*time.Minute+30*time.Second {
		t.Fatalf("unexpected retry duration: %v", retry)
	}
}

func TestEvaluateProgressiveLockout_ClearsAfterDuration(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	failures := []time.Time{
		now.Add(-6 * time.Minute),
		now.Add(-7 * time.Minute),
		now.Add(-8 * time.Minute),
		now.Add(-9 * time.Minute),
		now.Add(-10 * time.Minute),
	}

	blocked, retry := evaluateProgressiveLockout(now, failures, []LockoutTier{
		{Threshold: 5, Duration: 5 * time.Minute},
	})
	if blocked {
		t.Fatalf("expected lockout to clear, retry=%v", retry)
	}
	if retry != 0 {
		t.Fatalf("expected retry=0, got %v", retry)
	}
}

func TestEvaluateProgressiveLockout_SevereTierWins(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	failures := make([]time.Time, 0, 20)
	for i := 0; i < 20; i++ {
		failures = append(failures, now.Add(-time.Duration(i+1)*time.Minute))
	}

	blocked, retry := evaluateProgressiveLockout(now, failures, []LockoutTier{
		{Threshold: 20, Duration: 2 * time.Hour},
		{Threshold: 10, Duration: 30 * time.Minute},
		{Threshold: 5, Duration: 5 * time.Minute},
	})
	if !blocked {
		t.Fatalf("expected severe-tier lockout")
	}

	want := failures[0].Add(2 * time.Hour).Sub(now)
	if retry != want {
		t.Fatalf("expected retry=%v, got %v", want, retry)
	}
}

func TestThrottle_FailCheckReset(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(3, time.Minute, nil)

	for i := 0; i < 2; i++ {
		th.Fail("alice", now)
	}
	if blocked, _ := th.Check("alice", now); blocked {
		t.Fatalf("expected 2 failures to be allowed")
	}

	th.Fail("alice", now)
	blocked, retry := th.Check("alice", now.Add(10*time.Second))
	if !blocked {
		t.Fatalf("expected block after 3 failures")
	}
	if retry != 50*time.Second {
		t.Fatalf("expected retry=50s, got %v", retry)
	}

	if blocked, _ := th.Check("bob", now); blocked {
		t.Fatalf("failures must not leak across keys")
	}

	if blocked, _ := th.Check("alice", now.Add(2*time.Minute)); blocked {
		t.Fatalf("expected window to expire")
	}
	if th.Len() != 0 {
		t.Fatalf("expected expired key to be pruned, len=%d", th.Len())
	}

	th.Fail("alice", now)
	th.Reset("alice")
	if th.Len() != 0 {
		t.Fatalf("expected reset to forget key")
	}
}

func TestThrottle_TierOutlivesWindow(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(0, time.Minute, []LockoutTier{{Threshold: 2, Duration: time.Hour}})

	th.Fail("alice", now)
	th.Fail("alice", now.Add(time.Second))

	blocked, retry := th.Check("alice", now.Add(30*time.Minute))
	if !blocked {
		t.Fatalf("expected tier lockout to outlive the window")
	}
	if retry != 30*time.Minute+time.Second {
		t.Fatalf("unexpected retry: %v", retry)
	}
}

func TestThrottle_NilIsDisabled(t *testing.T) {
	var th *Throttle
	th.Fail("alice", time.Now())
	th.Reset("alice")
	if blocked, _ := th.Check("alice", time.Now()); blocked {
		t.Fatalf("nil throttle must never block")
	}
}

func TestThrottle_SweepsExpiredKeysAtCapacity(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(3, time.Minute, nil).WithMaxKeys(2)

	th.Fail("alice", now)
	th.Fail("bob", now)
	th.Fail("carol", now.Add(2*time.Minute))

	if th.Len() != 1 {
		t.Fatalf("expected expired keys to be swept, len=%d", th.Len())
	}
	if _, ok := th.failures["carol"]; !ok {
		t.Fatalf("expected the new key to be tracked")
	}
}

func TestThrottle_EvictsIdlestKeyAtCapacity(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(3, time.Hour, nil).WithMaxKeys(2)

	th.Fail("alice", now)
	th.Fail("bob", now.Add(time.Second))
	th.Fail("alice", now.Add(2*time.Second))
	th.Fail("carol", now.Add(3*time.Second))

	if th.Len() != 2 {
		t.Fatalf("expected capacity to hold, len=%d", th.Len())
	}
	if _, ok := th.failures["bob"]; ok {
		t.Fatalf("expected the idlest key to be evicted")
	}
	if got := len(th.failures["alice"]); got != 2 {
		t.Fatalf("expected alice to keep her failures, got %d", got)
	}

	// Existing keys never trigger eviction.
	th.Fail("carol", now.Add(4*time.Second))
	if th.Len() != 2 {
		t.Fatalf("unexpected len=%d", th.Len())
	}
}
