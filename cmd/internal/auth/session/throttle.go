package session

import (
	"sort"
	"sync"
	"time"
)

// LockoutTier blocks a key for Duration after its latest failure once it has
// accumulated Threshold failures.
type LockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// DefaultThrottleMaxKeys bounds the number of keys a Throttle tracks.
const DefaultThrottleMaxKeys = 10000

// Throttle tracks login failures per key (normally a username) in memory.
//
// Two rules apply: a sliding window (max failures per window) and progressive
// lockout tiers. It is safe for concurrent use.
type Throttle struct {
	mu sync.Mutex

	max     int
	window  time.Duration
	tiers   []LockoutTier
	horizon time.Duration
	maxKeys int

	failures map[string][]time.Time
}

// NewThrottle returns a throttle. max <= 0 disables the window rule.
func NewThrottle(max int, window time.Duration, tiers []LockoutTier) *Throttle {
	sorted := append([]LockoutTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Threshold > sorted[j].Threshold })

	horizon := window
	for _, tier := range sorted {
		if tier.Duration > horizon {
			horizon = tier.Duration
		}
	}

	return &Throttle{
		max:      max,
		window:   window,
		tiers:    sorted,
		horizon:  horizon,
		maxKeys:  DefaultThrottleMaxKeys,
		failures: make(map[string][]time.Time),
	}
}

// WithMaxKeys sets the key capacity. n <= 0 keeps the default.
func (t *Throttle) WithMaxKeys(n int) *Throttle {
	if n > 0 {
		t.maxKeys = n
	}
	return t
}

// Check reports whether key is currently blocked and for how long.
func (t *Throttle) Check(key string, now time.Time) (bool, time.Duration) {
	if t == nil {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fails := t.prune(key, now)
	if len(fails) == 0 {
		return false, 0
	}

	if blocked, retry := evaluateProgressiveLockout(now, fails, t.tiers); blocked {
		return true, retry
	}
	return evaluateWindowThrottle(now, fails, t.max, t.window)
}

// Fail records a failed attempt. When a new key would exceed capacity,
// expired keys are swept first and then the key idle longest is evicted.
func (t *Throttle) Fail(key string, now time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fails := t.prune(key, now)
	if len(fails) == 0 && len(t.failures) >= t.maxKeys {
		t.sweep(now)
		if len(t.failures) >= t.maxKeys {
			t.evictOldest()
		}
	}
	t.failures[key] = append(fails, now)
}

// Reset forgets all failures for key (after a successful login).
func (t *Throttle) Reset(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.failures, key)
	t.mu.Unlock()
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures)
}

// prune drops failures older than the horizon. Caller holds mu.
func (t *Throttle) prune(key string, now time.Time) []time.Time {
	fails := t.failures[key]
	cut := now.Add(-t.horizon)

	i := 0
	for i < len(fails) && !fails[i].After(cut) {
		i++
	}
	fails = fails[i:]

	if len(fails) == 0 {
		delete(t.failures, key)
		return nil
	}
	t.failures[key] = fails
	return fails
}

// sweep prunes every key. Caller holds mu.
func (t *Throttle) sweep(now time.Time) {
	for key := range t.failures {
		t.prune(key, now)
	}
}

// evictOldest drops the key whose latest failure is oldest. Caller holds mu.
func (t *Throttle) evictOldest() {
	var (
		victim string
		oldest time.Time
	)
	for key, fails := range t.failures {
		last := fails[len(fails)-1]
		if victim == "" || last.Before(oldest) {
			victim, oldest = key, last
		}
	}
	delete(t.failures, victim)
}

func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)

	count := 0
	var oldest time.Time
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}

	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout expects tiers sorted by descending threshold.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []LockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}

	var latest time.Time
	for _, f := range failures {
		if f.After(latest) {
			latest = f
		}
	}

	for _, tier := range tiers {
		if tier.Threshold <= 0 || len(failures) < tier.Threshold {
			continue
		}
		until := latest.Add(tier.Duration)
		if until.After(now) {
			return true, until.Sub(now)
		}
		return false, 0
	}
	return false, 0
}
