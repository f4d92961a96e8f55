// Package ids provides ID primitives (ULID) shared by identity and chat.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Monotonic issues ULIDs that sort strictly after every previous ID it issued,
// including IDs minted within the same millisecond.
type Monotonic struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
}

// NewMonotonic returns a ready generator.
func NewMonotonic() *Monotonic {
	return &Monotonic{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next ULID for now. A clock stepping backwards reuses the
// last timestamp so ordering still holds.
func (m *Monotonic) Next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < m.last.Time() {
		ms = m.last.Time()
	}
	id, err := ulid.New(ms, m.entropy)
	if err != nil {
		return "", err
	}
	m.last = id
	return id.String(), nil
}
