package presence

import (
	"context"
	"sync"
)

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	holders map[string]string // username -> connID
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{holders: make(map[string]string)}
}

// Reserve claims username for connID if it is free.
// Re-reserving by the current holder is idempotent.
func (r *MemoryRegistry) Reserve(ctx context.Context, username, connID string) (bool, error) {
	if err := checkArgs(username, connID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.holders[username]; ok {
		return holder == connID, nil
	}
	r.holders[username] = connID
	return true, nil
}

// Release frees username if connID holds it.
func (r *MemoryRegistry) Release(_ context.Context, username, connID string) error {
	if err := checkArgs(username, connID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders[username] == connID {
		delete(r.holders, username)
	}
	return nil
}

// Refresh reports whether connID still holds username. Entries do not expire in memory.
func (r *MemoryRegistry) Refresh(_ context.Context, username, connID string) (bool, error) {
	if err := checkArgs(username, connID); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.holders[username] == connID, nil
}

// Ping always succeeds.
func (r *MemoryRegistry) Ping(ctx context.Context) error { return ctx.Err() }

// Online returns the number of reserved usernames.
func (r *MemoryRegistry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.holders)
}
