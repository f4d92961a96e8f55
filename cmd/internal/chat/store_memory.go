package chat

import (
	"context"
	"sync"
	"time"

	"vouch/cmd/identity/ids"
)

const memMaxMessages = 10_000

// MemoryStore is a dev/test Store. It keeps messages ordered by ID.
type MemoryStore struct {
	mu   sync.Mutex
	ids  *ids.Monotonic
	msgs []Message
	byID map[string]int
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:  ids.NewMonotonic(),
		msgs: make([]Message, 0, 256),
		byID: make(map[string]int),
	}
}

// Close is a noop for in-memory.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Append stores a text message and assigns its ID.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	if in.Author == "" || in.Body == "" {
		return Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.ids.Next(now)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        id,
		Kind:      KindText,
		Author:    in.Author,
		Body:      in.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.msgs = append(s.msgs, msg)
	s.byID[id] = len(s.msgs) - 1

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs) > memMaxMessages {
		s.msgs = append([]Message(nil), s.msgs[len(s.msgs)-memMaxMessages:]...)
		s.reindexLocked()
	}
	return msg, nil
}

// Edit updates the body when id exists, belongs to Requester and is not deleted.
func (s *MemoryStore) Edit(ctx context.Context, in EditInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" || in.Body == "" {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[in.ID]
	if !ok {
		return Message{}, false, nil
	}
	m := &s.msgs[i]
	if m.Author != in.Requester || m.Deleted || m.Kind != KindText {
		return Message{}, false, nil
	}
	m.Body = in.Body
	m.Edited = true
	m.UpdatedAt = nowOr(in.Now)
	return *m, true, nil
}

// Delete tombstones the message under the same ownership rules as Edit.
func (s *MemoryStore) Delete(ctx context.Context, in DeleteInput) (Message, bool, error) {
	if in.ID == "" || in.Requester == "" {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[in.ID]
	if !ok {
		return Message{}, false, nil
	}
	m := &s.msgs[i]
	if m.Author != in.Requester || m.Deleted {
		return Message{}, false, nil
	}
	m.Body = Tombstone
	m.Deleted = true
	m.UpdatedAt = nowOr(in.Now)
	return *m, true, nil
}

// Recent returns up to limit newest messages, oldest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.msgs)-start)
	copy(out, s.msgs[start:])
	return out, nil
}

// PruneBefore removes messages created strictly before cutoff.
func (s *MemoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.msgs[:0]
	var removed int64
	for _, m := range s.msgs {
		if m.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	s.reindexLocked()
	return removed, nil
}

// reindexLocked rebuilds the id -> position map. msgs is already in ID order.
func (s *MemoryStore) reindexLocked() {
	clear(s.byID)
	for i, m := range s.msgs {
		s.byID[m.ID] = i
	}
}
