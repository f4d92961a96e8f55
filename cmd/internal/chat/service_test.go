package chat

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "vouch/shared/contracts/chat/v1"
)

type recordingHub struct {
	mu   sync.Mutex
	envs []v1.Envelope
}

func (h *recordingHub) Broadcast(env v1.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envs = append(h.envs, env)
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.envs))
	for _, e := range h.envs {
		out = append(out, e.Type)
	}
	return out
}

func (h *recordingHub) last(t *testing.T) v1.Envelope {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.envs)
	return h.envs[len(h.envs)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingHub, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	hub := &recordingHub{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(log, store, hub, nil, Config{Now: clock.Now})
	require.NoError(t, err)
	return svc, store, hub, clock
}

func TestService_PostTextBroadcasts(t *testing.T) {
	ctx := context.Background()
	svc, _, hub, clock := newTestService(t)

	msg, err := svc.PostText(ctx, "alice", "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, clock.Now(), msg.CreatedAt)

	env := hub.last(t)
	assert.Equal(t, v1.TypeChatMessage, env.Type)
	assert.Equal(t, v1.Version, env.V)

	var p v1.ChatMessage
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, v1.ChatMessage{ID: msg.ID, User: "alice", Text: "hi", Timestamp: msg.CreatedAt}, p)
}

func TestService_PostTextValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, hub, _ := newTestService(t)

	_, err := svc.PostText(ctx, "alice", "   ")
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = svc.PostText(ctx, "alice", strings.Repeat("é", MaxBodyRunes+1))
	assert.ErrorIs(t, err, ErrBodyTooLong)

	_, err = svc.PostText(ctx, "alice", strings.Repeat("é", MaxBodyRunes))
	assert.NoError(t, err)
	assert.Len(t, hub.types(), 1)
}

func TestService_EditOwnershipAndTombstones(t *testing.T) {
	ctx := context.Background()
	svc, store, hub, _ := newTestService(t)

	msg, err := svc.PostText(ctx, "alice", "hi")
	require.NoError(t, err)

	// Foreign edit is a silent no-op.
	ok, err := svc.EditMessage(ctx, "bob", msg.ID, "hacked")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.EditMessage(ctx, "alice", msg.ID, "hello")
	require.NoError(t, err)
	assert.True(t, ok)

	var edited v1.MessageEditedPayload
	require.NoError(t, hub.last(t).Decode(&edited))
	assert.Equal(t, v1.MessageEditedPayload{ID: msg.ID, NewText: "hello", Edited: true}, edited)

	// Foreign delete is a silent no-op.
	ok, err = svc.DeleteMessage(ctx, "bob", msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var deleted v1.MessageDeletedPayload
	require.NoError(t, hub.last(t).Decode(&deleted))
	assert.Equal(t, v1.MessageDeletedPayload{ID: msg.ID, Deleted: true, Text: Tombstone}, deleted)

	// Post-delete edits and deletes change nothing.
	ok, err = svc.EditMessage(ctx, "alice", msg.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = svc.DeleteMessage(ctx, "alice", msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown ids too.
	ok, err = svc.EditMessage(ctx, "alice", "01HZZZZZZZZZZZZZZZZZZZZZZZ", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{v1.TypeChatMessage, v1.TypeMessageEdited, v1.TypeMessageDeleted}, hub.types())

	hist, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Deleted)
	assert.True(t, hist[0].Edited)
	assert.Equal(t, Tombstone, hist[0].Body)
}

func TestService_PruneBoundary(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)

	base := clock.Now()

	clock.Set(base.Add(-25 * time.Hour))
	old, err := svc.PostText(ctx, "alice", "old")
	require.NoError(t, err)

	clock.Set(base.Add(-24 * time.Hour))
	edge, err := svc.PostText(ctx, "alice", "exactly at cutoff")
	require.NoError(t, err)

	clock.Set(base.Add(-1 * time.Hour))
	recent, err := svc.PostText(ctx, "alice", "recent")
	require.NoError(t, err)

	clock.Set(base)
	n, err := svc.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	hist, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(hist))
	for _, m := range hist {
		ids = append(ids, m.ID)
	}
	assert.NotContains(t, ids, old.ID)
	assert.Equal(t, []string{edge.ID, recent.ID}, ids)
}

func TestService_AttachSeesHistoryThenLiveEvents(t *testing.T) {
	ctx := context.Background()
	svc, _, hub, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.PostText(ctx, "alice", "m")
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		started = make(chan struct{})
		release = make(chan struct{})
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := svc.Attach(ctx, 0, func(msgs []Message) error {
			assert.Len(t, msgs, 3)
			close(started)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-started
	posted := make(chan struct{})
	go func() {
		defer close(posted)
		_, _ = svc.PostText(ctx, "bob", "late")
	}()

	// The concurrent post must wait for Attach to finish.
	select {
	case <-posted:
		t.Fatal("broadcast interleaved with Attach")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, hub.types(), 3)

	close(release)
	wg.Wait()
	<-posted
	assert.Len(t, hub.types(), 4)
}

func TestService_FileNotice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hub := &recordingHub{}
	svc, err := NewService(nil, store, hub, nil, Config{MaxFileBytes: 10})
	require.NoError(t, err)

	err = svc.PostFileNotice(ctx, "alice", v1.FileMessagePayload{Name: "a.png", MimeType: "image/png", Size: 4, Data: "data:image/png;base64,AAAA"})
	require.NoError(t, err)

	var p v1.FileMessageBroadcast
	require.NoError(t, hub.last(t).Decode(&p))
	assert.Equal(t, "alice", p.User)
	assert.Equal(t, "a.png", p.Name)

	assert.ErrorIs(t, svc.PostFileNotice(ctx, "alice", v1.FileMessagePayload{Name: "big", Size: 11}), ErrFileTooLarge)
	assert.ErrorIs(t, svc.PostFileNotice(ctx, "alice", v1.FileMessagePayload{Name: " ", Size: 1}), ErrInvalidFile)

	// File notices are never persisted.
	hist, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestService_RunRetentionStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	svc, err := NewService(nil, store, &recordingHub{}, nil, Config{RetentionInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunRetention(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRetention did not stop")
	}
}
