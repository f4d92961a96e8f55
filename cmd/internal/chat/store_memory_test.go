package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RecentIsChronologicalAndClamped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 250; i++ {
		_, err := s.Append(ctx, AppendInput{Author: "alice", Body: fmt.Sprintf("m%03d", i), Now: base})
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, DefaultHistoryLimit)
	assert.Equal(t, "m150", got[0].Body)
	assert.Equal(t, "m249", got[len(got)-1].Body)

	got, err = s.Recent(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, got, MaxHistoryLimit)

	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID)
	}
}

func TestMemoryStore_ConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m, err := s.Append(ctx, AppendInput{Author: "alice", Body: "hi"})
	require.NoError(t, err)

	_, ok, err := s.Edit(ctx, EditInput{ID: m.ID, Requester: "bob", Body: "x"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Delete(ctx, DeleteInput{ID: m.ID, Requester: "bob"})
	require.NoError(t, err)
	assert.False(t, ok)

	d, ok, err := s.Delete(ctx, DeleteInput{ID: m.ID, Requester: "alice"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Tombstone, d.Body)

	_, ok, err = s.Edit(ctx, EditInput{ID: m.ID, Requester: "alice", Body: "back"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Append(ctx, AppendInput{Author: "", Body: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
