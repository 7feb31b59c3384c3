package session

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	// Strictly increasing clock so ordering does not depend on wall time.
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return reg
}

func TestNewID(t *testing.T) {
	id := NewID(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^session-20250102_030405-[0-9a-f]{8}$`), id)
	assert.True(t, ValidID(id))
	assert.NotEqual(t, id, NewID(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestValidID(t *testing.T) {
	assert.False(t, ValidID("../etc"))
	assert.False(t, ValidID("session-../x"))
	assert.False(t, ValidID("other-20250102"))
	assert.True(t, ValidID("session-20250102_030405-abcdef01"))
}

func TestRegistry_CreateGetTouch(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	s, err := reg.Create(ctx)
	require.NoError(t, err)
	assert.DirExists(t, s.Path)
	assert.Equal(t, reg.Dir(s.ID), s.Path)

	got, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.CreatedAt, got.CreatedAt)
	assert.Equal(t, 0, got.Documents)

	require.NoError(t, reg.Touch(ctx, s.ID, 2))
	got, err = reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Documents)
	assert.True(t, got.LastUsedAt.After(got.CreatedAt))

	assert.ErrorIs(t, reg.Touch(ctx, "session-missing", 1), ErrNotFound)
	_, err = reg.Get(ctx, "session-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	var ids []string
	for range 3 {
		s, err := reg.Create(ctx)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	s, err := reg.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path+"/index.vec", []byte("x"), 0o644))

	require.NoError(t, reg.Delete(ctx, s.ID))
	assert.NoDirExists(t, s.Path)
	_, err = reg.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reg.Delete(ctx, s.ID), ErrNotFound)
}

func TestRegistry_CleanupKeepsLatest(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	var ids []string
	for range 4 {
		s, err := reg.Create(ctx)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	// The oldest session is busy and must survive.
	deleted, err := reg.Cleanup(ctx, 2, func(id string) bool { return id == ids[0] })
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, deleted)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	var remaining []string
	for _, s := range list {
		remaining = append(remaining, s.ID)
	}
	assert.Equal(t, []string{ids[3], ids[2], ids[0]}, remaining)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	for range 3 {
		_, err := reg.Create(ctx)
		require.NoError(t, err)
	}

	_, err := NewSweeper(reg, "not a schedule", 1, nil)
	require.Error(t, err)

	sw, err := NewSweeper(reg, "@hourly", 1, nil)
	require.NoError(t, err)
	require.NoError(t, sw.Start())
	defer sw.Stop()

	assert.Len(t, sw.RunOnce(ctx), 2)
	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
