package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imhere/internal/model"
)

// unreachable points at a port nothing listens on.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

// counting returns a loader that hands out the given name and counts calls.
func counting(calls *int, name *string) Loader {
	return func(context.Context) (model.Group, error) {
		*calls++
		return model.Group{ID: "g1", Name: *name}, nil
	}
}

func TestRedis_HitSkipsLoader(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()
	calls, name := 0, "CS 101"

	for i := 0; i < 3; i++ {
		g, err := c.Get(ctx, "g1", counting(&calls, &name))
		require.NoError(t, err)
		assert.Equal(t, "CS 101", g.Name)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, mr.Exists(key("g1")))
	assert.Equal(t, time.Minute, mr.TTL(key("g1")))
}

func TestRedis_InvalidateDropsEntry(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()
	calls, name := 0, "CS 101"

	_, err := c.Get(ctx, "g1", counting(&calls, &name))
	require.NoError(t, err)
	name = "CS 102"
	require.NoError(t, c.Invalidate(ctx, "g1"))
	assert.False(t, mr.Exists(key("g1")))

	g, err := c.Get(ctx, "g1", counting(&calls, &name))
	require.NoError(t, err)
	assert.Equal(t, "CS 102", g.Name)
	assert.Equal(t, 2, calls)
}

func TestRedis_LoadRacingInvalidateIsNotCached(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()

	// a member joins and invalidates while an older read is still loading
	g, err := c.Get(ctx, "g1", func(ctx context.Context) (model.Group, error) {
		require.NoError(t, c.Invalidate(ctx, "g1"))
		return model.Group{ID: "g1", Members: []string{}}, nil
	})
	require.NoError(t, err)
	assert.Empty(t, g.Members)
	assert.False(t, mr.Exists(key("g1")), "stale load must not be cached")

	g, err = c.Get(ctx, "g1", func(context.Context) (model.Group, error) {
		return model.Group{ID: "g1", Members: []string{"student-1"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"student-1"}, g.Members)

	g, err = c.Get(ctx, "g1", func(context.Context) (model.Group, error) {
		t.Fatal("expected a cache hit")
		return model.Group{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"student-1"}, g.Members)
}

func TestRedis_CorruptEntryReloads(t *testing.T) {
	c, mr := newRedis(t)
	require.NoError(t, mr.Set(key("g1"), "{"))
	calls, name := 0, "CS 101"

	g, err := c.Get(context.Background(), "g1", counting(&calls, &name))
	require.NoError(t, err)
	assert.Equal(t, "CS 101", g.Name)
	assert.Equal(t, 1, calls)
}

func TestRedis_FallsBackToLoaderWhenDown(t *testing.T) {
	c := NewRedis(unreachable(t), time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	calls := 0
	load := func(context.Context) (model.Group, error) {
		calls++
		return model.Group{ID: "g1", Name: "CS 101"}, nil
	}
	g, err := c.Get(context.Background(), "g1", load)
	require.NoError(t, err)
	assert.Equal(t, "CS 101", g.Name)
	assert.Equal(t, 1, calls)

	assert.Error(t, c.Invalidate(context.Background(), "g1"))
}

func TestRedis_LoaderErrorPropagates(t *testing.T) {
	c := NewRedis(unreachable(t), 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	boom := errors.New("not found")

	_, err := c.Get(context.Background(), "g1", func(context.Context) (model.Group, error) {
		return model.Group{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestNop(t *testing.T) {
	var c Nop
	g, err := c.Get(context.Background(), "g1", func(context.Context) (model.Group, error) {
		return model.Group{ID: "g1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", g.ID)
	assert.NoError(t, c.Invalidate(context.Background(), "g1"))
}
