package modcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/testutil"
)

func newTestCache(t *testing.T) (*KVCache, func()) {
	t.Helper()

	js, cleanup := testutil.SetupJetStream(t)
	cache, err := NewKVCache(js, "test_modules", zap.NewNop())
	require.NoError(t, err)
	return cache, cleanup
}

func TestPublishAndResolve(t *testing.T) {
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	content := []byte("package billing\n\nfunc Run(payload []byte) ([]byte, error) { return payload, nil }\n")
	mod, err := cache.Publish(ctx, "workflows/billing/main.go", content)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mod.Version)
	assert.Equal(t, model.ContentHash(content), mod.Hash)

	t.Run("latest", func(t *testing.T) {
		got, err := cache.ResolveLatest(ctx, "workflows/billing/main.go")
		require.NoError(t, err)
		assert.Equal(t, content, got.Content)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("by version", func(t *testing.T) {
		got, err := cache.ResolveVersion(ctx, "workflows/billing/main.go", 1)
		require.NoError(t, err)
		assert.Equal(t, mod.Hash, got.Hash)
	})

	t.Run("unknown path", func(t *testing.T) {
		_, err := cache.ResolveLatest(ctx, "workflows/missing/main.go")
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := cache.ResolveVersion(ctx, "workflows/billing/main.go", 42)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestPublishBumpsVersionAndKeepsHistory(t *testing.T) {
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	v1 := []byte("package wf // v1\n")
	v2 := []byte("package wf // v2\n")

	mod1, err := cache.Publish(ctx, "workflows/wf.go", v1)
	require.NoError(t, err)
	mod2, err := cache.Publish(ctx, "workflows/wf.go", v2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), mod1.Version)
	assert.Equal(t, uint64(2), mod2.Version)

	// Old versions stay resolvable byte-for-byte after the latest pointer
	// moves on.
	old, err := cache.ResolveVersion(ctx, "workflows/wf.go", 1)
	require.NoError(t, err)
	assert.Equal(t, v1, old.Content)

	latest, err := cache.ResolveLatest(ctx, "workflows/wf.go")
	require.NoError(t, err)
	assert.Equal(t, v2, latest.Content)
}

func TestResolveIsSharedAcrossCacheHandles(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()
	ctx := context.Background()

	writer, err := NewKVCache(js, "shared_modules", zap.NewNop())
	require.NoError(t, err)
	reader, err := NewKVCache(js, "shared_modules", zap.NewNop())
	require.NoError(t, err)

	content := []byte("package shared\n")
	_, err = writer.Publish(ctx, "workflows/shared.go", content)
	require.NoError(t, err)

	// Two independent handles on the same bucket see identical bytes;
	// there is no per-process copy to fall out of sync.
	got, err := reader.ResolveLatest(ctx, "workflows/shared.go")
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
}

func TestPathsAndSnapshot(t *testing.T) {
	cache, cleanup := newTestCache(t)
	defer cleanup()
	ctx := context.Background()

	paths, err := cache.Paths(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = cache.Publish(ctx, "workflows/a.go", []byte("package a\n"))
	require.NoError(t, err)
	_, err = cache.Publish(ctx, "workflows/b.go", []byte("package b\n"))
	require.NoError(t, err)
	_, err = cache.Publish(ctx, "workflows/b.go", []byte("package b // v2\n"))
	require.NoError(t, err)

	paths, err = cache.Paths(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"workflows/a.go", "workflows/b.go"}, paths)

	snapshot, err := cache.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, uint64(1), snapshot["workflows/a.go"].Version)
	assert.Equal(t, uint64(2), snapshot["workflows/b.go"].Version)
}

func TestResolveHonorsContextCancellation(t *testing.T) {
	cache, cleanup := newTestCache(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cache.ResolveLatest(ctx, "workflows/a.go")
	assert.ErrorIs(t, err, context.Canceled)
}
