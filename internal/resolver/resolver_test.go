package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/modcache"
	"github.com/t77yq/execpool/internal/model"
)

// memCache is an in-memory Cache for resolver tests. Mutating it after
// Install must be invisible to an installed resolver.
type memCache struct {
	modules map[string]*model.VirtualModule
	fail    error
}

func newMemCache() *memCache {
	return &memCache{modules: make(map[string]*model.VirtualModule)}
}

func (c *memCache) put(logicalPath string, content []byte) {
	version := uint64(1)
	if prev, ok := c.modules[logicalPath]; ok {
		version = prev.Version + 1
	}
	c.modules[logicalPath] = &model.VirtualModule{
		LogicalPath: logicalPath,
		Version:     version,
		Content:     content,
		Hash:        model.ContentHash(content),
		PublishedAt: time.Now(),
	}
}

func (c *memCache) Publish(ctx context.Context, logicalPath string, content []byte) (*model.VirtualModule, error) {
	c.put(logicalPath, content)
	return c.modules[logicalPath], nil
}

func (c *memCache) ResolveLatest(ctx context.Context, logicalPath string) (*model.VirtualModule, error) {
	mod, ok := c.modules[logicalPath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", logicalPath, modcache.ErrModuleNotFound)
	}
	return mod, nil
}

func (c *memCache) ResolveVersion(ctx context.Context, logicalPath string, version uint64) (*model.VirtualModule, error) {
	mod, ok := c.modules[logicalPath]
	if !ok || mod.Version != version {
		return nil, fmt.Errorf("%s@%d: %w", logicalPath, version, modcache.ErrVersionNotFound)
	}
	return mod, nil
}

func (c *memCache) Paths(ctx context.Context) ([]string, error) {
	var paths []string
	for p := range c.modules {
		paths = append(paths, p)
	}
	return paths, nil
}

func (c *memCache) Snapshot(ctx context.Context) (map[string]*model.VirtualModule, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	out := make(map[string]*model.VirtualModule, len(c.modules))
	for p, mod := range c.modules {
		out[p] = mod
	}
	return out, nil
}

func TestResolveBeforeInstall(t *testing.T) {
	r := New(newMemCache(), "", zap.NewNop())

	_, err := r.Resolve("workflows/a/main.go")
	assert.ErrorIs(t, err, ErrNotInstalled)
	_, err = r.FS()
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestInstallIsIdempotent(t *testing.T) {
	cache := newMemCache()
	cache.put("workflows/a/main.go", []byte("package a\n"))
	r := New(cache, "", zap.NewNop())

	require.NoError(t, r.Install(context.Background()))

	// A second Install keeps the original pin even after the cache moved.
	cache.put("workflows/a/main.go", []byte("package a // v2\n"))
	require.NoError(t, r.Install(context.Background()))

	content, err := r.Resolve("workflows/a/main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package a\n"), content)
}

func TestInstallFailureIsFatalNotDegraded(t *testing.T) {
	cache := newMemCache()
	cache.fail = modcache.ErrCacheUnavailable
	r := New(cache, "", zap.NewNop())

	err := r.Install(context.Background())
	assert.ErrorIs(t, err, modcache.ErrCacheUnavailable)

	// Nothing was installed; lookups still report that.
	_, err = r.Resolve("workflows/a/main.go")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestResolveMissNeverFallsBack(t *testing.T) {
	cache := newMemCache()
	cache.put("workflows/a/main.go", []byte("package a\n"))
	r := New(cache, "", zap.NewNop())
	require.NoError(t, r.Install(context.Background()))

	_, err := r.Resolve("workflows/missing/main.go")
	assert.ErrorIs(t, err, modcache.ErrModuleNotFound)
}

func TestPinnedSnapshotIgnoresLaterPublishes(t *testing.T) {
	cache := newMemCache()
	cache.put("workflows/a/main.go", []byte("package a // v1\n"))
	r := New(cache, "", zap.NewNop())
	require.NoError(t, r.Install(context.Background()))

	// Publishes after install affect only workers installed later.
	cache.put("workflows/a/main.go", []byte("package a // v2\n"))
	cache.put("workflows/b/main.go", []byte("package b\n"))

	mod, ok := r.Pinned("workflows/a/main.go")
	require.True(t, ok)
	assert.Equal(t, uint64(1), mod.Version)

	_, err := r.Resolve("workflows/b/main.go")
	assert.ErrorIs(t, err, modcache.ErrModuleNotFound)

	// A fresh resolver over the same cache sees the new state.
	recycled := New(cache, "", zap.NewNop())
	require.NoError(t, recycled.Install(context.Background()))
	mod, ok = recycled.Pinned("workflows/a/main.go")
	require.True(t, ok)
	assert.Equal(t, uint64(2), mod.Version)
}

func TestFileLocationLayout(t *testing.T) {
	r := New(newMemCache(), "", zap.NewNop())
	assert.Equal(t, "/workflows/src/workflows/a/main.go", r.FileLocation("workflows/a/main.go"))

	custom := New(newMemCache(), "/srv/wf", zap.NewNop())
	assert.Equal(t, "/srv/wf/src/workflows/a/main.go", custom.FileLocation("workflows/a/main.go"))
}

func TestModuleFSLayout(t *testing.T) {
	cache := newMemCache()
	cache.put("workflows/billing/main.go", []byte("package billing\n"))
	cache.put("workflows/billing/tax.go", []byte("package billing // tax\n"))
	cache.put("workflows/report/main.go", []byte("package report\n"))

	r := New(cache, "", zap.NewNop())
	require.NoError(t, r.Install(context.Background()))

	fsys, err := r.FS()
	require.NoError(t, err)

	t.Run("read file", func(t *testing.T) {
		content, err := fs.ReadFile(fsys, "workflows/src/workflows/billing/main.go")
		require.NoError(t, err)
		assert.Equal(t, []byte("package billing\n"), content)
	})

	t.Run("rooted names accepted", func(t *testing.T) {
		f, err := fsys.Open("/workflows/src/workflows/billing/main.go")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	})

	t.Run("read dir", func(t *testing.T) {
		entries, err := fs.ReadDir(fsys, "workflows/src/workflows/billing")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "main.go", entries[0].Name())
		assert.Equal(t, "tax.go", entries[1].Name())
		assert.False(t, entries[0].IsDir())
	})

	t.Run("stat dir", func(t *testing.T) {
		info, err := fs.Stat(fsys, "workflows/src/workflows")
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := fsys.Open("workflows/src/workflows/missing.go")
		var pathErr *fs.PathError
		require.True(t, errors.As(err, &pathErr))
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}
