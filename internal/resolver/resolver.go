// Package resolver serves workflow module imports from the shared module
// cache instead of a synced filesystem tree. Workers install the resolver
// before any workflow code runs; resolution is one cache lookup per
// import, and pinned versions make concurrent publishes invisible to
// in-flight executions.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/modcache"
	"github.com/t77yq/execpool/internal/model"
)

// DefaultVirtualRoot is the fixed, possibly-nonexistent directory injected
// as every virtual module's file location. It exists only so stack traces
// and file-location introspection stay readable; nothing ever creates it
// on disk.
const DefaultVirtualRoot = "/workflows"

var (
	// ErrNotInstalled is returned when Resolve is called before Install.
	ErrNotInstalled = errors.New("resolver not installed")
)

// Resolver pins a snapshot of the module cache and answers import-time
// lookups from it. Install is idempotent; each freshly spawned worker
// performs its own Install, since a clean-process spawn inherits nothing
// from the parent.
type Resolver struct {
	logger      *zap.Logger
	cache       modcache.Cache
	virtualRoot string

	mu        sync.RWMutex
	installed bool
	snapshot  map[string]*model.VirtualModule
	fsys      *moduleFS
}

// New creates a resolver over the given cache. An empty virtualRoot
// selects DefaultVirtualRoot.
func New(cache modcache.Cache, virtualRoot string, logger *zap.Logger) *Resolver {
	if virtualRoot == "" {
		virtualRoot = DefaultVirtualRoot
	}
	return &Resolver{
		logger:      logger.Named("resolver"),
		cache:       cache,
		virtualRoot: virtualRoot,
	}
}

// Install pins the latest version of every published module and builds the
// source filesystem consumed by the workflow runtime. Repeated calls are
// no-ops. A cache that cannot be reached here is a startup failure for the
// worker, not a degraded-but-running state.
func (r *Resolver) Install(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.installed {
		return nil
	}

	snapshot, err := r.cache.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to pin module snapshot: %w", err)
	}

	r.snapshot = snapshot
	r.fsys = newModuleFS(r.virtualRoot, snapshot)
	r.installed = true

	r.logger.Info("Resolver installed",
		zap.Int("modules", len(snapshot)),
		zap.String("virtual_root", r.virtualRoot))
	return nil
}

// Resolve returns the pinned source for a logical path. A miss surfaces as
// modcache.ErrModuleNotFound and never falls back to a real file read.
func (r *Resolver) Resolve(logicalPath string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.installed {
		return nil, ErrNotInstalled
	}
	mod, ok := r.snapshot[logicalPath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", logicalPath, modcache.ErrModuleNotFound)
	}
	return mod.Content, nil
}

// Pinned returns the pinned module metadata for a logical path.
func (r *Resolver) Pinned(logicalPath string) (*model.VirtualModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.installed {
		return nil, false
	}
	mod, ok := r.snapshot[logicalPath]
	return mod, ok
}

// VirtualRoot returns the injected root path.
func (r *Resolver) VirtualRoot() string {
	return r.virtualRoot
}

// FileLocation returns the virtual file path a module appears under in
// stack traces.
func (r *Resolver) FileLocation(logicalPath string) string {
	return path.Join(r.virtualRoot, "src", logicalPath)
}

// FS returns the pinned source filesystem, laid out GOPATH-style under the
// virtual root (<root>/src/<logical path>). Lookups accept both rooted and
// unrooted names.
func (r *Resolver) FS() (fs.FS, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.installed {
		return nil, ErrNotInstalled
	}
	return r.fsys, nil
}

func normalize(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = path.Clean(name)
	if name == "" {
		return "."
	}
	return name
}
