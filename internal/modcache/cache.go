// Package modcache stores workflow module source keyed by logical path and
// version. Entries are immutable once published: a source change bumps the
// version and writes a new key, so concurrent readers never observe a
// partially-written module and never need to coordinate with publishers.
package modcache

import (
	"context"
	"errors"

	"github.com/t77yq/execpool/internal/model"
)

var (
	// ErrModuleNotFound is returned when no version of a logical path has
	// been published.
	ErrModuleNotFound = errors.New("module not found")

	// ErrVersionNotFound is returned when the requested version of a
	// published path does not exist.
	ErrVersionNotFound = errors.New("module version not found")

	// ErrCacheUnavailable is returned when the backing store cannot be
	// reached within the lookup bound.
	ErrCacheUnavailable = errors.New("module cache unavailable")
)

// Cache is the module store consumed by the virtual import resolver and
// fed by the (out of scope) publication step.
type Cache interface {
	// Publish writes content under the next version of the logical path
	// and moves the latest pointer. Never mutates an existing version.
	Publish(ctx context.Context, logicalPath string, content []byte) (*model.VirtualModule, error)

	// ResolveLatest returns the most recently published version.
	ResolveLatest(ctx context.Context, logicalPath string) (*model.VirtualModule, error)

	// ResolveVersion returns one specific immutable version.
	ResolveVersion(ctx context.Context, logicalPath string, version uint64) (*model.VirtualModule, error)

	// Paths lists every published logical path.
	Paths(ctx context.Context) ([]string, error)

	// Snapshot pins the latest version of every published module. Workers
	// install from a snapshot so an execution never mixes versions across
	// its import graph.
	Snapshot(ctx context.Context) (map[string]*model.VirtualModule, error)
}
