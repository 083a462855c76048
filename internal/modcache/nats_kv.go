package modcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
)

const (
	// DefaultBucket is the KeyValue bucket holding workflow modules.
	DefaultBucket = "workflow_modules"

	latestSuffix   = "/latest"
	versionInfix   = "/v/"
	publishRetries = 5
)

// KVCache implements Cache on a JetStream KeyValue bucket shared by every
// worker process. Version entries are created with Create (never Put), so
// an existing (path, version) key can never be overwritten; only the
// latest pointer moves.
//
// Lookup timeouts are bounded by the MaxWait of the JetStream context the
// cache was built with.
type KVCache struct {
	logger *zap.Logger
	kv     nats.KeyValue
}

// NewKVCache opens (or creates) the module bucket.
func NewKVCache(js nats.JetStreamContext, bucket string, logger *zap.Logger) (*KVCache, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %v", ErrCacheUnavailable, bucket, err)
	}

	return &KVCache{
		logger: logger.Named("modcache"),
		kv:     kv,
	}, nil
}

func latestKey(path string) string  { return path + latestSuffix }
func versionKey(path string, v uint64) string {
	return path + versionInfix + strconv.FormatUint(v, 10)
}

// Publish implements Cache.Publish. Concurrent publishers race on Create;
// the loser retries with the next version number.
func (c *KVCache) Publish(ctx context.Context, logicalPath string, content []byte) (*model.VirtualModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < publishRetries; attempt++ {
		version := uint64(1)
		if latest, err := c.latestVersion(logicalPath); err == nil {
			version = latest + 1
		} else if !errors.Is(err, ErrModuleNotFound) {
			return nil, err
		}

		mod := &model.VirtualModule{
			LogicalPath: logicalPath,
			Version:     version,
			Content:     content,
			Hash:        model.ContentHash(content),
			PublishedAt: time.Now(),
		}
		data, err := json.Marshal(mod)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal module: %w", err)
		}

		_, err = c.kv.Create(versionKey(logicalPath, version), data)
		if errors.Is(err, nats.ErrKeyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: create %s@%d: %v", ErrCacheUnavailable, logicalPath, version, err)
		}

		if _, err := c.kv.Put(latestKey(logicalPath), []byte(strconv.FormatUint(version, 10))); err != nil {
			return nil, fmt.Errorf("%w: move latest pointer for %s: %v", ErrCacheUnavailable, logicalPath, err)
		}

		c.logger.Info("Module published",
			zap.String("logical_path", logicalPath),
			zap.Uint64("version", version),
			zap.String("hash", mod.Hash))
		return mod, nil
	}

	return nil, fmt.Errorf("publish %s: too many concurrent publishers", logicalPath)
}

// ResolveLatest implements Cache.ResolveLatest.
func (c *KVCache) ResolveLatest(ctx context.Context, logicalPath string) (*model.VirtualModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	version, err := c.latestVersion(logicalPath)
	if err != nil {
		return nil, err
	}
	return c.ResolveVersion(ctx, logicalPath, version)
}

// ResolveVersion implements Cache.ResolveVersion.
func (c *KVCache) ResolveVersion(ctx context.Context, logicalPath string, version uint64) (*model.VirtualModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, err := c.kv.Get(versionKey(logicalPath, version))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s@%d: %w", logicalPath, version, ErrVersionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s@%d: %v", ErrCacheUnavailable, logicalPath, version, err)
	}

	var mod model.VirtualModule
	if err := json.Unmarshal(entry.Value(), &mod); err != nil {
		return nil, fmt.Errorf("failed to unmarshal module %s@%d: %w", logicalPath, version, err)
	}
	return &mod, nil
}

// Paths implements Cache.Paths.
func (c *KVCache) Paths(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys, err := c.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrCacheUnavailable, err)
	}

	var paths []string
	for _, key := range keys {
		if strings.HasSuffix(key, latestSuffix) {
			paths = append(paths, strings.TrimSuffix(key, latestSuffix))
		}
	}
	return paths, nil
}

// Snapshot implements Cache.Snapshot.
func (c *KVCache) Snapshot(ctx context.Context) (map[string]*model.VirtualModule, error) {
	paths, err := c.Paths(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]*model.VirtualModule, len(paths))
	for _, path := range paths {
		mod, err := c.ResolveLatest(ctx, path)
		if err != nil {
			// A publish may race the snapshot; skip paths whose latest
			// pointer vanished, fail on anything else.
			if errors.Is(err, ErrModuleNotFound) || errors.Is(err, ErrVersionNotFound) {
				continue
			}
			return nil, err
		}
		snapshot[path] = mod
	}
	return snapshot, nil
}

func (c *KVCache) latestVersion(logicalPath string) (uint64, error) {
	entry, err := c.kv.Get(latestKey(logicalPath))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, fmt.Errorf("%s: %w", logicalPath, ErrModuleNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get latest pointer for %s: %v", ErrCacheUnavailable, logicalPath, err)
	}

	version, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt latest pointer for %s: %w", logicalPath, err)
	}
	return version, nil
}
