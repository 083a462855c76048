package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/execpool/internal/model"
	"github.com/t77yq/execpool/internal/pool"
)

const metricsSubject = "pools.metrics"

// PoolSnapshot is one published metrics sample.
type PoolSnapshot struct {
	Timestamp   time.Time         `json:"timestamp"`
	CPUUsage    float64           `json:"cpu_usage"`
	MemoryUsage float64           `json:"memory_usage"`
	Pools       []model.PoolStats `json:"pools"`
}

// StatsCollector periodically snapshots every pool plus host cpu/mem and
// publishes the sample for dashboards. Purely observational; nothing here
// feeds back into scheduling.
type StatsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	registry *pool.Registry
	interval time.Duration

	mu     sync.RWMutex
	latest *PoolSnapshot
	stop   chan struct{}
}

// NewStatsCollector creates a collector over the registry.
func NewStatsCollector(js nats.JetStreamContext, registry *pool.Registry, interval time.Duration, logger *zap.Logger) *StatsCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatsCollector{
		logger:   logger.Named("stats-collector"),
		js:       js,
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the metrics stream exists and begins the collection loop.
func (c *StatsCollector) Start(ctx context.Context) error {
	if _, err := c.js.StreamInfo("METRICS"); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:     "METRICS",
			Subjects: []string{metricsSubject},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		}); err != nil {
			return fmt.Errorf("failed to create metrics stream: %w", err)
		}
	}

	c.logger.Info("Starting stats collector",
		zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
	return nil
}

// Stop halts the collection loop.
func (c *StatsCollector) Stop() {
	c.logger.Info("Stopping stats collector")
	close(c.stop)
}

// Latest returns the most recent sample, or nil before the first tick.
func (c *StatsCollector) Latest() *PoolSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *StatsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *StatsCollector) collect() {
	snapshot := &PoolSnapshot{Timestamp: time.Now()}

	if cpuPercent, err := cpu.Percent(0, false); err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = memInfo.UsedPercent
	}

	for _, p := range c.registry.List() {
		snapshot.Pools = append(snapshot.Pools, p.Stats())
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("pool_count", len(snapshot.Pools)))
}
