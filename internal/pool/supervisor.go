package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SupervisorConfig holds the timers the control loop runs on. The cron
// specs are optional; empty means the corresponding sweep is disabled.
type SupervisorConfig struct {
	TickInterval    time.Duration
	RecycleCronSpec string
	StaleSweepSpec  string
	StalePoolMaxAge time.Duration
}

// Supervisor is the control loop for every pool in a registry. It brings
// pools up to their minimum size, expires startups, detects heartbeat
// loss, reaps killed workers, and runs the scheduled lifetime-recycle
// sweep. Worker failures never propagate out of the loop; everything is
// converted to pool state transitions.
type Supervisor struct {
	logger   *zap.Logger
	registry *Registry
	cfg      SupervisorConfig
	cron     *cron.Cron
	stop     chan struct{}
}

// NewSupervisor creates a supervisor over the given registry.
func NewSupervisor(registry *Registry, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Supervisor{
		logger:   logger.Named("supervisor"),
		registry: registry,
		cfg:      cfg,
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}
}

// Start brings every registered pool up to min_workers and starts the
// control loop and scheduled sweeps.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, p := range s.registry.List() {
		p.EnsureMin()
	}

	if s.cfg.RecycleCronSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.RecycleCronSpec, s.recycleSweep); err != nil {
			return fmt.Errorf("failed to schedule recycle sweep: %w", err)
		}
	}
	if s.cfg.StaleSweepSpec != "" && s.cfg.StalePoolMaxAge > 0 {
		if _, err := s.cron.AddFunc(s.cfg.StaleSweepSpec, s.staleSweep); err != nil {
			return fmt.Errorf("failed to schedule stale pool sweep: %w", err)
		}
	}
	s.cron.Start()

	go s.loop(ctx)

	s.logger.Info("Supervisor started",
		zap.Duration("tick_interval", s.cfg.TickInterval))
	return nil
}

// Stop halts the control loop and scheduled sweeps.
func (s *Supervisor) Stop() {
	s.logger.Info("Stopping supervisor")
	s.cron.Stop()
	close(s.stop)
}

func (s *Supervisor) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick runs one maintenance pass over every pool. Order matters: startup
// expiry and liveness first so EnsureMin sees the post-failure counts,
// reap last so stats keep showing killed-pending-reap in between.
func (s *Supervisor) tick(now time.Time) {
	for _, p := range s.registry.List() {
		p.ExpireStartups(now)
		p.CheckLiveness(now)
		p.EnsureMin()
		p.Reap()
	}
}

func (s *Supervisor) recycleSweep() {
	now := time.Now()
	for _, p := range s.registry.List() {
		p.RecycleExpired(now)
	}
}

func (s *Supervisor) staleSweep() {
	removed := s.registry.RemoveStale(s.cfg.StalePoolMaxAge)
	for _, id := range removed {
		s.logger.Warn("Removed stale pool", zap.String("pool_id", id))
	}
}
