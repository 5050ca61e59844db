package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/scheduler"
	"github.com/stone-age-io/sysreport/internal/tasks"
	"go.uber.org/zap"
)

// Agent samples the host on a fixed interval and ships each snapshot to the collector
type Agent struct {
	config    *config.AgentConfig
	logger    *zap.Logger
	executor  *tasks.Executor
	deliverer *Deliverer
	scheduler *scheduler.Scheduler
	version   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new agent instance from a loaded configuration
func New(cfg *config.AgentConfig, logger *zap.Logger, version string) (*Agent, error) {
	source, err := tasks.NewHostSource(cfg.Source, cfg.CPUSampleWindow, cfg.ExporterURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create host source: %w", err)
	}
	return newAgent(cfg, logger, version, source, nil)
}

func newAgent(cfg *config.AgentConfig, logger *zap.Logger, version string, source tasks.HostSource, clock clockwork.Clock) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		config:   cfg,
		logger:   logger,
		executor: tasks.NewExecutor(logger, source),
		deliverer: NewDeliverer(DelivererOptions{
			Endpoint: cfg.Endpoint,
			Token:    cfg.Token,
			Version:  version,
			Timeout:  cfg.Timeout,
			Compress: cfg.Compress,
		}, logger),
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}

	sched, err := scheduler.New(logger, "snapshot", cfg.Interval, a.runCycle, clock)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	a.scheduler = sched

	return a, nil
}

// Start begins the sampling loop. The first snapshot is taken immediately.
func (a *Agent) Start() {
	a.logger.Info("Starting sysreport agent",
		zap.String("version", a.version),
		zap.String("endpoint", a.config.Endpoint),
		zap.Duration("interval", a.config.Interval))
	a.scheduler.Start()
}

// Shutdown stops scheduling new cycles and waits for a running one to finish
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")

	if err := a.scheduler.Shutdown(); err != nil {
		a.logger.Error("Error shutting down scheduler", zap.Error(err))
	}
	a.cancel()

	m := a.executor.GetTaskMetrics()
	a.logger.Info("Agent shutdown complete",
		zap.Int64("snapshots", m.SnapshotCount),
		zap.Int64("delivered", m.DeliveryCount),
		zap.Int64("failed", m.DeliveryFailures))

	_ = a.logger.Sync()
	return nil
}

// Stats returns cycle statistics since the agent was created
func (a *Agent) Stats() *tasks.TaskHealthMetrics {
	return a.executor.GetTaskMetrics()
}

// runCycle gathers one snapshot and delivers it. Failures are logged and
// the snapshot is dropped; the next cycle starts fresh.
func (a *Agent) runCycle() {
	start := time.Now()
	snap := a.executor.Gather(a.ctx)

	ack, err := a.deliverer.Deliver(a.ctx, snap)
	if err != nil {
		a.executor.RecordDeliveryFailure(err)
		a.logger.Error("Failed to deliver snapshot",
			zap.String("endpoint", a.config.Endpoint),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	a.executor.RecordDeliverySuccess()
	a.logger.Info("Snapshot delivered",
		zap.String("status", ack.Status),
		zap.String("message", ack.Message),
		zap.Duration("duration", time.Since(start)))
}
