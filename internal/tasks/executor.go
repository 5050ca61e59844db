package tasks

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stone-age-io/sysreport/internal/snapshot"
	"go.uber.org/zap"
)

// Executor runs the snapshot task: it gathers a SystemSnapshot from a
// HostSource and keeps statistics about collection and delivery.
type Executor struct {
	logger *zap.Logger
	source HostSource
	stats  *TaskStats
}

// TaskStats tracks snapshot task execution for self-monitoring
type TaskStats struct {
	mu sync.RWMutex

	startTime        time.Time
	lastSnapshot     time.Time
	lastDelivery     time.Time
	snapshotCount    int64
	collectionErrors int64
	deliveryCount    int64
	deliveryFailures int64
	lastError        string
	lastErrorTime    time.Time
}

// TaskHealthMetrics is a point-in-time copy of TaskStats
type TaskHealthMetrics struct {
	UptimeSeconds    int64  `json:"uptime_seconds"`
	LastSnapshot     string `json:"last_snapshot,omitempty"`
	LastDelivery     string `json:"last_delivery,omitempty"`
	SnapshotCount    int64  `json:"snapshot_count"`
	CollectionErrors int64  `json:"collection_errors"`
	DeliveryCount    int64  `json:"delivery_count"`
	DeliveryFailures int64  `json:"delivery_failures"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorTime    string `json:"last_error_time,omitempty"`
}

// NewExecutor creates a new task executor
func NewExecutor(logger *zap.Logger, source HostSource) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger: logger,
		source: source,
		stats:  &TaskStats{startTime: time.Now()},
	}
}

// Gather builds a snapshot of the host. Each sub-collection is isolated:
// an error or panic in one becomes that field's error marker and the others
// are still collected. Gather never fails.
func (e *Executor) Gather(ctx context.Context) *snapshot.SystemSnapshot {
	e.logger.Debug("Starting snapshot collection", zap.String("source", e.source.Name()))

	snap := &snapshot.SystemSnapshot{}
	failures := 0

	snap.OSName, snap.OSVersion = e.collectOS(ctx)

	snap.CPU = e.collectCPU(ctx)
	if snap.CPU.IsError() {
		failures++
	}

	snap.Processes = e.collectProcesses(ctx)
	if snap.Processes.IsError() {
		failures++
	}

	snap.Users = e.collectUsers(ctx)
	if snap.Users.IsError() {
		failures++
	}

	e.recordSnapshot(failures)

	e.logger.Debug("Snapshot collection finished",
		zap.String("os_name", snap.OSName),
		zap.Int("processes", len(snap.Processes.Processes)),
		zap.Int("users", len(snap.Users.Users)),
		zap.Int("failed_collections", failures))

	return snap
}

func (e *Executor) collectOS(ctx context.Context) (string, string) {
	var name, version string
	err := e.guard("os", func() (err error) {
		name, version, err = e.source.OS(ctx)
		return err
	})
	if err != nil {
		e.logger.Warn("Failed to collect OS info", zap.Error(err))
	}
	if name == "" {
		name = runtime.GOOS
	}
	if version == "" {
		version = "unknown"
	}
	return name, version
}

func (e *Executor) collectCPU(ctx context.Context) snapshot.CPUInfo {
	var stats *snapshot.CPUStats
	err := e.guard("cpu", func() (err error) {
		stats, err = e.source.CPU(ctx)
		return err
	})
	if err != nil {
		e.logger.Warn("Failed to collect CPU info", zap.Error(err))
		return snapshot.CPUError(err.Error())
	}
	if stats == nil {
		stats = &snapshot.CPUStats{}
	}
	return snapshot.CPUInfo{Stats: stats}
}

func (e *Executor) collectProcesses(ctx context.Context) snapshot.ProcessList {
	var procs []snapshot.Process
	err := e.guard("processes", func() (err error) {
		procs, err = e.source.Processes(ctx)
		return err
	})
	if err != nil {
		e.logger.Warn("Failed to list processes", zap.Error(err))
		return snapshot.ProcessError(fmt.Sprintf("could not access all processes: %v", err))
	}
	return snapshot.ProcessList{Processes: procs}
}

func (e *Executor) collectUsers(ctx context.Context) snapshot.UserList {
	var users []snapshot.User
	err := e.guard("users", func() (err error) {
		users, err = e.source.Users(ctx)
		return err
	})
	if err != nil {
		e.logger.Warn("Failed to list logged-in users", zap.Error(err))
		return snapshot.UserError(err.Error())
	}
	return snapshot.UserList{Users: users}
}

// guard runs fn and converts a panic into an error
func (e *Executor) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic recovered in collection",
				zap.String("collection", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("collection panicked: %v", r)
		}
	}()
	return fn()
}

func (e *Executor) recordSnapshot(failures int) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.lastSnapshot = time.Now()
	e.stats.snapshotCount++
	e.stats.collectionErrors += int64(failures)
}

// RecordDeliverySuccess records a snapshot accepted by the collector
func (e *Executor) RecordDeliverySuccess() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.lastDelivery = time.Now()
	e.stats.deliveryCount++
}

// RecordDeliveryFailure records a dropped snapshot and keeps the error
func (e *Executor) RecordDeliveryFailure(err error) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	e.stats.deliveryFailures++
	e.stats.lastError = err.Error()
	e.stats.lastErrorTime = time.Now()
}

// GetTaskMetrics returns snapshot task execution metrics
func (e *Executor) GetTaskMetrics() *TaskHealthMetrics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()

	metrics := &TaskHealthMetrics{
		UptimeSeconds:    int64(time.Since(e.stats.startTime).Seconds()),
		SnapshotCount:    e.stats.snapshotCount,
		CollectionErrors: e.stats.collectionErrors,
		DeliveryCount:    e.stats.deliveryCount,
		DeliveryFailures: e.stats.deliveryFailures,
	}

	// Only include timestamps once something happened
	if !e.stats.lastSnapshot.IsZero() {
		metrics.LastSnapshot = e.stats.lastSnapshot.Format(time.RFC3339)
	}
	if !e.stats.lastDelivery.IsZero() {
		metrics.LastDelivery = e.stats.lastDelivery.Format(time.RFC3339)
	}
	if !e.stats.lastErrorTime.IsZero() {
		metrics.LastError = e.stats.lastError
		metrics.LastErrorTime = e.stats.lastErrorTime.Format(time.RFC3339)
	}

	return metrics
}
