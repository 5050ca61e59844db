package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/utils"
	"go.uber.org/zap"
)

// frequencyUnavailable is reported when the host exposes no CPU frequency
const frequencyUnavailable = "N/A"

// BuiltinSource reads host information using gopsutil
type BuiltinSource struct {
	logger       *zap.Logger
	sampleWindow time.Duration
}

// NewBuiltinSource creates a gopsutil-based source. CPU usage is measured
// over sampleWindow, which blocks the caller for that long.
func NewBuiltinSource(sampleWindow time.Duration, logger *zap.Logger) *BuiltinSource {
	return &BuiltinSource{
		logger:       logger,
		sampleWindow: sampleWindow,
	}
}

func (s *BuiltinSource) Name() string {
	return "builtin (gopsutil)"
}

func (s *BuiltinSource) OS(ctx context.Context) (string, string, error) {
	return osInfo(ctx)
}

func (s *BuiltinSource) CPU(ctx context.Context) (*snapshot.CPUStats, error) {
	percents, err := cpu.PercentWithContext(ctx, s.sampleWindow, false) // false = combined
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu usage: %w", err)
	}
	if len(percents) == 0 {
		return nil, fmt.Errorf("no cpu usage returned")
	}

	usage := utils.Round(percents[0])
	stats := &snapshot.CPUStats{
		UsagePercent: &usage,
		Frequency:    snapshot.FrequencyText(frequencyUnavailable),
	}

	// Counts that cannot be determined are left absent
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		stats.PhysicalCores = &n
	} else {
		s.logger.Debug("Physical core count unavailable", zap.Error(err))
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		stats.TotalCores = &n
	} else {
		s.logger.Debug("Logical core count unavailable", zap.Error(err))
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 && infos[0].Mhz > 0 {
		stats.Frequency = snapshot.FrequencyMHz(utils.Round(infos[0].Mhz))
	} else if err != nil {
		s.logger.Debug("CPU frequency unavailable", zap.Error(err))
	}

	return stats, nil
}

func (s *BuiltinSource) Processes(ctx context.Context) ([]snapshot.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]snapshot.Process, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between listing and inspection
		name, err := p.NameWithContext(ctx)
		if err != nil {
			s.logger.Debug("Skipping process",
				zap.Int32("pid", p.Pid),
				zap.Error(err))
			continue
		}

		entry := snapshot.Process{
			PID:  int(p.Pid),
			Name: name,
		}
		if username, err := p.UsernameWithContext(ctx); err == nil && username != "" {
			entry.Username = &username
		}

		result = append(result, entry)
	}

	return result, nil
}

func (s *BuiltinSource) Users(ctx context.Context) ([]snapshot.User, error) {
	stats, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, err
	}

	users := make([]snapshot.User, 0, len(stats))
	for _, u := range stats {
		entry := snapshot.User{User: u.User}
		if u.Terminal != "" {
			terminal := u.Terminal
			entry.Terminal = &terminal
		}
		users = append(users, entry)
	}

	return users, nil
}
