//go:build !windows && !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package tasks

import (
	"context"

	"github.com/shirou/gopsutil/v3/host"
)

// osInfo falls back to gopsutil on platforms without a uname binding
func osInfo(ctx context.Context) (string, string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", "", err
	}
	return info.OS, info.PlatformVersion, nil
}
