//go:build windows

package tasks

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
)

// osInfo returns "Windows" and the kernel version, e.g. "10.0.19045".
// RtlGetVersion is not subject to manifest-based version lies.
func osInfo(ctx context.Context) (string, string, error) {
	v := windows.RtlGetVersion()
	if v == nil {
		return "", "", fmt.Errorf("RtlGetVersion returned no data")
	}
	return "Windows", fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber), nil
}
