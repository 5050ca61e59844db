//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package tasks

import (
	"context"

	"golang.org/x/sys/unix"
)

// osInfo returns the kernel name and version string from uname(2),
// e.g. "Linux" and "#1 SMP PREEMPT_DYNAMIC ...".
func osInfo(ctx context.Context) (string, string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", "", err
	}
	return unix.ByteSliceToString(uts.Sysname[:]), unix.ByteSliceToString(uts.Version[:]), nil
}
