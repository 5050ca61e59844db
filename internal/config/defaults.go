package config

import (
	"path/filepath"
	"runtime"
)

// PlatformDefaults returns platform-specific default locations
type PlatformDefaults struct {
	ConfigDir string
	LogDir    string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			ConfigDir: `C:\ProgramData\SysReport`,
			LogDir:    `C:\ProgramData\SysReport\logs`,
		}
	case "freebsd":
		return PlatformDefaults{
			ConfigDir: "/usr/local/etc/sysreport",
			LogDir:    "/var/log/sysreport",
		}
	case "darwin":
		return PlatformDefaults{
			ConfigDir: "/usr/local/etc/sysreport",
			LogDir:    "/usr/local/var/log/sysreport",
		}
	default:
		// Linux and anything unknown
		return PlatformDefaults{
			ConfigDir: "/etc/sysreport",
			LogDir:    "/var/log/sysreport",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific config path for a component ("agent" or "collector")
func GetDefaultConfigPath(component string) string {
	return filepath.Join(GetPlatformDefaults().ConfigDir, component+".yaml")
}

// GetDefaultLogFile returns the platform-specific log file for a component.
// Used when running under a service manager, where stdout is not kept.
func GetDefaultLogFile(component string) string {
	return filepath.Join(GetPlatformDefaults().LogDir, component+".log")
}

// GetDefaultExporterURL returns the default Prometheus exporter URL for this platform
func GetDefaultExporterURL() string {
	switch runtime.GOOS {
	case "windows":
		return "http://localhost:9182/metrics" // windows_exporter default
	default:
		return "http://localhost:9100/metrics" // node_exporter default
	}
}
