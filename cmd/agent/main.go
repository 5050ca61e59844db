// sysreport-agent samples CPU, process and login-session information on a
// fixed interval and posts each snapshot to a sysreport collector.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/pflag"
	"github.com/stone-age-io/sysreport/internal/agent"
	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/logging"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const component = "agent"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// program adapts the agent to the service manager
type program struct {
	configPath string
	flags      *pflag.FlagSet
	agent      *agent.Agent
	logger     *zap.Logger
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.LoadAgent(p.configPath, p.flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !service.Interactive() && cfg.Logging.File == "" {
		cfg.Logging.File = config.GetDefaultLogFile(component)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	p.logger = logger

	a, err := agent.New(cfg, logger, version)
	if err != nil {
		logger.Error("Failed to create agent", zap.Error(err))
		return err
	}
	p.agent = a

	logger.Info("Configuration loaded",
		zap.String("config", p.configPath),
		zap.Bool("interactive", service.Interactive()))
	a.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.agent == nil {
		return nil
	}
	return p.agent.Shutdown()
}

func run() error {
	flags := pflag.NewFlagSet("sysreport-agent", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.GetDefaultConfigPath(component), "path to config file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	action := flags.String("service", "", "service control: install, uninstall, start, stop, restart")
	showVersion := flags.Bool("version", false, "print version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("sysreport-agent %s\n", version)
		return nil
	}

	path, err := resolveConfigPath(flags, *configPath)
	if err != nil {
		return err
	}

	prg := &program{configPath: path, flags: flags}
	s, err := service.New(prg, serviceConfig(path))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if *action != "" {
		if err := service.Control(s, *action); err != nil {
			return fmt.Errorf("service %s failed (valid actions: %v): %w", *action, service.ControlAction, err)
		}
		fmt.Printf("service %s: ok\n", *action)
		return nil
	}

	return s.Run()
}

func serviceConfig(configPath string) *service.Config {
	cfg := &service.Config{
		Name:        "sysreport-agent",
		DisplayName: "SysReport Agent",
		Description: "Periodically reports CPU, process and user information to a sysreport collector.",
	}
	if configPath != "" {
		cfg.Arguments = []string{"--config", configPath}
	}
	return cfg
}

// resolveConfigPath returns an absolute config path, or "" when the default
// file does not exist. An explicit --config must exist.
func resolveConfigPath(flags *pflag.FlagSet, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if !flags.Changed("config") && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config file %s: %w", path, err)
	}
	return filepath.Abs(path)
}
