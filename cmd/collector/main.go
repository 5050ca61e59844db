// sysreport-collector accepts snapshots from sysreport agents, appends them
// to per-address daily JSON-lines files and serves them back over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/pflag"
	"github.com/stone-age-io/sysreport/internal/collector"
	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/logging"
	natsclient "github.com/stone-age-io/sysreport/internal/nats"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const component = "collector"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// program adapts the collector to the service manager
type program struct {
	configPath string
	flags      *pflag.FlagSet

	config *config.CollectorConfig
	logger *zap.Logger
	server *collector.Server
	nats   *natsclient.Client
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.LoadCollector(p.configPath, p.flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	p.config = cfg

	if !service.Interactive() && cfg.Logging.File == "" {
		cfg.Logging.File = config.GetDefaultLogFile(component)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	p.logger = logger

	logger.Info("Starting sysreport collector",
		zap.String("version", version),
		zap.String("config", p.configPath))

	store := storage.New(cfg.DataDir, nil, logger)

	var opts []collector.Option
	if cfg.NATS.Enabled {
		client, err := natsclient.NewClient(&cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		p.nats = client

		handlers := natsclient.NewCommandHandlers(logger, cfg.NATS.SubjectPrefix, store)
		if err := handlers.SubscribeAll(client); err != nil {
			client.Close()
			return fmt.Errorf("failed to subscribe to commands: %w", err)
		}
		opts = append(opts, collector.WithPublisher(client))
	}

	p.server = collector.NewServer(cfg, store, logger, opts...)
	if err := p.server.Start(); err != nil {
		if p.nats != nil {
			p.nats.Close()
		}
		return err
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.logger == nil {
		return nil
	}
	p.logger.Info("Shutting down collector gracefully")

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	if p.nats != nil {
		if err := p.nats.Drain(p.config.NATS.DrainTimeout); err != nil {
			p.logger.Error("Error draining NATS", zap.Error(err))
		}
	}

	p.logger.Info("Collector shutdown complete")
	_ = p.logger.Sync()
	return nil
}

func run() error {
	flags := pflag.NewFlagSet("sysreport-collector", pflag.ContinueOnError)
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
		fmt.Printf("sysreport-collector %s\n", version)
		return nil
	}

	path, err := resolveConfigPath(flags, *configPath)
	if err != nil {
		return err
	}

	prg := &program{configPath: path, flags: flags}
	s, err := service.New(prg, &service.Config{
		Name:        "sysreport-collector",
		DisplayName: "SysReport Collector",
		Description: "Receives and stores system snapshots from sysreport agents.",
		Arguments:   serviceArguments(path),
	})
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

func serviceArguments(configPath string) []string {
	if configPath == "" {
		return nil
	}
	return []string{"--config", configPath}
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
