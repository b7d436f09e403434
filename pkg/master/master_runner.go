package master

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/pidfile"
)

type RunOptions struct {
	MasterOptions
	// Reload re-reads the configuration on SIGHUP. Nil disables reloading.
	Reload func() (*config.Config, error)
}

// Run is the daemon main loop: it takes the pidfile, supervises the pool
// and handles SIGHUP (reload) and SIGINT/SIGTERM (shutdown).
func Run(ctx context.Context, options RunOptions, logger logging.Logger) error {
	cfg := options.Config
	if cfg == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}
	logger.Infof("Master runner starting, version: %s", options.Version)
	logger.Debugf("Effective configuration:\n%s", cfg)

	if cfg.PidFile != "" {
		pf := pidfile.New(cfg.PidFile, logger)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warnf("Failed to remove PID file: %v", err)
			}
		}()
	}

	master, err := NewMaster(options.MasterOptions, logger)
	if err != nil {
		return errors.NewInternalError("failed to create master", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sig:
				logger.Infof("Master runner received signal: %v", s)
				if s != syscall.SIGHUP {
					cancel()
					return
				}
				reload(ctx, master, options.Reload, logger)
			}
		}
	}()

	return master.Run(ctx)
}

// reload keeps the running configuration when the new one cannot be loaded.
func reload(ctx context.Context, master *Master, load func() (*config.Config, error), logger logging.Logger) {
	if load == nil {
		logger.Warnf("Reload is not supported, ignoring SIGHUP")
		return
	}
	cfg, err := load()
	if err != nil {
		logger.Errorf("Reload failed, keeping current configuration: %v", err)
		return
	}
	if err := master.Reload(ctx, cfg); err != nil {
		logger.Errorf("Reload failed: %v", err)
		return
	}
	logger.Infof("Configuration reloaded")
}
