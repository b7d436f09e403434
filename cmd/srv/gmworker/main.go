package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/master"
	"github.com/core-tools/hsu-gearman-worker/pkg/process"
	"github.com/core-tools/hsu-gearman-worker/pkg/worker"
)

// Version is set at build time.
var Version = "dev"

// execMode is the hidden command running a single check for fork_on_exec.
const execMode = "exec"

// daemonEnv marks the detached copy of the daemon.
const daemonEnv = "GMWORKER_DAEMONIZED"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case master.WorkerMode:
			os.Exit(runWorker())
		case execMode:
			os.Exit(runExec())
		}
	}
	os.Exit(runDaemon(os.Args[1:]))
}

func newLogger(cfg *config.Config, prefix string) (*logging.ZapLogger, logging.Logger, error) {
	zapLogger, err := logging.NewZapLogger(logging.ZapOptions{
		Debug:  cfg.Debug,
		Format: cfg.LogFormat,
		Output: cfg.LogFile,
	})
	if err != nil {
		return nil, nil, err
	}
	return zapLogger, logging.WithPrefix(zapLogger, prefix), nil
}

func isolation(cfg *config.Config) (*process.IsolationConfig, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, err
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return &process.IsolationConfig{
		Command: []string{executable, execMode},
		Env:     []string{config.EnvConfig + "=" + string(data)},
	}, nil
}

func runDaemon(args []string) int {
	cfg, _, err := config.Load(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Configuration failed: %v\n", err)
		return 3
	}

	if cfg.Daemon.Enabled() && os.Getenv(daemonEnv) == "" {
		if err := detach(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to detach: %v\n", err)
			return 1
		}
		return 0
	}

	zapLogger, logger, err := newLogger(cfg, fmt.Sprintf("gmworker[%d]: ", os.Getpid()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer zapLogger.Close()

	iso, err := isolation(cfg)
	if err != nil {
		logger.Errorf("Failed to prepare check isolation: %v", err)
		return 1
	}

	options := master.RunOptions{
		MasterOptions: master.MasterOptions{
			Config:    cfg,
			Version:   Version,
			Isolation: iso,
		},
		Reload: func() (*config.Config, error) {
			next, _, err := config.Load(args)
			return next, err
		},
	}
	if err := master.Run(context.Background(), options, logger); err != nil {
		logger.Errorf("Master failed: %v", err)
		return 1
	}
	return 0
}

// detach starts a copy of this process in a new session with its standard
// streams on /dev/null.
func detach() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func runWorker() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker configuration failed: %v\n", err)
		return 3
	}

	zapLogger, logger, err := newLogger(cfg, fmt.Sprintf("worker[%d]: ", os.Getpid()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer zapLogger.Close()

	iso, err := isolation(cfg)
	if err != nil {
		logger.Errorf("Failed to prepare check isolation: %v", err)
		return 1
	}

	if err := worker.RunChild(context.Background(), cfg, iso, logger); err != nil {
		logger.Errorf("Worker failed: %v", err)
		return 1
	}
	return 0
}

func runExec() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Helper configuration failed: %v\n", err)
		return 3
	}

	// stdout carries the result, logs go to stderr only.
	cfg.LogFile = ""
	zapLogger, logger, err := newLogger(cfg, fmt.Sprintf("exec[%d]: ", os.Getpid()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer zapLogger.Close()

	// SIGINT from the worker aborts the check through its kill sequence.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor := worker.NewExecutor(cfg, nil, logger)
	if err := executor.ServeIsolated(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Errorf("Check helper failed: %v", err)
		return 1
	}
	return 0
}
