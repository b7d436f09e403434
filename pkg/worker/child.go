package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/process"
)

// EventFD is the inherited descriptor on which a child reports job events.
const EventFD = 3

// RunChild runs a worker process spawned by the supervisor. SIGUSR1 and
// SIGTERM let the current job finish before exiting, SIGINT aborts it.
func RunChild(ctx context.Context, cfg *config.Config, isolation *process.IsolationConfig, logger logging.Logger) error {
	var reporter Reporter = ReporterFuncs{}
	if _, err := unix.FcntlInt(uintptr(EventFD), unix.F_GETFD, 0); err == nil {
		unix.CloseOnExec(EventFD)
		events := os.NewFile(uintptr(EventFD), "events")
		defer events.Close()
		reporter = NewPipeReporter(events)
	} else {
		logger.Warnf("No event pipe on fd %d, running unsupervised", EventFD)
	}

	w, err := New(Options{
		Config:    cfg,
		Reporter:  reporter,
		Logger:    logger,
		Isolation: isolation,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sig)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sig:
				logger.Infof("Worker received signal: %v", s)
				if s == syscall.SIGINT {
					cancel()
					return
				}
				w.Stop()
			}
		}
	}()

	return w.Run(ctx)
}
