package master

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/process"
	"github.com/core-tools/hsu-gearman-worker/pkg/worker"
)

// WorkerMode is the hidden command that turns the daemon binary into a
// worker child.
const WorkerMode = "worker"

// killWait bounds the wait for children after SIGKILL.
const killWait = 10 * time.Second

type MasterOptions struct {
	Config *config.Config
	// Command is the argv of a worker child, this binary in worker mode by default.
	Command []string
	// Env is added to the environment of every child.
	Env     []string
	Version string
	// Isolation is used by the in-process worker when fork_on_exec is on.
	Isolation *process.IsolationConfig
}

// MasterState represents the current state of the supervisor
type MasterState string

const (
	MasterStateNotStarted MasterState = "not_started"
	MasterStateRunning    MasterState = "running"
	MasterStateStopping   MasterState = "stopping"
	MasterStateStopped    MasterState = "stopped"
)

type reloadRequest struct {
	cfg  *config.Config
	done chan error
}

// Master keeps a pool of worker processes between min-worker and
// max-worker. Children are owned by the control loop in Run; counters are
// published through PoolState.
type Master struct {
	options   MasterOptions
	logger    logging.Logger
	endpoints []gearman.Endpoint

	mutex       sync.Mutex
	cfg         *config.Config
	configData  []byte
	generation  int
	masterState MasterState

	children map[int]*child
	state    PoolState
	notify   chan notification
	reload   chan reloadRequest

	health  *healthServer
	metrics *metricsServer
}

func NewMaster(options MasterOptions, logger logging.Logger) (*Master, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	configData, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	endpoints, err := gearman.ParseEndpoints(cfg.Server...)
	if err != nil {
		return nil, err
	}

	if len(options.Command) == 0 {
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.NewInternalError("failed to locate own executable", err)
		}
		options.Command = []string{executable, WorkerMode}
	}
	if logger == nil {
		logger = logging.Discard
	}

	m := &Master{
		options:     options,
		logger:      logger,
		endpoints:   endpoints,
		cfg:         cfg,
		configData:  configData,
		masterState: MasterStateNotStarted,
		children:    make(map[int]*child),
		notify:      make(chan notification, 64),
		reload:      make(chan reloadRequest),
	}

	if cfg.StatusListen != "" {
		if m.health, err = newHealthServer(cfg.StatusListen); err != nil {
			return nil, err
		}
	}
	if cfg.MetricsListen != "" {
		if m.metrics, err = newMetricsServer(cfg.MetricsListen, &m.state); err != nil {
			if m.health != nil {
				m.health.stop()
			}
			return nil, err
		}
	}
	return m, nil
}

// Run supervises the pool until ctx is cancelled, then shuts every worker
// down. It fails only when the pool cannot be created at all.
func (m *Master) Run(ctx context.Context) error {
	cfg := m.currentConfig()
	m.logger.Infof("Starting master, min-worker: %d, max-worker: %d, queues: %v, servers: %v",
		cfg.MinWorker, cfg.MaxWorker, cfg.Queues(), m.endpoints)
	m.setMasterState(MasterStateRunning)

	var wg sync.WaitGroup
	defer wg.Wait()

	if m.health != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.health.serve(m.logger)
		}()
		defer m.health.stop()
		m.logger.Infof("Health service listening on %s", m.health.Addr())
	}
	if m.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.metrics.serve(m.logger)
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.metrics.stop(shutdownCtx); err != nil {
				m.logger.Warnf("Failed to stop metrics server: %v", err)
			}
		}()
		m.logger.Infof("Metrics listening on %s", m.metrics.Addr())
	}

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	if err := m.startStatusResponder(statusCtx, &wg); err != nil {
		m.logger.Errorf("Status queries disabled: %v", err)
	}

	var err error
	if cfg.MaxWorker == 1 {
		err = m.runInProcess(ctx)
	} else {
		err = m.runPool(ctx)
	}

	m.setMasterState(MasterStateStopped)
	m.logger.Infof("Master stopped")
	return err
}

func (m *Master) startStatusResponder(ctx context.Context, wg *sync.WaitGroup) error {
	cfg := m.currentConfig()
	responder, err := newStatusResponder(m.endpoints, cfg.StatusQueue(), m.statusText,
		logging.WithPrefix(m.logger, "status: "))
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responder.run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warnf("Status responder stopped: %v", err)
		}
	}()
	m.logger.Debugf("Answering status queries on %s", cfg.StatusQueue())
	return nil
}

func (m *Master) statusText() string {
	cfg := m.currentConfig()
	return StatusText(cfg.Identifier, m.options.Version, cfg.MinWorker, cfg.MaxWorker, m.state.Snapshot())
}

// Reload switches to cfg. In pool mode fresh workers are started before
// the old ones are asked to finish their job and exit.
func (m *Master) Reload(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	req := reloadRequest{cfg: cfg, done: make(chan error, 1)}
	select {
	case m.reload <- req:
	case <-ctx.Done():
		return errors.NewCancelledError("reload was cancelled", ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return errors.NewCancelledError("reload was cancelled", ctx.Err())
	}
}

// Snapshot returns the current pool counters.
func (m *Master) Snapshot() PoolSnapshot {
	return m.state.Snapshot()
}

func (m *Master) GetMasterState() MasterState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.masterState
}

func (m *Master) setMasterState(state MasterState) {
	m.mutex.Lock()
	m.masterState = state
	m.mutex.Unlock()
}

func (m *Master) currentConfig() *config.Config {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cfg
}

func (m *Master) swapConfig(cfg *config.Config) (int, error) {
	data, err := config.Marshal(cfg)
	if err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if (cfg.MaxWorker == 1) != (m.cfg.MaxWorker == 1) {
		m.logger.Warnf("Switching between in-process and pool mode needs a restart, keeping max-worker %d", m.cfg.MaxWorker)
		cfg.MaxWorker = m.cfg.MaxWorker
		if cfg.MinWorker > cfg.MaxWorker {
			cfg.MinWorker = cfg.MaxWorker
		}
		if data, err = config.Marshal(cfg); err != nil {
			return 0, err
		}
	}
	m.cfg = cfg
	m.configData = data
	m.generation++
	return m.generation, nil
}

func (m *Master) spawnConfig() ([]byte, int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.configData, m.generation
}

func (m *Master) runPool(ctx context.Context) error {
	cfg := m.currentConfig()

	if err := m.spawn(cfg.MinWorker); err != nil && len(m.children) == 0 && cfg.MinWorker > 0 {
		m.logger.Errorf("Failed to create worker pool: %v", err)
		return errors.NewProcessError("failed to create worker pool", err)
	}
	if m.health != nil {
		m.health.setServing(true)
	}

	ticker := time.NewTicker(cfg.AutoscaleIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case n := <-m.notify:
			m.handleNotification(n)
		case req := <-m.reload:
			req.done <- m.applyReload(req.cfg)
		case <-ticker.C:
			m.autoscale()
		}
	}
}

// spawn starts n children of the current generation.
func (m *Master) spawn(n int) error {
	var result *multierror.Error
	configData, generation := m.spawnConfig()

	for i := 0; i < n; i++ {
		proc, err := spawnChild(m.options.Command, m.options.Env, configData, m.notify, m.logger)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		m.children[proc.Pid] = &child{pid: proc.Pid, generation: generation, process: proc}
		m.state.workerStarted()
		m.logger.Debugf("Started worker %d, generation: %d", proc.Pid, generation)
	}

	if err := result.ErrorOrNil(); err != nil {
		m.logger.Errorf("Failed to start workers: %v", err)
		return err
	}
	return nil
}

func (m *Master) handleNotification(n notification) {
	c, ok := m.children[n.pid]
	if !ok {
		return
	}

	switch {
	case n.exited:
		delete(m.children, n.pid)
		m.state.workerExited(c.busy)
		if c.checkGroup > 0 {
			m.logger.Warnf("Worker %d left check process group %d behind, killing it", n.pid, c.checkGroup)
			if err := killCheckGroup(c); err != nil {
				m.logger.Errorf("%v", err)
			}
		}
		if n.err != nil && !c.signalled {
			m.logger.Warnf("Worker %d exited: %v", n.pid, n.err)
		} else {
			m.logger.Debugf("Worker %d exited", n.pid)
		}
		if m.GetMasterState() == MasterStateRunning && n.err == nil {
			m.ensureMinimum()
		}

	case n.message.Event == worker.EventJobStarted:
		c.busy++
		m.state.JobStarted()

	case n.message.Event == worker.EventJobFinished:
		if c.busy > 0 {
			c.busy--
			m.state.JobFinished()
		}

	case n.message.Event == worker.EventCheckGroup:
		c.checkGroup = n.message.Group
	}
}

func (m *Master) ensureMinimum() {
	if missing := m.currentConfig().MinWorker - len(m.children); missing > 0 {
		_ = m.spawn(missing)
	}
}

func (m *Master) autoscale() {
	cfg := m.currentConfig()
	snapshot := m.state.Snapshot()
	workers := len(m.children)

	target := Autoscale(cfg.MinWorker, cfg.MaxWorker, workers, snapshot.CurrentJobs)
	if target > workers {
		m.logger.Infof("Scaling up from %d to %d workers, %d jobs running", workers, target, snapshot.CurrentJobs)
		_ = m.spawn(target - workers)
	}
}

func (m *Master) applyReload(cfg *config.Config) error {
	generation, err := m.swapConfig(cfg)
	if err != nil {
		return err
	}
	m.logger.Infof("Reloading configuration, generation: %d", generation)

	spawnErr := m.spawn(m.currentConfig().MinWorker)

	var result *multierror.Error
	for _, c := range m.children {
		if c.generation >= generation || c.signalled {
			continue
		}
		c.signalled = true
		if err := signalChild(c, syscall.SIGUSR1); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if spawnErr != nil {
		result = multierror.Append(result, spawnErr)
	}
	return result.ErrorOrNil()
}

// shutdown walks every child through SIGTERM, SIGINT and SIGKILL until the
// pool is empty. After SIGINT a child aborts its check, so it gets enough
// time to run the check's own kill sequence. Check groups still recorded at
// SIGKILL time are killed along with their worker.
func (m *Master) shutdown() error {
	m.setMasterState(MasterStateStopping)
	if m.health != nil {
		m.health.setServing(false)
	}
	grace := m.currentConfig().ShutdownGraceDuration()
	m.logger.Infof("Stopping %d workers...", len(m.children))

	var result *multierror.Error
	for _, step := range []struct {
		signal syscall.Signal
		wait   time.Duration
	}{
		{syscall.SIGTERM, grace},
		{syscall.SIGINT, interruptWait(grace)},
		{syscall.SIGKILL, killWait},
	} {
		if len(m.children) == 0 {
			break
		}
		for _, c := range m.children {
			c.signalled = true
			if step.signal == syscall.SIGKILL {
				if err := killCheckGroup(c); err != nil {
					result = multierror.Append(result, err)
				}
			}
			if err := signalChild(c, step.signal); err != nil {
				result = multierror.Append(result, err)
			}
		}
		m.drain(step.wait)
	}

	if len(m.children) > 0 {
		result = multierror.Append(result, errors.NewProcessError(fmt.Sprintf("%d workers did not exit", len(m.children)), nil))
	}
	m.state.reset()

	if err := result.ErrorOrNil(); err != nil {
		m.logger.Errorf("Some workers failed to stop: %v", err)
		return err
	}
	m.logger.Infof("All workers stopped")
	return nil
}

// interruptWait is the time granted after SIGINT: at least the shutdown
// grace, and never less than a check's kill sequence plus one delay of slack.
func interruptWait(grace time.Duration) time.Duration {
	escalation := process.EscalationTime(process.DefaultKillDelay) + process.DefaultKillDelay
	if grace < escalation {
		return escalation
	}
	return grace
}

// drain processes notifications until every child exited or wait elapsed.
func (m *Master) drain(wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(m.children) > 0 {
		select {
		case n := <-m.notify:
			m.handleNotification(n)
		case <-timer.C:
			return
		}
	}
}

// runInProcess serves jobs with a single worker inside the daemon. It is
// restarted whenever it exits voluntarily.
func (m *Master) runInProcess(ctx context.Context) error {
	if m.health != nil {
		m.health.setServing(true)
	}

	for {
		if ctx.Err() != nil {
			m.state.reset()
			return nil
		}
		cfg := m.currentConfig()
		w, err := worker.New(worker.Options{
			Config:    cfg,
			Reporter:  &m.state,
			Logger:    logging.WithPrefix(m.logger, "worker: "),
			Isolation: m.options.Isolation,
		})
		if err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(context.Background())
		done := make(chan error, 1)
		m.state.workerStarted()
		go func() { done <- w.Run(runCtx) }()

		stopping := false
		select {
		case <-ctx.Done():
			stopping = true
			m.setMasterState(MasterStateStopping)
			w.Stop()
			err = m.awaitInProcess(done, cancelRun, cfg.ShutdownGraceDuration())
		case req := <-m.reload:
			_, reloadErr := m.swapConfig(req.cfg)
			req.done <- reloadErr
			w.Stop()
			err = <-done
		case err = <-done:
		}
		cancelRun()
		m.state.workerExited(0)

		if stopping {
			m.state.reset()
			return nil
		}
		if err != nil {
			m.logger.Errorf("Worker failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(cfg.AutoscaleIntervalDuration()):
			}
		}
	}
}

func (m *Master) awaitInProcess(done <-chan error, cancel context.CancelFunc, grace time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	m.logger.Infof("Worker still busy after %v, aborting current check", grace)
	cancel()
	return <-done
}
