package process

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/core-tools/hsu-gearman-worker/pkg/job"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
)

// TestModeEnv disables the final SIGKILL of timed out checks when set.
const TestModeEnv = "GMWORKER_TEST_MODE"

const (
	DefaultTimeout = 60 * time.Second
	// DefaultKillDelay separates the escalation signals unless configured.
	DefaultKillDelay = 1 * time.Second
)

// EscalationTime is how long a cancelled check may take to die: SIGTERM,
// SIGINT and SIGKILL are sent killDelay apart.
func EscalationTime(killDelay time.Duration) time.Duration {
	if killDelay <= 0 {
		killDelay = DefaultKillDelay
	}
	return 2 * killDelay
}

// State is the lifecycle position of one check execution.
type State string

const (
	StateDispatching State = "dispatching"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateTimedOut    State = "timed_out"
	StateSpawnFailed State = "spawn_failed"
)

type Options struct {
	Hostname string
	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout time.Duration
	// TimeoutReturn is the return code of timed out checks, CRITICAL when nil.
	TimeoutReturn      *int
	WorkaroundRC25     bool
	ExitCodeExceptions []int
	ShowErrorOutput    bool
	MaxOutput          int
	// KillDelay separates the escalation signals.
	KillDelay time.Duration
	TestMode  bool
	// Env is appended to the inherited environment of every check.
	Env []string
	// Isolation, when set, runs each check through a helper process.
	Isolation *IsolationConfig
	// GroupHook learns the process group of each started check and 0 once
	// the check has been reaped.
	GroupHook func(pgid int)
	Logger    logging.Logger
}

// Executor runs check command lines under a hard timeout. It holds no
// per-job state and may be used for one job at a time or concurrently.
type Executor struct {
	options       Options
	timeoutReturn int
	logger        logging.Logger
}

func NewExecutor(options Options) *Executor {
	if options.Hostname == "" {
		options.Hostname, _ = os.Hostname()
	}
	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = DefaultTimeout
	}
	if options.MaxOutput <= 0 {
		options.MaxOutput = DefaultMaxOutput
	}
	if options.KillDelay <= 0 {
		options.KillDelay = DefaultKillDelay
	}
	if os.Getenv(TestModeEnv) != "" {
		options.TestMode = true
	}
	timeoutReturn := job.StateCritical
	if options.TimeoutReturn != nil {
		timeoutReturn = *options.TimeoutReturn
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard
	}
	return &Executor{options: options, timeoutReturn: timeoutReturn, logger: logger}
}

// Execute runs the job's command and returns a result echoing the job.
func (e *Executor) Execute(ctx context.Context, j *job.Job) *job.Result {
	if e.options.Isolation != nil {
		return withOutcome(j, e.runIsolated(ctx, j))
	}
	return e.executeDirect(ctx, j)
}

func (e *Executor) executeDirect(ctx context.Context, j *job.Job) *job.Result {
	return withOutcome(j, e.run(ctx, j.CommandLine, e.timeoutFor(j), timeoutLabel(j.Type)))
}

func withOutcome(j *job.Job, outcome *job.Result) *job.Result {
	result := job.NewResult(j)
	result.StartTime = outcome.StartTime
	result.FinishTime = outcome.FinishTime
	result.ReturnCode = outcome.ReturnCode
	result.ExitedOK = outcome.ExitedOK
	result.EarlyTimeout = outcome.EarlyTimeout
	result.Output = outcome.Output
	result.Error = outcome.Error
	return result
}

// Run executes commandLine directly in this process, ignoring isolation.
func (e *Executor) Run(ctx context.Context, commandLine string, timeout time.Duration) *job.Result {
	if timeout <= 0 {
		timeout = e.options.DefaultTimeout
	}
	return e.run(ctx, commandLine, timeout, "Check")
}

func (e *Executor) timeoutFor(j *job.Job) time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return e.options.DefaultTimeout
}

func timeoutLabel(t job.Type) string {
	switch t {
	case job.TypeHost:
		return "Host Check"
	case job.TypeService:
		return "Service Check"
	case job.TypeEventHandler:
		return "Eventhandler"
	default:
		return "Check"
	}
}

// TimeoutOutput is the synthetic output of a check that ran out of time.
func TimeoutOutput(label, hostname string) string {
	return fmt.Sprintf("(%s Timed Out On Worker: %s)", label, hostname)
}

func (e *Executor) run(ctx context.Context, commandLine string, timeout time.Duration, label string) *job.Result {
	result := &job.Result{StartTime: time.Now()}
	state := StateDispatching

	defer func() {
		e.logger.Debugf("Check finished, state: %s, rc: %d, duration: %v, command: %s",
			state, result.ReturnCode, result.FinishTime.Sub(result.StartTime), commandLine)
	}()

	if strings.TrimSpace(commandLine) == "" {
		state = StateSpawnFailed
		result.FinishTime = time.Now()
		result.Synthetic(job.StateUnknown, fmt.Sprintf("Empty command line. (worker: %s)", e.options.Hostname))
		return result
	}

	argv := Argv(commandLine)
	stdout := newCappedBuffer(e.options.MaxOutput)
	stderr := newCappedBuffer(e.options.MaxOutput)
	cmd := newCommand(argv, e.options.Env, stdout, stderr, e.options.KillDelay)

	if err := cmd.Start(); err != nil {
		state = StateSpawnFailed
		result.FinishTime = time.Now()
		result.ExitedOK = false
		e.spawnFailed(result, err)
		return result
	}
	state = StateRunning
	e.logger.Debugf("Started check, pid: %d, argv: %q, timeout: %v", cmd.Process.Pid, argv, timeout)
	e.reportGroup(cmd.Process.Pid)
	defer e.reportGroup(0)

	var expired atomic.Bool
	exited := make(chan struct{})
	enforced := make(chan struct{})
	go func() {
		defer close(enforced)
		e.enforceDeadline(ctx, cmd.Process.Pid, timeout, exited, &expired)
	}()

	waitErr := cmd.Wait()
	close(exited)
	<-enforced

	result.FinishTime = time.Now()
	result.Output = stdout.String()
	result.Error = stderr.String()

	if expired.Load() || result.FinishTime.Sub(result.StartTime) > timeout {
		state = StateTimedOut
		result.ExitedOK = false
		result.EarlyTimeout = true
		result.Synthetic(e.timeoutReturn, TimeoutOutput(label, e.options.Hostname))
		return result
	}

	state = StateCompleted
	if waitErr != nil && !stderrors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !stderrors.As(waitErr, &exitErr) {
			result.ExitedOK = false
			result.Synthetic(job.StateUnknown, fmt.Sprintf("Could not wait for check: %v (worker: %s)", waitErr, e.options.Hostname))
			return result
		}
	}

	e.applyExitStatus(result, cmd.ProcessState)
	return result
}

func (e *Executor) reportGroup(pgid int) {
	if e.options.GroupHook != nil {
		e.options.GroupHook(pgid)
	}
}

func (e *Executor) applyExitStatus(result *job.Result, ps *os.ProcessState) {
	exitCode, signal := ps.ExitCode(), 0
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		signal = int(ws.Signal())
	}
	result.ExitedOK = signal == 0

	code, message := Classify(exitCode, signal, e.classifyRules())
	result.ReturnCode = code
	if message != "" {
		if result.Output != "" {
			message += "\n" + result.Output
		}
		result.Output = message
	}

	if e.options.ShowErrorOutput && result.ReturnCode != job.StateOK && result.Error != "" {
		if result.Output != "" {
			result.Output += "\n"
		}
		result.Output += "[stderr] " + result.Error
	}
}

func (e *Executor) classifyRules() ClassifyRules {
	return ClassifyRules{
		Hostname:       e.options.Hostname,
		WorkaroundRC25: e.options.WorkaroundRC25,
		Exceptions:     e.options.ExitCodeExceptions,
	}
}

func (e *Executor) spawnFailed(result *job.Result, err error) {
	switch {
	case stderrors.Is(err, syscall.ENOENT):
		_, message := Classify(exitNotFound, 0, e.classifyRules())
		result.Synthetic(job.StateCritical, message)
	case stderrors.Is(err, syscall.EACCES):
		_, message := Classify(exitNotExecutable, 0, e.classifyRules())
		result.Synthetic(job.StateCritical, message)
	default:
		result.Synthetic(job.StateUnknown, fmt.Sprintf("Could not start check: %v (worker: %s)", err, e.options.Hostname))
	}
	e.logger.Warnf("Failed to start check: %v", err)
}

// enforceDeadline waits for the timeout and then walks the process group
// through SIGTERM, SIGINT and SIGKILL, one KillDelay apart, stopping early
// once the group is gone. It only delivers signals; the caller builds the
// timeout result.
func (e *Executor) enforceDeadline(ctx context.Context, pgid int, timeout time.Duration, exited <-chan struct{}, expired *atomic.Bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-ctx.Done():
	case <-timer.C:
	}
	expired.Store(true)

	signals := []unix.Signal{unix.SIGTERM, unix.SIGINT}
	if !e.options.TestMode {
		signals = append(signals, unix.SIGKILL)
	}

	for i, sig := range signals {
		if i > 0 && !e.waitGroup(pgid) {
			return
		}
		if i == 0 && !groupAlive(pgid) {
			return
		}
		e.logger.Debugf("Check timed out, sending %s to process group %d", unix.SignalName(sig), pgid)
		if err := signalGroup(pgid, sig); err != nil {
			e.logger.Warnf("Failed to signal process group %d: %v", pgid, err)
		}
	}
}

// waitGroup sleeps up to KillDelay and reports whether the group is still
// alive afterwards, returning early once it is gone.
func (e *Executor) waitGroup(pgid int) bool {
	const poll = 50 * time.Millisecond

	deadline := time.Now().Add(e.options.KillDelay)
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return false
		}
		time.Sleep(poll)
	}
	return groupAlive(pgid)
}
