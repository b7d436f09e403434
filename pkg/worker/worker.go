// Package worker implements one worker process: it serves the configured
// queues, runs each check through the executor and submits the result.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/core-tools/hsu-gearman-worker/pkg/codec"
	"github.com/core-tools/hsu-gearman-worker/pkg/config"
	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
	"github.com/core-tools/hsu-gearman-worker/pkg/job"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
	"github.com/core-tools/hsu-gearman-worker/pkg/process"
)

const (
	// resultRetries is the number of resubmits after a failed result submit.
	resultRetries    = 1
	resultRetryDelay = 1 * time.Second
)

// TooOldOutput is the synthetic output of checks that waited longer than max-age.
const TooOldOutput = "(Could Not Start Check In Time)"

type Options struct {
	Config *config.Config
	// Reporter receives job start/finish events, nil disables reporting.
	Reporter Reporter
	Logger   logging.Logger
	// Isolation is used when fork_on_exec is enabled.
	Isolation *process.IsolationConfig
}

// Stats are cumulative per-process job counters.
type Stats struct {
	Executed  int64
	Dropped   int64
	TooOld    int64
	Submitted int64
	Lost      int64
}

// Worker is a single worker process. Jobs are handled one at a time.
type Worker struct {
	cfg       *config.Config
	endpoints []gearman.Endpoint
	transport *codec.Transport
	executor  *process.Executor
	gearman   *gearman.Worker
	reporter  Reporter
	logger    logging.Logger

	client *gearman.Client
	now    func() time.Time

	executed  atomic.Int64
	dropped   atomic.Int64
	tooOld    atomic.Int64
	submitted atomic.Int64
	lost      atomic.Int64
}

// NewTransport builds the payload transport selected by the configuration.
func NewTransport(cfg *config.Config) (*codec.Transport, error) {
	if cfg.Encryption.Enabled() {
		return codec.NewTransport(codec.ModeAES, cfg.Key)
	}
	return codec.NewTransport(codec.ModeBase64, cfg.Key)
}

// NewExecutor builds the check executor selected by the configuration.
func NewExecutor(cfg *config.Config, isolation *process.IsolationConfig, logger logging.Logger) *process.Executor {
	return newExecutor(cfg, isolation, nil, logger)
}

func newExecutor(cfg *config.Config, isolation *process.IsolationConfig, reporter Reporter, logger logging.Logger) *process.Executor {
	timeoutReturn := cfg.TimeoutReturn
	options := process.Options{
		Hostname:           cfg.Identifier,
		DefaultTimeout:     cfg.JobTimeoutDuration(),
		TimeoutReturn:      &timeoutReturn,
		WorkaroundRC25:     cfg.WorkaroundRC25.Enabled(),
		ExitCodeExceptions: cfg.ExitCodes(),
		ShowErrorOutput:    cfg.ShowErrorOutput.Enabled(),
		MaxOutput:          cfg.MaxOutput,
		Logger:             logger,
	}
	if cfg.ForkOnExec.Enabled() {
		options.Isolation = isolation
	}
	if groups, ok := reporter.(GroupReporter); ok {
		options.GroupHook = groups.CheckGroup
	}
	return process.NewExecutor(options)
}

func New(options Options) (*Worker, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if cfg.ForkOnExec.Enabled() && options.Isolation == nil {
		return nil, errors.NewValidationError("fork_on_exec needs an isolation helper", nil)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard
	}
	reporter := options.Reporter
	if reporter == nil {
		reporter = ReporterFuncs{}
	}

	endpoints, err := gearman.ParseEndpoints(cfg.Server...)
	if err != nil {
		return nil, err
	}
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := gearman.NewWorker(endpoints, gearman.WorkerOptions{
		Logger:      logging.WithPrefix(logger, "queue: "),
		ClientID:    fmt.Sprintf("%s-%d", cfg.Identifier, os.Getpid()),
		IdleTimeout: cfg.IdleTimeoutDuration(),
		MaxJobs:     cfg.MaxJobs,
	})
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:       cfg,
		endpoints: endpoints,
		transport: transport,
		executor:  newExecutor(cfg, options.Isolation, reporter, logger),
		gearman:   gw,
		reporter:  reporter,
		logger:    logger,
		now:       time.Now,
	}

	for _, queue := range cfg.Queues() {
		if err := gw.Register(queue, w.handle); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Run serves jobs until ctx is cancelled, Stop is called, the idle timeout
// elapses or max-jobs is reached. The last three are voluntary exits and
// return nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("Worker started, queues: %v, servers: %v", w.gearman.Functions(), w.endpoints)
	defer w.closeClient()

	err := w.gearman.Run(ctx)
	switch {
	case stderrors.Is(err, gearman.ErrIdleTimeout):
		w.logger.Infof("Worker idle for %v, exiting", w.cfg.IdleTimeoutDuration())
		return nil
	case stderrors.Is(err, gearman.ErrJobLimit):
		w.logger.Infof("Worker reached max-jobs (%d), exiting", w.cfg.MaxJobs)
		return nil
	case stderrors.Is(err, gearman.ErrStopped):
		w.logger.Infof("Worker stopped after %d jobs", w.gearman.JobsDone())
		return nil
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return nil
	}
	return err
}

// Stop lets the current job finish and then ends Run.
func (w *Worker) Stop() {
	w.gearman.Stop()
}

func (w *Worker) Stats() Stats {
	return Stats{
		Executed:  w.executed.Load(),
		Dropped:   w.dropped.Load(),
		TooOld:    w.tooOld.Load(),
		Submitted: w.submitted.Load(),
		Lost:      w.lost.Load(),
	}
}

func (w *Worker) handle(ctx context.Context, gj *gearman.Job) ([]byte, error) {
	w.reporter.JobStarted()
	defer w.reporter.JobFinished()

	j, err := w.decode(gj.Payload)
	if err != nil {
		w.dropped.Inc()
		w.logger.Errorf("Dropping job %s from %s: %v", gj.Handle, gj.Function, err)
		return nil, err
	}
	w.logger.Debugf("Got job %s from %s: %s, command: %s", gj.Handle, gj.Function, j.Name(), j.CommandLine)

	now := w.now()
	if maxAge := w.cfg.MaxAgeDuration(); maxAge > 0 && j.Age(now) > maxAge {
		w.tooOld.Inc()
		w.logger.Warnf("Job %s is too old (%v > %v), not running it", j.Name(), j.Age(now).Round(time.Millisecond), maxAge)
		if j.Type == job.TypeEventHandler {
			return nil, nil
		}
		result := job.NewResult(j)
		result.StartTime = now
		result.FinishTime = now
		result.ExitedOK = false
		result.EarlyTimeout = true
		result.Synthetic(job.StateUnknown, TooOldOutput)
		w.submit(ctx, j, result)
		return nil, nil
	}

	j.StartTime = now
	result := w.executor.Execute(ctx, j)
	w.executed.Inc()

	if j.Type == job.TypeEventHandler {
		w.logger.Debugf("Event handler %s finished, rc: %d", j.Name(), result.ReturnCode)
		return nil, nil
	}
	w.submit(ctx, j, result)
	return nil, nil
}

func (w *Worker) decode(payload []byte) (*job.Job, error) {
	var plain []byte
	var err error
	if w.cfg.AcceptClearResults.Enabled() {
		plain, err = w.transport.DecodeAny(payload)
	} else {
		plain, err = w.transport.Decode(payload)
	}
	if err != nil {
		return nil, errors.NewCodecError("failed to decode payload", err)
	}
	return job.FromFields(codec.Decode(plain))
}

// submit sends the result to the job's result queue. Failures are logged
// by the client; the result is then lost.
func (w *Worker) submit(ctx context.Context, j *job.Job, result *job.Result) {
	w.logger.Debugf("Result for %s: rc %d (%s), output: %s", j.Name(), result.ReturnCode, job.StateName(result.ReturnCode), result.Output)

	client, err := w.resultClient(ctx)
	if err != nil {
		w.lost.Inc()
		w.logger.Errorf("Result for %s lost, no job server: %v", j.Name(), err)
		return
	}

	payload := w.transport.Encode(codec.Encode(result.Fields()))
	if err := client.Submit(ctx, j.ResultQueue, uuid.NewString(), payload, gearman.PriorityNormal, resultRetries); err != nil {
		w.lost.Inc()
		w.logger.Debugf("Result for %s lost: %v", j.Name(), err)
		return
	}
	w.submitted.Inc()
}

func (w *Worker) resultClient(ctx context.Context) (*gearman.Client, error) {
	if w.client != nil {
		return w.client, nil
	}
	client, err := gearman.Connect(ctx, w.endpoints, gearman.ClientOptions{
		Logger:     logging.WithPrefix(w.logger, "results: "),
		ClientID:   fmt.Sprintf("%s-%d-results", w.cfg.Identifier, os.Getpid()),
		RetryDelay: resultRetryDelay,
	})
	if err != nil {
		return nil, err
	}
	w.client = client
	return client, nil
}

func (w *Worker) closeClient() {
	if w.client == nil {
		return
	}
	if err := w.client.Close(); err != nil {
		w.logger.Debugf("Failed to close result client: %v", err)
	}
	w.client = nil
}
