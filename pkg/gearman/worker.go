package gearman

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
)

// DummyFunction is announced after the real functions. Job servers have
// been seen to lose the last function a worker registers; the placeholder
// takes that slot so every real queue stays served.
const DummyFunction = "dummy"

var (
	ErrIdleTimeout = stderrors.New("worker idle timeout")
	ErrJobLimit    = stderrors.New("worker job limit reached")
	ErrStopped     = stderrors.New("worker stopped")
)

const (
	defaultBackoffStart = 1 * time.Second
	defaultBackoffStep  = 3 * time.Second
	defaultBackoffMax   = 60 * time.Second

	// sleepPoll re-grabs periodically in case a NOOP wakeup was lost.
	sleepPoll = 30 * time.Second
)

// Job is one assignment handed to a HandlerFunc.
type Job struct {
	Handle   string
	Function string
	UniqueID string
	Payload  []byte
}

// HandlerFunc processes a job. Returned data is sent with WORK_COMPLETE;
// an error results in WORK_FAIL.
type HandlerFunc func(ctx context.Context, job *Job) ([]byte, error)

type WorkerOptions struct {
	Logger   logging.Logger
	ClientID string

	// IdleTimeout ends Run with ErrIdleTimeout when no job arrives in time.
	IdleTimeout time.Duration
	// MaxJobs ends Run with ErrJobLimit after that many jobs.
	MaxJobs int

	DialTimeout time.Duration
	IOTimeout   time.Duration

	BackoffStart time.Duration
	BackoffStep  time.Duration
	BackoffMax   time.Duration
}

type Worker struct {
	endpoints []Endpoint
	options   WorkerOptions
	logger    logging.Logger

	mutex     sync.Mutex
	functions []string
	handlers  map[string]HandlerFunc

	stopOnce sync.Once
	stopCh   chan struct{}

	jobsDone atomic.Int64
}

func NewWorker(endpoints []Endpoint, options WorkerOptions) (*Worker, error) {
	if len(endpoints) == 0 {
		return nil, errors.NewValidationError("no job server endpoints configured", nil)
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.IOTimeout <= 0 {
		options.IOTimeout = defaultIOTimeout
	}
	if options.BackoffStart <= 0 {
		options.BackoffStart = defaultBackoffStart
	}
	if options.BackoffStep <= 0 {
		options.BackoffStep = defaultBackoffStep
	}
	if options.BackoffMax <= 0 {
		options.BackoffMax = defaultBackoffMax
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard
	}

	w := &Worker{
		endpoints: endpoints,
		options:   options,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
		stopCh:    make(chan struct{}),
	}
	w.handlers[DummyFunction] = func(context.Context, *Job) ([]byte, error) { return nil, nil }
	return w, nil
}

// Register adds a function. It must be called before Run.
func (w *Worker) Register(function string, handler HandlerFunc) error {
	if function == "" {
		return errors.NewValidationError("function name cannot be empty", nil)
	}
	if handler == nil {
		return errors.NewValidationError("handler cannot be nil", nil)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, exists := w.handlers[function]; !exists {
		w.functions = append(w.functions, function)
	}
	w.handlers[function] = handler
	return nil
}

// Functions lists the registered functions in announce order, DummyFunction last.
func (w *Worker) Functions() []string {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return append(append([]string(nil), w.functions...), DummyFunction)
}

// Stop makes Run return ErrStopped once the current job, if any, is done.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) JobsDone() int64 {
	return w.jobsDone.Load()
}

// Run connects, grabs and dispatches jobs until the context is cancelled,
// Stop is called, the idle timeout elapses or the job limit is reached.
// Transport failures are retried with linear backoff.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.newBackoff()

	for {
		if err := w.checkDone(ctx); err != nil {
			return err
		}

		sess, err := w.connect(ctx)
		if err == nil {
			var progressed bool
			progressed, err = sess.serve(ctx)
			sess.close()

			if stderrors.Is(err, ErrIdleTimeout) || stderrors.Is(err, ErrJobLimit) || stderrors.Is(err, ErrStopped) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if progressed {
				backoff.reset()
			}
		}

		delay := backoff.next()
		w.logger.Errorf("Job server communication failed, retrying in %v: %v", delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.stopCh:
			timer.Stop()
			return ErrStopped
		case <-timer.C:
		}
	}
}

// backoff is the linear reconnect delay.
type backoff struct {
	start, step, max time.Duration
	current          time.Duration
}

func (w *Worker) newBackoff() *backoff {
	return &backoff{
		start:   w.options.BackoffStart,
		step:    w.options.BackoffStep,
		max:     w.options.BackoffMax,
		current: w.options.BackoffStart,
	}
}

// next returns the delay before the coming retry and grows the one after it.
func (b *backoff) next() time.Duration {
	delay := b.current
	b.current = min(b.current+b.step, b.max)
	return delay
}

func (b *backoff) reset() {
	b.current = b.start
}

func (w *Worker) checkDone(ctx context.Context) error {
	select {
	case <-w.stopCh:
		return ErrStopped
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.options.MaxJobs > 0 && w.jobsDone.Load() >= int64(w.options.MaxJobs) {
		return ErrJobLimit
	}
	return nil
}

type inbound struct {
	packet *Packet
	err    error
}

type workerConn struct {
	*conn
	packets chan inbound
}

type session struct {
	worker *Worker
	conns  []*workerConn
	wake   chan struct{}
	errs   chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

func (w *Worker) connect(ctx context.Context) (*session, error) {
	functions := w.Functions()

	sess := &session{
		worker: w,
		wake:   make(chan struct{}, 1),
		errs:   make(chan error, len(w.endpoints)),
		done:   make(chan struct{}),
	}

	var result *multierror.Error
	for _, endpoint := range w.endpoints {
		cn, err := dial(ctx, endpoint, w.options.DialTimeout, w.options.IOTimeout)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := w.announce(cn, functions); err != nil {
			cn.close()
			result = multierror.Append(result, err)
			continue
		}
		wc := &workerConn{conn: cn, packets: make(chan inbound, 4)}
		sess.conns = append(sess.conns, wc)
	}

	if len(sess.conns) == 0 {
		return nil, errors.NewNetworkError("no job server reachable", result.ErrorOrNil())
	}
	if result != nil {
		w.logger.Warnf("Some job servers are unreachable: %v", result)
	}

	for _, wc := range sess.conns {
		sess.wg.Add(1)
		go sess.readLoop(wc)
	}

	w.logger.Debugf("Worker connected to %d job servers, functions: %v", len(sess.conns), functions)
	return sess, nil
}

func (w *Worker) announce(cn *conn, functions []string) error {
	if w.options.ClientID != "" {
		if err := cn.send(NewRequest(PacketSetClientID, []byte(w.options.ClientID))); err != nil {
			return err
		}
	}
	if err := cn.send(NewRequest(PacketResetAbilities)); err != nil {
		return err
	}
	for _, function := range functions {
		if err := cn.send(NewRequest(PacketCanDo, []byte(function))); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) readLoop(wc *workerConn) {
	defer s.wg.Done()

	for {
		p, err := wc.read()
		if err != nil {
			select {
			case s.errs <- err:
			default:
			}
			select {
			case wc.packets <- inbound{err: err}:
			case <-s.done:
			}
			return
		}

		if p.Type == PacketNoop {
			select {
			case s.wake <- struct{}{}:
			default:
			}
			continue
		}

		select {
		case wc.packets <- inbound{packet: p}:
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	close(s.done)
	for _, wc := range s.conns {
		wc.close()
	}
	s.wg.Wait()
}

// serve runs the grab/sleep cycle. progressed reports whether at least one
// GRAB round trip succeeded.
func (s *session) serve(ctx context.Context) (progressed bool, err error) {
	w := s.worker

	idleSince := time.Now()
	for {
		if err := w.checkDone(ctx); err != nil {
			return progressed, err
		}

		grabbed := false
		for _, wc := range s.conns {
			job, err := s.grab(ctx, wc)
			if err != nil {
				return progressed, err
			}
			progressed = true
			if job == nil {
				continue
			}

			grabbed = true
			if err := s.dispatch(ctx, wc, job); err != nil {
				return progressed, err
			}
			if err := w.checkDone(ctx); err != nil {
				return progressed, err
			}
		}

		if grabbed {
			idleSince = time.Now()
			continue
		}

		if err := s.sleep(ctx, idleSince); err != nil {
			return progressed, err
		}
	}
}

func (s *session) grab(ctx context.Context, wc *workerConn) (*Job, error) {
	if err := wc.send(NewRequest(PacketGrabJobUniq)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(wc.ioTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errors.NewTimeoutError("no answer to GRAB_JOB from "+wc.endpoint.String(), nil)
		case in := <-wc.packets:
			if in.err != nil {
				return nil, in.err
			}
			switch in.packet.Type {
			case PacketNoJob:
				return nil, nil
			case PacketJobAssignUniq:
				return &Job{
					Handle:   string(in.packet.Arg(0)),
					Function: string(in.packet.Arg(1)),
					UniqueID: string(in.packet.Arg(2)),
					Payload:  in.packet.Arg(3),
				}, nil
			case PacketJobAssign:
				return &Job{
					Handle:   string(in.packet.Arg(0)),
					Function: string(in.packet.Arg(1)),
					Payload:  in.packet.Arg(2),
				}, nil
			case PacketError:
				return nil, serverError(in.packet)
			default:
				s.worker.logger.Debugf("Ignoring %s from %s", in.packet.Type, wc.endpoint)
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, wc *workerConn, job *Job) error {
	w := s.worker

	w.mutex.Lock()
	handler, ok := w.handlers[job.Function]
	w.mutex.Unlock()

	if !ok {
		w.logger.Warnf("Received job for unregistered function %s", job.Function)
		return wc.send(NewRequest(PacketWorkFail, []byte(job.Handle)))
	}

	data, err := handler(ctx, job)
	if job.Function != DummyFunction {
		w.jobsDone.Inc()
	}
	if err != nil {
		w.logger.Warnf("Job %s on %s failed: %v", job.Handle, job.Function, err)
		return wc.send(NewRequest(PacketWorkFail, []byte(job.Handle)))
	}
	return wc.send(NewRequest(PacketWorkComplete, []byte(job.Handle), data))
}

func (s *session) sleep(ctx context.Context, idleSince time.Time) error {
	w := s.worker

	for _, wc := range s.conns {
		if err := wc.send(NewRequest(PacketPreSleep)); err != nil {
			return err
		}
	}

	var idle <-chan time.Time
	if w.options.IdleTimeout > 0 {
		remaining := w.options.IdleTimeout - time.Since(idleSince)
		if remaining <= 0 {
			return ErrIdleTimeout
		}
		idleTimer := time.NewTimer(remaining)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	poll := time.NewTimer(sleepPoll)
	defer poll.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return ErrStopped
	case <-idle:
		return ErrIdleTimeout
	case err := <-s.errs:
		return err
	case <-s.wake:
		return nil
	case <-poll.C:
		return nil
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker(%d servers, %d functions)", len(w.endpoints), len(w.Functions()))
}
