package gearman_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
)

func echoHandler(_ context.Context, job *gearman.Job) ([]byte, error) {
	return job.Payload, nil
}

func TestNewWorker_NoEndpoints(t *testing.T) {
	_, err := gearman.NewWorker(nil, gearman.WorkerOptions{})

	assert.True(t, errors.IsValidationError(err))
}

func TestWorker_Register(t *testing.T) {
	worker, err := gearman.NewWorker([]gearman.Endpoint{{Host: "localhost", Port: 4730}}, gearman.WorkerOptions{})
	require.NoError(t, err)

	require.NoError(t, worker.Register("service", echoHandler))
	require.NoError(t, worker.Register("service", echoHandler))
	require.NoError(t, worker.Register("host", echoHandler))

	assert.Equal(t, []string{"service", "host", gearman.DummyFunction}, worker.Functions())

	require.NoError(t, worker.Register(gearman.DummyFunction, echoHandler))
	assert.Equal(t, []string{"service", "host", gearman.DummyFunction}, worker.Functions())
	assert.Error(t, worker.Register("", echoHandler))
	assert.Error(t, worker.Register("x", nil))
}

func TestWorker_ProcessesJobs(t *testing.T) {
	server := newServer(t)
	server.Enqueue("service", "u1", []byte("one"))
	server.Enqueue("service", "u2", []byte("two"))

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{MaxJobs: 2})
	require.NoError(t, err)

	var seen []string
	require.NoError(t, worker.Register("service", func(_ context.Context, job *gearman.Job) ([]byte, error) {
		seen = append(seen, job.UniqueID)
		return append([]byte("done "), job.Payload...), nil
	}))

	err = worker.Run(context.Background())

	assert.True(t, stderrors.Is(err, gearman.ErrJobLimit))
	assert.Equal(t, []string{"u1", "u2"}, seen)
	assert.Equal(t, int64(2), worker.JobsDone())

	completed := server.WaitCompleted(2, 2*time.Second)
	require.Len(t, completed, 2)
	assert.Equal(t, "done one", string(completed[0].Result))
	assert.Equal(t, "done two", string(completed[1].Result))
}

func TestWorker_DummyRegistered(t *testing.T) {
	server := newServer(t)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	assert.Equal(t, 1, server.WaitWorkers(gearman.DummyFunction, 1, 2*time.Second))
}

func TestWorker_HandlerErrorSendsFail(t *testing.T) {
	server := newServer(t)
	server.Enqueue("service", "u1", nil)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{MaxJobs: 1})
	require.NoError(t, err)
	require.NoError(t, worker.Register("service", func(context.Context, *gearman.Job) ([]byte, error) {
		return nil, stderrors.New("boom")
	}))

	err = worker.Run(context.Background())

	assert.True(t, stderrors.Is(err, gearman.ErrJobLimit))
	completed := server.WaitCompleted(1, 2*time.Second)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Failed)
}

func TestWorker_IdleTimeout(t *testing.T) {
	server := newServer(t)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{
		IdleTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, worker.Register("service", echoHandler))

	start := time.Now()
	err = worker.Run(context.Background())

	assert.True(t, stderrors.Is(err, gearman.ErrIdleTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWorker_WakesOnNoop(t *testing.T) {
	server := newServer(t)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{MaxJobs: 1})
	require.NoError(t, err)
	require.NoError(t, worker.Register("service", echoHandler))

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	server.WaitWorkers("service", 1, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	server.Enqueue("service", "late", []byte("payload"))

	select {
	case err := <-done:
		assert.True(t, stderrors.Is(err, gearman.ErrJobLimit))
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up job after wakeup")
	}
}

func TestWorker_Stop(t *testing.T) {
	server := newServer(t)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	server.WaitWorkers(gearman.DummyFunction, 1, 2*time.Second)

	worker.Stop()

	select {
	case err := <-done:
		assert.True(t, stderrors.Is(err, gearman.ErrStopped))
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RetriesUnreachableServer(t *testing.T) {
	worker, err := gearman.NewWorker([]gearman.Endpoint{closedEndpoint(t)}, gearman.WorkerOptions{
		DialTimeout:  100 * time.Millisecond,
		BackoffStart: 10 * time.Millisecond,
		BackoffStep:  10 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = worker.Run(ctx)

	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestWorker_BackoffGrowsLinearly(t *testing.T) {
	delays := make(chan time.Duration, 16)
	logger := &MockLogger{}
	logger.On("Errorf", "Job server communication failed, retrying in %v: %v", mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case delays <- args.Get(1).([]interface{})[0].(time.Duration):
			default:
			}
		})
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()

	worker, err := gearman.NewWorker([]gearman.Endpoint{closedEndpoint(t)}, gearman.WorkerOptions{
		Logger:       logger,
		DialTimeout:  100 * time.Millisecond,
		BackoffStart: 10 * time.Millisecond,
		BackoffStep:  30 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	var seen []time.Duration
	for len(seen) < 6 {
		select {
		case delay := <-delays:
			seen = append(seen, delay)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d retries logged", len(seen))
		}
	}
	cancel()
	<-done

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 40 * ms, 70 * ms, 100 * ms, 100 * ms, 100 * ms}, seen)
}
