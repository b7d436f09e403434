package gearman_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
	"github.com/core-tools/hsu-gearman-worker/pkg/gearman/gearmantest"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newServer(t *testing.T) *gearmantest.Server {
	t.Helper()
	server, err := gearmantest.NewServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

// closedEndpoint returns an address nothing listens on.
func closedEndpoint(t *testing.T) gearman.Endpoint {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())
	return gearman.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func connect(t *testing.T, endpoints ...gearman.Endpoint) *gearman.Client {
	t.Helper()
	client, err := gearman.Connect(context.Background(), endpoints, gearman.ClientOptions{
		DialTimeout: time.Second,
		IOTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnect_NoEndpoints(t *testing.T) {
	_, err := gearman.Connect(context.Background(), nil, gearman.ClientOptions{})

	assert.True(t, errors.IsValidationError(err))
}

func TestConnect_AllUnreachable(t *testing.T) {
	_, err := gearman.Connect(context.Background(),
		[]gearman.Endpoint{closedEndpoint(t), closedEndpoint(t)},
		gearman.ClientOptions{DialTimeout: time.Second})

	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
}

func TestConnect_PartiallyReachable(t *testing.T) {
	server := newServer(t)

	client := connect(t, closedEndpoint(t), server.Endpoint())

	err := client.Submit(context.Background(), "host", "u1", []byte("payload"), gearman.PriorityNormal, 0)
	require.NoError(t, err)
	assert.Len(t, server.Queued("host"), 1)
}

func TestClient_Submit(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())

	err := client.Submit(context.Background(), "check_results", "abc", []byte("data\x00with nul"), gearman.PriorityNormal, 1)
	require.NoError(t, err)

	jobs := server.Queued("check_results")
	require.Len(t, jobs, 1)
	assert.Equal(t, "abc", jobs[0].UniqueID)
	assert.Equal(t, []byte("data\x00with nul"), jobs[0].Payload)
	assert.Equal(t, gearman.PriorityNormal, jobs[0].Priority)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.Attempts)
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(0), stats.ConsecutiveErrors)
}

func TestClient_SubmitPriorities(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())
	ctx := context.Background()

	require.NoError(t, client.Submit(ctx, "q", "low", nil, gearman.PriorityLow, 0))
	require.NoError(t, client.Submit(ctx, "q", "normal", nil, gearman.PriorityNormal, 0))
	require.NoError(t, client.Submit(ctx, "q", "high", nil, gearman.PriorityHigh, 0))

	jobs := server.Queued("q")
	require.Len(t, jobs, 3)
	assert.Equal(t, "high", jobs[0].UniqueID)
	assert.Equal(t, gearman.PriorityHigh, jobs[0].Priority)
	assert.Equal(t, gearman.PriorityLow, jobs[1].Priority)
}

func TestClient_SubmitValidation(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())

	err := client.Submit(context.Background(), "", "u", nil, gearman.PriorityNormal, 0)
	assert.True(t, errors.IsValidationError(err))

	err = client.Submit(context.Background(), "q", strings.Repeat("x", gearman.MaxUniqueSize+1), nil, gearman.PriorityNormal, 0)
	assert.True(t, errors.IsValidationError(err))
	assert.Equal(t, 0, server.SubmitCount())
}

func TestClient_SubmitRetriesOnce(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())
	server.SetDropSubmits(true)

	err := client.Submit(context.Background(), "check_results", "u", []byte("x"), gearman.PriorityNormal, 1)

	require.Error(t, err)
	assert.Equal(t, 2, server.SubmitCount())
	stats := client.Stats()
	assert.Equal(t, int64(2), stats.Attempts)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.ConsecutiveErrors)
}

func TestClient_SubmitAfterServerGone(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())
	server.Close()

	err := client.Submit(context.Background(), "check_results", "u", []byte("x"), gearman.PriorityNormal, 1)

	require.Error(t, err)
	assert.Equal(t, int64(2), client.Stats().Attempts)
}

func TestClient_ConsecutiveErrorsReset(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())

	server.SetDropSubmits(true)
	require.Error(t, client.Submit(context.Background(), "q", "u", nil, gearman.PriorityNormal, 0))
	assert.Equal(t, int64(1), client.Stats().ConsecutiveErrors)

	server.SetDropSubmits(false)
	require.NoError(t, client.Submit(context.Background(), "q", "u", nil, gearman.PriorityNormal, 0))
	assert.Equal(t, int64(0), client.Stats().ConsecutiveErrors)
	assert.Len(t, server.Queued("q"), 1)
}

func TestClient_SubmitFailureLogThrottling(t *testing.T) {
	const failed = "Sending job to queue %s failed (%d consecutive errors): %v"

	server := newServer(t)
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", failed, mock.Anything)
	logger.On("Infof", "Job submission recovered after %d errors", mock.Anything).Once()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client, err := gearman.Connect(context.Background(), []gearman.Endpoint{server.Endpoint()}, gearman.ClientOptions{
		Logger:    logger,
		IOTimeout: 2 * time.Second,
		Clock:     func() time.Time { return now },
	})
	require.NoError(t, err)
	defer client.Close()

	submit := func(after time.Duration) error {
		now = now.Add(after)
		return client.Submit(context.Background(), "check_results", "u", []byte("x"), gearman.PriorityNormal, 0)
	}

	server.SetDropSubmits(true)
	require.Error(t, submit(0))
	logger.AssertNumberOfCalls(t, "Errorf", 1)

	require.Error(t, submit(30*time.Second))
	require.Error(t, submit(29*time.Second))
	logger.AssertNumberOfCalls(t, "Errorf", 1)

	require.Error(t, submit(time.Second))
	logger.AssertNumberOfCalls(t, "Errorf", 2)
	require.Error(t, submit(time.Second))
	logger.AssertNumberOfCalls(t, "Errorf", 2)

	server.SetDropSubmits(false)
	require.NoError(t, submit(time.Second))
	logger.AssertNumberOfCalls(t, "Infof", 1)

	// a new failure streak is reported at once
	server.SetDropSubmits(true)
	require.Error(t, submit(time.Second))
	logger.AssertNumberOfCalls(t, "Errorf", 3)
	assert.Equal(t, int64(1), client.Stats().ConsecutiveErrors)
}

func TestClient_SubmitCancelled(t *testing.T) {
	server := newServer(t)
	client := connect(t, server.Endpoint())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Submit(ctx, "q", "u", nil, gearman.PriorityNormal, 3)

	assert.True(t, errors.IsCancelledError(err))
	assert.Equal(t, int64(1), client.Stats().Attempts)
}

func TestClient_Do(t *testing.T) {
	server := newServer(t)

	worker, err := gearman.NewWorker([]gearman.Endpoint{server.Endpoint()}, gearman.WorkerOptions{})
	require.NoError(t, err)
	require.NoError(t, worker.Register("upper", func(_ context.Context, job *gearman.Job) ([]byte, error) {
		return []byte(strings.ToUpper(string(job.Payload))), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()
	server.WaitWorkers("upper", 1, 2*time.Second)

	client := connect(t, server.Endpoint())
	data, err := client.Do(ctx, "upper", "", []byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
}
