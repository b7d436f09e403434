package gearman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
)

// Priority selects the submit packet flavour.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func (p Priority) backgroundPacket() PacketType {
	switch p {
	case PriorityLow:
		return PacketSubmitJobLowBG
	case PriorityHigh:
		return PacketSubmitJobHighBG
	default:
		return PacketSubmitJobBG
	}
}

func (p Priority) foregroundPacket() PacketType {
	switch p {
	case PriorityLow:
		return PacketSubmitJobLow
	case PriorityHigh:
		return PacketSubmitJobHigh
	default:
		return PacketSubmitJob
	}
}

const defaultErrorLogInterval = 60 * time.Second

type ClientOptions struct {
	Logger      logging.Logger
	ClientID    string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// RetryDelay is slept between submit attempts; zero retries immediately.
	RetryDelay time.Duration
	// ErrorLogInterval throttles repeated submit failure logging.
	ErrorLogInterval time.Duration
	// Clock drives the log throttling, time.Now when nil.
	Clock func() time.Time
}

// ClientStats are cumulative submit counters.
type ClientStats struct {
	Attempts          int64
	Submitted         int64
	Failed            int64
	ConsecutiveErrors int64
}

// Client submits jobs to one of several job servers, failing over in list order.
type Client struct {
	endpoints []Endpoint
	options   ClientOptions
	logger    logging.Logger

	mutex sync.Mutex
	conns []*conn
	next  int

	lastErrorLog time.Time

	attempts          atomic.Int64
	submitted         atomic.Int64
	failed            atomic.Int64
	consecutiveErrors atomic.Int64
}

// Connect dials every endpoint. It fails only when none can be reached;
// unreachable endpoints are redialed lazily on later submits.
func Connect(ctx context.Context, endpoints []Endpoint, options ClientOptions) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.NewValidationError("no job server endpoints configured", nil)
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaultDialTimeout
	}
	if options.IOTimeout <= 0 {
		options.IOTimeout = defaultIOTimeout
	}
	if options.ErrorLogInterval <= 0 {
		options.ErrorLogInterval = defaultErrorLogInterval
	}
	if options.ClientID == "" {
		options.ClientID = uuid.NewString()
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard
	}

	c := &Client{
		endpoints: endpoints,
		options:   options,
		logger:    logger,
		conns:     make([]*conn, len(endpoints)),
	}

	var result *multierror.Error
	connected := 0
	for i := range endpoints {
		if err := c.ensureConn(ctx, i); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		connected++
	}

	if connected == 0 {
		return nil, errors.NewNetworkError("no job server reachable", result.ErrorOrNil())
	}
	if result != nil {
		c.logger.Warnf("Some job servers are unreachable: %v", result)
	}
	c.logger.Debugf("Client connected to %d of %d job servers", connected, len(endpoints))
	return c, nil
}

func (c *Client) ensureConn(ctx context.Context, i int) error {
	if c.conns[i] != nil {
		return nil
	}
	cn, err := dial(ctx, c.endpoints[i], c.options.DialTimeout, c.options.IOTimeout)
	if err != nil {
		return err
	}
	if err := cn.send(NewRequest(PacketSetClientID, []byte(c.options.ClientID))); err != nil {
		cn.close()
		return err
	}
	c.conns[i] = cn
	return nil
}

func (c *Client) dropConn(i int) {
	if c.conns[i] != nil {
		c.conns[i].close()
		c.conns[i] = nil
	}
}

// Submit queues a background job and waits until a server acknowledges it.
// A failed attempt recreates the connection; at most maxRetries further
// attempts are made before the last error is returned.
func (c *Client) Submit(ctx context.Context, queue, uniqueID string, payload []byte, priority Priority, maxRetries int) error {
	if err := validateSubmit(queue, uniqueID); err != nil {
		return err
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := retry.Do(
		func() error {
			c.attempts.Inc()
			_, err := c.submitOnce(ctx, priority.backgroundPacket(), queue, uniqueID, payload)
			if err != nil {
				c.noteFailure(queue, err)
				return err
			}
			return nil
		},
		retry.Attempts(uint(maxRetries+1)),
		retry.Delay(c.options.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		c.failed.Inc()
		return err
	}

	c.noteSuccess()
	return nil
}

// Do submits a foreground job and waits for its completion data.
func (c *Client) Do(ctx context.Context, queue, uniqueID string, payload []byte) ([]byte, error) {
	if err := validateSubmit(queue, uniqueID); err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.attempts.Inc()
	cn, err := c.submitOnce(ctx, PriorityNormal.foregroundPacket(), queue, uniqueID, payload)
	if err != nil {
		c.noteFailure(queue, err)
		return nil, err
	}

	for {
		p, err := cn.receive(ctx)
		if err != nil {
			c.dropConnFor(cn)
			return nil, err
		}
		switch p.Type {
		case PacketWorkComplete:
			c.noteSuccess()
			return p.Arg(1), nil
		case PacketWorkFail:
			return nil, errors.NewProcessError("job failed on worker", nil).WithContext("queue", queue)
		case PacketWorkException:
			return nil, errors.NewProcessError("job raised exception: "+string(p.Arg(1)), nil).WithContext("queue", queue)
		case PacketError:
			return nil, serverError(p)
		default:
			// WORK_DATA, WORK_STATUS, WORK_WARNING and NOOP are informational
		}
	}
}

// submitOnce tries each endpoint once, starting after the last one used,
// and returns the connection that accepted the job.
func (c *Client) submitOnce(ctx context.Context, packetType PacketType, queue, uniqueID string, payload []byte) (*conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("submit cancelled", err)
	}

	packet := NewRequest(packetType, []byte(queue), []byte(uniqueID), payload)

	var result *multierror.Error
	for n := 0; n < len(c.endpoints); n++ {
		i := (c.next + n) % len(c.endpoints)
		if err := c.ensureConn(ctx, i); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		cn := c.conns[i]
		if err := c.exchange(ctx, cn, packet); err != nil {
			c.dropConn(i)
			result = multierror.Append(result, err)
			continue
		}
		c.next = i
		return cn, nil
	}

	return nil, errors.NewNetworkError(fmt.Sprintf("failed to submit job to queue %s", queue), result.ErrorOrNil())
}

func (c *Client) exchange(ctx context.Context, cn *conn, packet *Packet) error {
	if err := cn.send(packet); err != nil {
		return err
	}
	for {
		p, err := cn.receive(ctx)
		if err != nil {
			return err
		}
		switch p.Type {
		case PacketJobCreated:
			return nil
		case PacketError:
			return serverError(p)
		case PacketNoop:
		default:
			return errors.NewProtocolError("unexpected "+p.Type.String()+" while waiting for JOB_CREATED", nil)
		}
	}
}

func (c *Client) dropConnFor(cn *conn) {
	for i := range c.conns {
		if c.conns[i] == cn {
			c.dropConn(i)
		}
	}
}

func (c *Client) noteFailure(queue string, err error) {
	n := c.consecutiveErrors.Inc()
	now := c.options.Clock()
	if n == 1 || now.Sub(c.lastErrorLog) >= c.options.ErrorLogInterval {
		c.logger.Errorf("Sending job to queue %s failed (%d consecutive errors): %v", queue, n, err)
		c.lastErrorLog = now
	}
}

func (c *Client) noteSuccess() {
	c.submitted.Inc()
	if n := c.consecutiveErrors.Swap(0); n > 0 {
		c.logger.Infof("Job submission recovered after %d errors", n)
	}
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Attempts:          c.attempts.Load(),
		Submitted:         c.submitted.Load(),
		Failed:            c.failed.Load(),
		ConsecutiveErrors: c.consecutiveErrors.Load(),
	}
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range c.conns {
		c.dropConn(i)
	}
	return nil
}

func validateSubmit(queue, uniqueID string) error {
	if queue == "" {
		return errors.NewValidationError("queue name cannot be empty", nil)
	}
	if len(uniqueID) > MaxUniqueSize {
		return errors.NewValidationError(fmt.Sprintf("unique id exceeds %d bytes", MaxUniqueSize), nil)
	}
	return nil
}
