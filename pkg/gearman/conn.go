package gearman

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 30 * time.Second
)

type conn struct {
	endpoint  Endpoint
	nc        net.Conn
	reader    *bufio.Reader
	ioTimeout time.Duration
}

func dial(ctx context.Context, endpoint Endpoint, dialTimeout, ioTimeout time.Duration) (*conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, errors.NewNetworkError("failed to connect to "+endpoint.String(), err)
	}
	return &conn{
		endpoint:  endpoint,
		nc:        nc,
		reader:    bufio.NewReader(nc),
		ioTimeout: ioTimeout,
	}, nil
}

func (c *conn) send(p *Packet) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return errors.NewNetworkError("failed to set write deadline", err)
	}
	if _, err := c.nc.Write(p.Bytes()); err != nil {
		return errors.NewNetworkError("failed to send "+p.Type.String()+" to "+c.endpoint.String(), err)
	}
	return nil
}

// receive reads the next response, honoring both the connection I/O timeout
// and the context deadline, whichever comes first.
func (c *conn) receive(ctx context.Context) (*Packet, error) {
	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, errors.NewNetworkError("failed to set read deadline", err)
	}
	return c.read()
}

// read blocks without a deadline; used by the worker's reader goroutines.
func (c *conn) read() (*Packet, error) {
	p, err := ReadPacket(c.reader)
	if err != nil {
		if errors.IsProtocolError(err) {
			return nil, err
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.NewTimeoutError("no response from "+c.endpoint.String(), err)
		}
		return nil, errors.NewNetworkError("connection to "+c.endpoint.String()+" lost", err)
	}
	if p.Request {
		return nil, errors.NewProtocolError("unexpected request packet "+p.Type.String(), nil)
	}
	return p, nil
}

func (c *conn) close() {
	_ = c.nc.Close()
}

// serverError converts an ERROR packet into a protocol error.
func serverError(p *Packet) error {
	return errors.NewProtocolError("server error "+string(p.Arg(0))+": "+string(p.Arg(1)), nil)
}
