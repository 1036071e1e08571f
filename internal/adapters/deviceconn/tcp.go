package deviceconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const readBufferSize = 4096

// tcpConnection is a device connection over TCP.
// Devices only ever receive messages from us, so whatever they send back is discarded. The read
// loop exists to notice when the peer goes away.
type tcpConnection struct {
	conn        net.Conn
	address     string
	connectedAt time.Time

	metrics *deviceConnMetricsCollection

	writeLock sync.Mutex

	disconnected chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

func newTCPConnection(conn net.Conn, address string, connectedAt time.Time, metrics *deviceConnMetricsCollection) *tcpConnection {
	c := &tcpConnection{
		conn:         conn,
		address:      address,
		connectedAt:  connectedAt,
		metrics:      metrics,
		disconnected: make(chan struct{}),
	}
	go c.readUntilClosed()
	return c
}

func (c *tcpConnection) Address() string {
	return c.address
}

func (c *tcpConnection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *tcpConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *tcpConnection) Write(ctx context.Context, message []byte) error {
	select {
	case <-c.disconnected:
		return net.ErrClosed
	default:
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := c.conn.Write(message); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to write to %s: %w", c.address, err)
	}
	return nil
}

func (c *tcpConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		close(c.disconnected)
	})
	return c.closeErr
}

func (c *tcpConnection) readUntilClosed() {
	buf := make([]byte, readBufferSize)
	for {
		_, err := c.conn.Read(buf)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			c.metrics.recordDisconnect(reasonEOF)
		case errors.Is(err, net.ErrClosed):
			c.metrics.recordDisconnect(reasonClosed)
		default:
			c.metrics.recordDisconnect(reasonReadError)
		}
		_ = c.Close()
		return
	}
}
