package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// Conn is the client side of a collector connection. It performs one
// request/response round trip at a time and is not safe for concurrent use.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial opens a TCP connection to addr within timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(c, timeout), nil
}

// NewConn wraps an established connection. timeout bounds each round trip.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c), timeout: timeout}
}

// Request writes one frame and waits for its response.
func (c *Conn) Request(t MessageType, payload []byte) (Response, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return Response{}, fmt.Errorf("set deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, t, payload); err != nil {
		return Response{}, err
	}
	resp, err := ReadResponse(c.r, MaxMessageSize)
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", t, err)
	}
	return resp, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
