package shared

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"replistore/pkg/protocol"
)

const (
	// DefaultDialTimeout bounds connection establishment when the caller's
	// context has no deadline.
	DefaultDialTimeout = 5 * time.Second
)

// Conn is a persistent, ordered stream carrying newline-terminated control
// messages interleaved with raw payload bytes. Reads must come from a single
// goroutine; writes may come from many and are serialized.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMutex sync.Mutex
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Dial opens a control connection to address.
func Dial(ctx context.Context, address string) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return NewConn(conn), nil
}

// DialWithRetry keeps dialing until it succeeds, maxRetries is exhausted or
// ctx is cancelled.
func DialWithRetry(ctx context.Context, address string, maxRetries int, retryInterval time.Duration) (*Conn, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err := Dial(ctx, address)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryInterval):
			}
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// ReadLine returns the next control line without its terminator.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		// A final line without a terminator is still a line.
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadCommand reads and decodes the next control line. Decoding failures wrap
// protocol.ErrMalformed and leave the connection usable.
func (c *Conn) ReadCommand() (protocol.Command, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(line)
}

// ReadCommandTimeout is ReadCommand bounded by d. The deadline is cleared
// before returning.
func (c *Conn) ReadCommandTimeout(d time.Duration) (protocol.Command, error) {
	if d > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return c.ReadCommand()
}

// Send writes one control message.
func (c *Conn) Send(cmd protocol.Command) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if _, err := io.WriteString(c.conn, protocol.Encode(cmd)+"\n"); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Token(), err)
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// CloseWrite half-closes the connection where the transport allows it, so the
// peer observes the end of a payload while replies can still be read.
func (c *Conn) CloseWrite() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return c.conn.Close()
}
