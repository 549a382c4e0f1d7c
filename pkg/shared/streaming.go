package shared

import (
	"fmt"
	"io"
	"time"
)

const (
	// DefaultTransferBuffer is the copy buffer used for raw payloads.
	DefaultTransferBuffer = 64 * 1024
)

// ReceiveN copies exactly n payload bytes from the connection into w. Each
// read must make progress within idle; the deadline is removed afterwards so
// the connection can return to control traffic.
func (c *Conn) ReceiveN(w io.Writer, n int64, idle time.Duration, buf []byte) (int64, error) {
	defer c.conn.SetReadDeadline(time.Time{})

	if buf == nil {
		buf = make([]byte, DefaultTransferBuffer)
	}

	src := &idleReader{conn: c, idle: idle}
	written, err := io.CopyBuffer(w, io.LimitReader(src, n), buf)
	if err != nil {
		return written, fmt.Errorf("payload interrupted after %d of %d bytes: %w", written, n, err)
	}
	if written < n {
		return written, fmt.Errorf("payload truncated after %d of %d bytes: %w", written, n, io.ErrUnexpectedEOF)
	}
	return written, nil
}

// SendFrom streams r to the peer as raw payload. Each write must make
// progress within idle.
func (c *Conn) SendFrom(r io.Reader, idle time.Duration, buf []byte) (int64, error) {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	defer c.conn.SetWriteDeadline(time.Time{})

	if buf == nil {
		buf = make([]byte, DefaultTransferBuffer)
	}

	dst := &idleWriter{conn: c, idle: idle}
	written, err := io.CopyBuffer(dst, r, buf)
	if err != nil {
		return written, fmt.Errorf("payload send interrupted after %d bytes: %w", written, err)
	}
	return written, nil
}

type idleReader struct {
	conn *Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		if err := r.conn.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
			return 0, err
		}
	}
	return r.conn.reader.Read(p)
}

type idleWriter struct {
	conn *Conn
	idle time.Duration
}

func (w *idleWriter) Write(p []byte) (int, error) {
	if w.idle > 0 {
		if err := w.conn.conn.SetWriteDeadline(time.Now().Add(w.idle)); err != nil {
			return 0, err
		}
	}
	return w.conn.conn.Write(p)
}
