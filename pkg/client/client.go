// Package client talks to a replistore controller and its storage nodes on
// behalf of a user: it stores, loads, removes and lists files.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"replistore/pkg/config"
	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"go.uber.org/zap"
)

// Client holds one controller session. Requests on a client are serialized.
// A session that timed out is discarded and the next request opens a new one.
type Client struct {
	address string
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn *shared.Conn
}

func New(cfg config.ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		address: cfg.ControllerAddress,
		timeout: cfg.Timeout(),
		logger:  logger,
	}
}

// Close ends the controller session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Store uploads size bytes of data as filename. The controller picks the
// nodes; the data is sent to all of them in parallel.
func (c *Client) Store(ctx context.Context, filename string, data io.ReaderAt, size int64) error {
	if err := protocol.ValidateFilename(filename); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.request(ctx, protocol.Store{Filename: filename, Size: size})
	if err != nil {
		return err
	}
	storeTo, ok := reply.(protocol.StoreTo)
	if !ok {
		return c.unexpected(reply)
	}

	failed := c.uploadAll(ctx, filename, data, size, storeTo.Nodes)

	reply, err = c.await(ctx)
	if err != nil {
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d uploads failed", err, failed, len(storeTo.Nodes))
		}
		return err
	}
	if _, ok := reply.(protocol.StoreComplete); !ok {
		return c.unexpected(reply)
	}

	c.logger.Debug("File stored",
		zap.String("filename", filename),
		zap.Int64("size", size),
		zap.Int("replicas", len(storeTo.Nodes)))
	return nil
}

// StoreFile uploads the local file at path as filename.
func (c *Client) StoreFile(ctx context.Context, path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	return c.Store(ctx, filename, file, info.Size())
}

func (c *Client) uploadAll(ctx context.Context, filename string, data io.ReaderAt, size int64, nodes []types.NodeID) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)

	for _, node := range nodes {
		wg.Add(1)
		go func(node types.NodeID) {
			defer wg.Done()

			if err := c.upload(ctx, node, filename, io.NewSectionReader(data, 0, size), size); err != nil {
				c.logger.Warn("Upload failed",
					zap.String("filename", filename),
					zap.String("node", string(node)),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(node)
	}

	wg.Wait()
	return failed
}

func (c *Client) upload(ctx context.Context, node types.NodeID, filename string, r io.Reader, size int64) error {
	conn, err := shared.Dial(ctx, string(node))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(protocol.Store{Filename: filename, Size: size}); err != nil {
		return err
	}
	reply, err := conn.ReadCommandTimeout(c.timeout)
	if err != nil {
		return fmt.Errorf("no acknowledgement: %w", err)
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return fmt.Errorf("unexpected reply %s", reply.Token())
	}

	if _, err := conn.SendFrom(r, c.timeout, nil); err != nil {
		return err
	}
	return conn.CloseWrite()
}

// Load fetches filename and writes it to w. A node that fails mid-transfer is
// skipped with RELOAD; w only sees a complete copy. The download is spooled
// to a temporary file rather than held in memory.
func (c *Client) Load(ctx context.Context, filename string, w io.Writer) (int64, error) {
	spool, err := os.CreateTemp("", "replistore-load-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	if _, err := c.loadInto(ctx, filename, spool); err != nil {
		return 0, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, spool)
}

// LoadFile fetches filename into the local file at path. The payload is
// received next to path and renamed into place once complete, so a failed
// load leaves any existing file untouched.
func (c *Client) LoadFile(ctx context.Context, filename, path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := c.loadInto(ctx, filename, tmp)
	if err == nil {
		err = tmp.Chmod(0644)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// loadInto runs the LOAD/RELOAD exchange, receiving each attempt into f from
// the start.
func (c *Client) loadInto(ctx context.Context, filename string, f *os.File) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		cmd     protocol.Command = protocol.Load{Filename: filename}
		lastErr error
	)

	for {
		reply, err := c.request(ctx, cmd)
		if err != nil {
			if errors.Is(err, types.ErrLoadFailed) && lastErr != nil {
				return 0, fmt.Errorf("%w: last attempt: %v", err, lastErr)
			}
			return 0, err
		}
		from, ok := reply.(protocol.LoadFrom)
		if !ok {
			return 0, c.unexpected(reply)
		}

		if err := rewind(f); err != nil {
			return 0, err
		}
		if err := c.download(ctx, from.Node, filename, from.Size, f); err != nil {
			c.logger.Warn("Download failed, trying another node",
				zap.String("filename", filename),
				zap.String("node", string(from.Node)),
				zap.Error(err))
			lastErr = err
			cmd = protocol.Reload{Filename: filename}
			continue
		}

		return from.Size, nil
	}
}

// rewind discards whatever a previous attempt wrote to f.
func rewind(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return f.Truncate(0)
}

func (c *Client) download(ctx context.Context, node types.NodeID, filename string, size int64, w io.Writer) error {
	conn, err := shared.Dial(ctx, string(node))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(protocol.LoadData{Filename: filename}); err != nil {
		return err
	}
	_, err = conn.ReceiveN(w, size, c.timeout, nil)
	return err
}

// Remove deletes filename from every node holding it.
func (c *Client) Remove(ctx context.Context, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.request(ctx, protocol.Remove{Filename: filename})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.RemoveComplete); !ok {
		return c.unexpected(reply)
	}
	return nil
}

// List returns the names of every fully stored file.
func (c *Client) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.request(ctx, protocol.List{})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(protocol.List)
	if !ok {
		return nil, c.unexpected(reply)
	}
	return list.Files, nil
}

// request sends cmd to the controller and waits for its reply. The caller
// holds c.mu.
func (c *Client) request(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	if c.conn == nil {
		conn, err := shared.Dial(ctx, c.address)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	if err := c.conn.Send(cmd); err != nil {
		c.reset()
		return nil, err
	}
	return c.await(ctx)
}

// await reads the controller's next reply, translating error tokens. A
// missing reply means the controller gave up on the operation.
func (c *Client) await(ctx context.Context) (protocol.Command, error) {
	wait := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		c.reset()
		return nil, types.ErrTimeout
	}

	reply, err := c.conn.ReadCommandTimeout(wait)
	if err != nil {
		c.reset()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, types.ErrTimeout
		}
		return nil, fmt.Errorf("controller connection lost: %w", err)
	}

	if err := protocol.ErrorFromCommand(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// reset drops the session so a late reply cannot be taken for the answer to
// a later request.
func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) unexpected(reply protocol.Command) error {
	c.reset()
	return fmt.Errorf("unexpected reply from controller: %s", reply.Token())
}
