package node

import (
	"errors"
	"io"
	"net"

	"replistore/pkg/protocol"
	"replistore/pkg/shared"

	"go.uber.org/zap"
)

// errCloseConnection ends a peer connection after a handler is done with it.
var errCloseConnection = errors.New("close connection")

type peerHandlerFunc func(n *Node, conn *shared.Conn, cmd protocol.Command, logger *zap.Logger) error

var peerHandlers = map[protocol.Token]peerHandlerFunc{
	protocol.TokenStore:          (*Node).handleStore,
	protocol.TokenRebalanceStore: (*Node).handleRebalanceStore,
	protocol.TokenLoadData:       (*Node).handleLoadData,
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			n.logger.Error("Accept failed", zap.Error(err))
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleConnection(conn)
		}()
	}
}

// handleConnection serves one client or peer connection.
func (n *Node) handleConnection(raw net.Conn) {
	conn := shared.NewConn(raw)
	logger := n.logger.With(zap.String("remote", raw.RemoteAddr().String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-n.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				logger.Warn("Malformed message", zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}

		handle, ok := peerHandlers[cmd.Token()]
		if !ok {
			logger.Warn("Unexpected message", zap.String("token", string(cmd.Token())))
			continue
		}

		if err := handle(n, conn, cmd, logger); err != nil {
			if !errors.Is(err, errCloseConnection) {
				logger.Warn("Request failed", zap.String("token", string(cmd.Token())), zap.Error(err))
			}
			return
		}
	}
}

func (n *Node) handleStore(conn *shared.Conn, cmd protocol.Command, logger *zap.Logger) error {
	store := cmd.(protocol.Store)
	if err := n.receive(conn, store.Filename, store.Size, "client"); err != nil {
		return err
	}

	if err := n.notifyController(protocol.StoreAck{Filename: store.Filename}); err != nil {
		logger.Warn("Failed to acknowledge store to controller",
			zap.String("filename", store.Filename),
			zap.Error(err))
	}
	logger.Debug("File stored", zap.String("filename", store.Filename), zap.Int64("size", store.Size))
	return nil
}

// handleRebalanceStore accepts a replica pushed by a peer. The controller is
// not told; the pass confirms placement as a whole.
func (n *Node) handleRebalanceStore(conn *shared.Conn, cmd protocol.Command, logger *zap.Logger) error {
	store := cmd.(protocol.RebalanceStore)
	if err := n.receive(conn, store.Filename, store.Size, "peer"); err != nil {
		return err
	}
	logger.Debug("Replica received", zap.String("filename", store.Filename), zap.Int64("size", store.Size))
	return nil
}

// receive acknowledges an announced upload and reads exactly size bytes into
// the store. Nothing becomes visible unless every byte arrives.
func (n *Node) receive(conn *shared.Conn, filename string, size int64, source string) error {
	upload, err := n.store.Create(filename)
	if err != nil {
		return err
	}

	if err := conn.Send(protocol.Ack{}); err != nil {
		upload.Abort()
		return err
	}

	received, err := conn.ReceiveN(upload, size, n.timeout, make([]byte, n.bufferSize))
	n.metrics.BytesReceived.WithLabelValues(source).Add(float64(received))
	if err != nil {
		upload.Abort()
		n.metrics.Transfers.WithLabelValues("receive", "failed").Inc()
		return err
	}
	if err := upload.Commit(); err != nil {
		n.metrics.Transfers.WithLabelValues("receive", "failed").Inc()
		return err
	}
	n.metrics.Transfers.WithLabelValues("receive", "ok").Inc()
	return nil
}

// handleLoadData streams a stored file and closes the connection. A missing
// file closes the connection without data.
func (n *Node) handleLoadData(conn *shared.Conn, cmd protocol.Command, logger *zap.Logger) error {
	filename := cmd.(protocol.LoadData).Filename

	file, size, err := n.store.Open(filename)
	if err != nil {
		logger.Debug("Cannot serve file", zap.String("filename", filename), zap.Error(err))
		n.metrics.Transfers.WithLabelValues("send", "failed").Inc()
		return errCloseConnection
	}
	defer file.Close()

	sent, err := conn.SendFrom(file, n.timeout, make([]byte, n.bufferSize))
	n.metrics.BytesSent.Add(float64(sent))
	if err != nil {
		n.metrics.Transfers.WithLabelValues("send", "failed").Inc()
		return err
	}

	n.metrics.Transfers.WithLabelValues("send", "ok").Inc()
	logger.Debug("File served", zap.String("filename", filename), zap.Int64("size", size))
	return errCloseConnection
}
