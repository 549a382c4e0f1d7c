package coordinator

import (
	"errors"
	"io"
	"net"
	"strings"

	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// session is one accepted connection. It serves a client until the peer
// sends JOIN, after which it is the control link of that storage node.
type session struct {
	id     types.SessionID
	conn   *shared.Conn
	c      *Coordinator
	logger *zap.Logger

	node types.NodeID
}

type handlerFunc func(s *session, cmd protocol.Command) error

var clientHandlers = map[protocol.Token]handlerFunc{
	protocol.TokenJoin:   (*session).handleJoin,
	protocol.TokenStore:  (*session).handleStore,
	protocol.TokenLoad:   (*session).handleLoad,
	protocol.TokenReload: (*session).handleLoad,
	protocol.TokenRemove: (*session).handleRemove,
	protocol.TokenList:   (*session).handleList,
}

var nodeHandlers = map[protocol.Token]handlerFunc{
	protocol.TokenStoreAck:            (*session).handleStoreAck,
	protocol.TokenRemoveAck:           (*session).handleRemoveAck,
	protocol.TokenErrFileDoesNotExist: (*session).handleRemoveAck,
	protocol.TokenList:                (*session).handleListReport,
	protocol.TokenRebalanceComplete:   (*session).handleRebalanceComplete,
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.logger.Error("Accept failed", zap.Error(err))
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConnection(conn)
		}()
	}
}

func (c *Coordinator) handleConnection(raw net.Conn) {
	s := &session{
		id:   types.SessionID(uuid.NewString()),
		conn: shared.NewConn(raw),
		c:    c,
	}
	s.logger = c.logger.With(
		zap.String("session", string(s.id)),
		zap.String("remote", raw.RemoteAddr().String()))

	// Unblock the read below on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.ctx.Done():
			s.conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		s.conn.Close()
		c.sessions.forget(s.id)
		if s.node != "" {
			c.UnregisterNode(s.node, s.conn)
		}
	}()

	s.logger.Debug("Connection accepted")

	for {
		cmd, err := s.conn.ReadCommand()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.logger.Warn("Malformed message", zap.Error(err))
				continue
			}
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				s.logger.Debug("Connection closed", zap.Error(err))
			}
			return
		}

		handlers := clientHandlers
		if s.node != "" {
			handlers = nodeHandlers
		}

		handle, ok := handlers[cmd.Token()]
		if !ok {
			s.logger.Warn("Unexpected message", zap.String("token", string(cmd.Token())), zap.Bool("node", s.node != ""))
			continue
		}

		if err := handle(s, cmd); err != nil {
			s.logger.Debug("Failed to reply", zap.Error(err))
			return
		}
	}
}

// reply sends the error token for err, if it has one. Errors without a wire
// form, such as a quorum timeout, leave the client without an answer.
func (s *session) reply(err error) error {
	cmd, ok := protocol.ErrorCommand(err)
	if !ok {
		s.logger.Debug("Request failed without a reply", zap.Error(err))
		return nil
	}
	return s.conn.Send(cmd)
}

func (s *session) handleJoin(cmd protocol.Command) error {
	join := cmd.(protocol.Join)

	id := join.Port
	if !strings.Contains(join.Port, ":") {
		host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
		if err != nil {
			s.logger.Warn("Cannot determine node address", zap.Error(err))
			return nil
		}
		id = net.JoinHostPort(host, join.Port)
	}

	s.node = types.NodeID(id)
	s.logger = s.logger.With(zap.String("node", id))
	s.c.RegisterNode(s.node, s.conn)
	return nil
}

func (s *session) handleStore(cmd protocol.Command) error {
	store := cmd.(protocol.Store)

	err := s.c.Store(s.c.ctx, store.Filename, store.Size, func(nodes []types.NodeID) error {
		return s.conn.Send(protocol.StoreTo{Nodes: nodes})
	})
	if err != nil {
		return s.reply(err)
	}
	return s.conn.Send(protocol.StoreComplete{})
}

func (s *session) handleLoad(cmd protocol.Command) error {
	var (
		node types.NodeID
		size int64
		err  error
	)
	switch load := cmd.(type) {
	case protocol.Load:
		node, size, err = s.c.Load(s.id, load.Filename)
	case protocol.Reload:
		node, size, err = s.c.Reload(s.id, load.Filename)
	}
	if err != nil {
		return s.reply(err)
	}
	return s.conn.Send(protocol.LoadFrom{Node: node, Size: size})
}

func (s *session) handleRemove(cmd protocol.Command) error {
	if err := s.c.Remove(s.c.ctx, cmd.(protocol.Remove).Filename); err != nil {
		return s.reply(err)
	}
	return s.conn.Send(protocol.RemoveComplete{})
}

func (s *session) handleList(cmd protocol.Command) error {
	files, err := s.c.List()
	if err != nil {
		return s.reply(err)
	}
	return s.conn.Send(protocol.List{Files: files})
}

func (s *session) handleStoreAck(cmd protocol.Command) error {
	s.c.StoreAck(s.node, cmd.(protocol.StoreAck).Filename)
	return nil
}

func (s *session) handleRemoveAck(cmd protocol.Command) error {
	switch ack := cmd.(type) {
	case protocol.RemoveAck:
		s.c.RemoveAck(s.node, ack.Filename)
	case protocol.ErrorFileDoesNotExist:
		if ack.Filename == "" {
			s.logger.Warn("Missing-file report without a filename")
			return nil
		}
		s.c.RemoveAck(s.node, ack.Filename)
	}
	return nil
}

func (s *session) handleListReport(cmd protocol.Command) error {
	s.c.ListReport(s.node, cmd.(protocol.List).Files)
	return nil
}

func (s *session) handleRebalanceComplete(protocol.Command) error {
	s.c.RebalanceComplete(s.node)
	return nil
}
