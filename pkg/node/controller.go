package node

import (
	"errors"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"go.uber.org/zap"
)

// RejoinInterval is the pause between attempts to rejoin a controller whose
// connection was lost.
const RejoinInterval = 5 * time.Second

type controllerHandlerFunc func(n *Node, conn *shared.Conn, cmd protocol.Command) error

var controllerHandlers = map[protocol.Token]controllerHandlerFunc{
	protocol.TokenList:      (*Node).handleList,
	protocol.TokenRemove:    (*Node).handleRemove,
	protocol.TokenRebalance: (*Node).handleRebalance,
}

// controllerLoop serves controller instructions. When the connection drops
// the node keeps its files and rejoins; the next rebalance reconciles them.
func (n *Node) controllerLoop(conn *shared.Conn) {
	defer n.wg.Done()

	for {
		err := n.serveController(conn)
		conn.Close()
		if n.ctx.Err() != nil {
			return
		}

		n.logger.Warn("Lost connection to controller", zap.Error(err))
		n.health.SetServing("", false)

		conn = n.rejoin()
		if conn == nil {
			return
		}
		n.health.SetServing("", true)
	}
}

func (n *Node) serveController(conn *shared.Conn) error {
	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				n.logger.Warn("Malformed message from controller", zap.Error(err))
				continue
			}
			return err
		}

		handle, ok := controllerHandlers[cmd.Token()]
		if !ok {
			n.logger.Warn("Unexpected message from controller", zap.String("token", string(cmd.Token())))
			continue
		}
		if err := handle(n, conn, cmd); err != nil {
			return err
		}
	}
}

// rejoin retries until the controller accepts a new connection or the node
// is stopped.
func (n *Node) rejoin() *shared.Conn {
	ticker := time.NewTicker(RejoinInterval)
	defer ticker.Stop()

	for {
		conn, err := n.join()
		if err == nil {
			n.logger.Info("Rejoined controller")
			return conn
		}
		n.logger.Warn("Failed to rejoin controller, will retry", zap.Error(err))

		select {
		case <-n.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (n *Node) handleList(conn *shared.Conn, _ protocol.Command) error {
	files, err := n.store.List()
	if err != nil {
		// An empty LIST would claim this node holds nothing. Staying silent
		// leaves it out of the rebalance pass instead.
		n.logger.Error("Failed to list files", zap.Error(err))
		return nil
	}
	return conn.Send(protocol.List{Files: files})
}

func (n *Node) handleRemove(conn *shared.Conn, cmd protocol.Command) error {
	filename := cmd.(protocol.Remove).Filename

	err := n.store.Delete(filename)
	switch {
	case err == nil:
		n.metrics.FilesRemoved.Inc()
		n.logger.Debug("File removed", zap.String("filename", filename))
		return conn.Send(protocol.RemoveAck{Filename: filename})
	case errors.Is(err, types.ErrFileNotFound):
		return conn.Send(protocol.ErrorFileDoesNotExist{Filename: filename})
	default:
		// No acknowledgement: the controller times the remove out.
		n.logger.Error("Failed to remove file", zap.String("filename", filename), zap.Error(err))
		return nil
	}
}

func (n *Node) handleRebalance(conn *shared.Conn, cmd protocol.Command) error {
	n.executeRebalance(cmd.(protocol.Rebalance))
	return conn.Send(protocol.RebalanceComplete{})
}
