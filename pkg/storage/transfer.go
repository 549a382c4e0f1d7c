package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replistore/pkg/protocol"
	"replistore/pkg/shared"
	"replistore/pkg/types"

	"go.uber.org/zap"
)

// FileTransfer pushes locally stored files to peer nodes.
type FileTransfer struct {
	store      *LocalStore
	timeout    time.Duration
	bufferSize int
	logger     *zap.Logger
}

func NewFileTransfer(store *LocalStore, timeout time.Duration, bufferSize int, logger *zap.Logger) *FileTransfer {
	if bufferSize <= 0 {
		bufferSize = shared.DefaultTransferBuffer
	}
	return &FileTransfer{
		store:      store,
		timeout:    timeout,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Push sends one file to target: the peer must acknowledge the announced
// store before any payload is written.
func (ft *FileTransfer) Push(ctx context.Context, filename string, target types.NodeID) error {
	file, size, err := ft.store.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer file.Close()

	dialCtx, cancel := context.WithTimeout(ctx, ft.timeout)
	defer cancel()

	conn, err := shared.Dial(dialCtx, string(target))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(protocol.RebalanceStore{Filename: filename, Size: size}); err != nil {
		return err
	}

	reply, err := conn.ReadCommandTimeout(ft.timeout)
	if err != nil {
		return fmt.Errorf("no acknowledgement from %s: %w", target, err)
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return fmt.Errorf("unexpected reply %s from %s", reply.Token(), target)
	}

	if _, err := conn.SendFrom(file, ft.timeout, make([]byte, ft.bufferSize)); err != nil {
		return err
	}

	ft.logger.Debug("File pushed",
		zap.String("filename", filename),
		zap.String("target", string(target)),
		zap.Int64("size", size))
	return nil
}

// PushResult reports the outcome of a batch of pushes.
type PushResult struct {
	Succeeded int
	Failed    int
}

// ParallelPush runs every (file, destination) pair of moves with at most
// maxConcurrency pushes in flight. Failures are logged and do not stop the
// remaining pushes.
func (ft *FileTransfer) ParallelPush(ctx context.Context, moves []protocol.Move, maxConcurrency int) PushResult {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result PushResult
	)
	sem := make(chan struct{}, maxConcurrency)

	for _, move := range moves {
		for _, dest := range move.Destinations {
			sem <- struct{}{}
			wg.Add(1)

			go func(filename string, target types.NodeID) {
				defer wg.Done()
				defer func() { <-sem }()

				err := ft.Push(ctx, filename, target)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					ft.logger.Warn("Push failed",
						zap.String("filename", filename),
						zap.String("target", string(target)),
						zap.Error(err))
					return
				}
				result.Succeeded++
			}(move.File, dest)
		}
	}

	wg.Wait()
	return result
}
