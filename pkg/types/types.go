package types

import (
	"errors"
	"sort"
)

type NodeID string
type SessionID string

type FileState int

const (
	StoreInProgress FileState = iota + 1
	StoreComplete
	RemoveInProgress
	RemoveComplete
)

func (s FileState) String() string {
	switch s {
	case StoreInProgress:
		return "store in progress"
	case StoreComplete:
		return "store complete"
	case RemoveInProgress:
		return "remove in progress"
	case RemoveComplete:
		return "remove complete"
	default:
		return "unknown"
	}
}

type FileRecord struct {
	Name  string
	Size  int64
	State FileState
}

// Visible reports whether the file may be listed or loaded.
func (r FileRecord) Visible() bool {
	return r.State == StoreComplete
}

type StorageNode struct {
	ID    NodeID
	Files []string
}

var (
	ErrFileAlreadyExists = errors.New("file already exists")
	ErrFileNotFound      = errors.New("file does not exist")
	ErrNotEnoughNodes    = errors.New("not enough storage nodes")
	ErrLoadFailed        = errors.New("no storage node left to load from")
	ErrTimeout           = errors.New("operation timed out")
)

func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
