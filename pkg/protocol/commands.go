package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"replistore/pkg/types"
)

// Join registers a storage node. Port is either a bare port, resolved against
// the connection's remote host, or a full host:port.
type Join struct {
	Port string
}

func (Join) Token() Token { return TokenJoin }
func (c Join) Args() []string { return []string{c.Port} }

// Store opens an upload, both client to controller and client to node.
type Store struct {
	Filename string
	Size     int64
}

func (Store) Token() Token { return TokenStore }
func (c Store) Args() []string {
	return []string{c.Filename, strconv.FormatInt(c.Size, 10)}
}

type StoreTo struct {
	Nodes []types.NodeID
}

func (StoreTo) Token() Token { return TokenStoreTo }
func (c StoreTo) Args() []string {
	args := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		args[i] = string(n)
	}
	return args
}

type Ack struct{}

func (Ack) Token() Token { return TokenAck }
func (Ack) Args() []string { return nil }

type StoreAck struct {
	Filename string
}

func (StoreAck) Token() Token { return TokenStoreAck }
func (c StoreAck) Args() []string { return []string{c.Filename} }

type StoreComplete struct{}

func (StoreComplete) Token() Token { return TokenStoreComplete }
func (StoreComplete) Args() []string { return nil }

type Load struct {
	Filename string
}

func (Load) Token() Token { return TokenLoad }
func (c Load) Args() []string { return []string{c.Filename} }

type Reload struct {
	Filename string
}

func (Reload) Token() Token { return TokenReload }
func (c Reload) Args() []string { return []string{c.Filename} }

type LoadFrom struct {
	Node types.NodeID
	Size int64
}

func (LoadFrom) Token() Token { return TokenLoadFrom }
func (c LoadFrom) Args() []string {
	return []string{string(c.Node), strconv.FormatInt(c.Size, 10)}
}

type LoadData struct {
	Filename string
}

func (LoadData) Token() Token { return TokenLoadData }
func (c LoadData) Args() []string { return []string{c.Filename} }

type Remove struct {
	Filename string
}

func (Remove) Token() Token { return TokenRemove }
func (c Remove) Args() []string { return []string{c.Filename} }

type RemoveAck struct {
	Filename string
}

func (RemoveAck) Token() Token { return TokenRemoveAck }
func (c RemoveAck) Args() []string { return []string{c.Filename} }

type RemoveComplete struct{}

func (RemoveComplete) Token() Token { return TokenRemoveComplete }
func (RemoveComplete) Args() []string { return nil }

// List is a request when Files is empty and sent by a client or the
// controller, and a file report otherwise.
type List struct {
	Files []string
}

func (List) Token() Token { return TokenList }
func (c List) Args() []string { return c.Files }

type RebalanceStore struct {
	Filename string
	Size     int64
}

func (RebalanceStore) Token() Token { return TokenRebalanceStore }
func (c RebalanceStore) Args() []string {
	return []string{c.Filename, strconv.FormatInt(c.Size, 10)}
}

type RebalanceComplete struct{}

func (RebalanceComplete) Token() Token { return TokenRebalanceComplete }
func (RebalanceComplete) Args() []string { return nil }

type ErrorFileAlreadyExists struct{}

func (ErrorFileAlreadyExists) Token() Token { return TokenErrFileAlreadyExists }
func (ErrorFileAlreadyExists) Args() []string { return nil }

// ErrorFileDoesNotExist carries the filename when a node reports it to the
// controller; towards clients it has no argument.
type ErrorFileDoesNotExist struct {
	Filename string
}

func (ErrorFileDoesNotExist) Token() Token { return TokenErrFileDoesNotExist }
func (c ErrorFileDoesNotExist) Args() []string {
	if c.Filename == "" {
		return nil
	}
	return []string{c.Filename}
}

type ErrorNotEnoughNodes struct{}

func (ErrorNotEnoughNodes) Token() Token { return TokenErrNotEnoughNodes }
func (ErrorNotEnoughNodes) Args() []string { return nil }

type ErrorLoad struct{}

func (ErrorLoad) Token() Token { return TokenErrLoad }
func (ErrorLoad) Args() []string { return nil }

func decodeJoin(args []string) (Command, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected port, got %d arguments", len(args))
	}
	if err := checkJoinAddress(args[0]); err != nil {
		return nil, err
	}
	return Join{Port: args[0]}, nil
}

// checkJoinAddress accepts a bare port or host:port with a non-empty host.
func checkJoinAddress(arg string) error {
	port := arg
	if strings.Contains(arg, ":") {
		host, p, err := net.SplitHostPort(arg)
		if err != nil {
			return fmt.Errorf("invalid node address %q", arg)
		}
		if host == "" {
			return fmt.Errorf("missing host in %q", arg)
		}
		port = p
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func decodeStore(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected filename and size, got %d arguments", len(args))
	}
	size, err := parseSize(args[1])
	if err != nil {
		return nil, err
	}
	return Store{Filename: args[0], Size: size}, nil
}

func decodeRebalanceStore(args []string) (Command, error) {
	cmd, err := decodeStore(args)
	if err != nil {
		return nil, err
	}
	s := cmd.(Store)
	return RebalanceStore{Filename: s.Filename, Size: s.Size}, nil
}

func decodeStoreTo(args []string) (Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one node")
	}
	nodes := make([]types.NodeID, len(args))
	for i, a := range args {
		nodes[i] = types.NodeID(a)
	}
	return StoreTo{Nodes: nodes}, nil
}

func decodeLoadFrom(args []string) (Command, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected node and size, got %d arguments", len(args))
	}
	size, err := parseSize(args[1])
	if err != nil {
		return nil, err
	}
	return LoadFrom{Node: types.NodeID(args[0]), Size: size}, nil
}

func decodeList(args []string) (Command, error) {
	if len(args) == 0 {
		return List{}, nil
	}
	files := make([]string, len(args))
	copy(files, args)
	return List{Files: files}, nil
}

func decodeErrFileDoesNotExist(args []string) (Command, error) {
	switch len(args) {
	case 0:
		return ErrorFileDoesNotExist{}, nil
	case 1:
		return ErrorFileDoesNotExist{Filename: args[0]}, nil
	default:
		return nil, fmt.Errorf("expected at most one filename, got %d arguments", len(args))
	}
}
