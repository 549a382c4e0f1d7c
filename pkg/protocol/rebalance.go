package protocol

import (
	"fmt"
	"strconv"

	"replistore/pkg/types"
)

// Move names a file the receiving node must push and the nodes it goes to.
type Move struct {
	File         string
	Destinations []types.NodeID
}

// Rebalance is one node's share of a rebalance plan. On the wire:
//
//	REBALANCE <nmoves> {<file> <ndest> <dest>...}... <nremoves> <file>...
type Rebalance struct {
	Moves   []Move
	Removes []string
}

func (Rebalance) Token() Token { return TokenRebalance }

func (c Rebalance) Args() []string {
	args := []string{strconv.Itoa(len(c.Moves))}
	for _, m := range c.Moves {
		args = append(args, m.File, strconv.Itoa(len(m.Destinations)))
		for _, d := range m.Destinations {
			args = append(args, string(d))
		}
	}
	args = append(args, strconv.Itoa(len(c.Removes)))
	return append(args, c.Removes...)
}

// Empty reports whether the instruction asks the node to do nothing.
func (c Rebalance) Empty() bool {
	return len(c.Moves) == 0 && len(c.Removes) == 0
}

func decodeRebalance(args []string) (Command, error) {
	pos := 0
	next := func(what string) (string, error) {
		if pos >= len(args) {
			return "", fmt.Errorf("truncated plan: missing %s", what)
		}
		v := args[pos]
		pos++
		return v, nil
	}

	raw, err := next("move count")
	if err != nil {
		return nil, err
	}
	moveCount, err := parseCount(raw)
	if err != nil {
		return nil, err
	}

	var cmd Rebalance
	for i := 0; i < moveCount; i++ {
		file, err := next("move filename")
		if err != nil {
			return nil, err
		}
		raw, err := next("destination count")
		if err != nil {
			return nil, err
		}
		destCount, err := parseCount(raw)
		if err != nil {
			return nil, err
		}
		move := Move{File: file, Destinations: make([]types.NodeID, 0, destCount)}
		for j := 0; j < destCount; j++ {
			dest, err := next("destination")
			if err != nil {
				return nil, err
			}
			move.Destinations = append(move.Destinations, types.NodeID(dest))
		}
		cmd.Moves = append(cmd.Moves, move)
	}

	raw, err = next("remove count")
	if err != nil {
		return nil, err
	}
	removeCount, err := parseCount(raw)
	if err != nil {
		return nil, err
	}
	if removeCount != len(args)-pos {
		return nil, fmt.Errorf("remove count %d does not match %d trailing filenames", removeCount, len(args)-pos)
	}
	if removeCount > 0 {
		cmd.Removes = append([]string(nil), args[pos:]...)
	}
	return cmd, nil
}
