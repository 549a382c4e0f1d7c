// Package protocol defines the line-oriented control vocabulary spoken between
// clients, the controller and storage nodes.
//
// Every control message is a single line of ASCII tokens separated by spaces.
// The first token selects one of a closed set of command variants; the rest are
// its arguments. Raw file payloads never travel through this package: they are
// streamed on the connection right after the relevant control exchange.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type Token string

const (
	TokenJoin              Token = "JOIN"
	TokenStore             Token = "STORE"
	TokenStoreTo           Token = "STORE_TO"
	TokenAck               Token = "ACK"
	TokenStoreAck          Token = "STORE_ACK"
	TokenStoreComplete     Token = "STORE_COMPLETE"
	TokenLoad              Token = "LOAD"
	TokenReload            Token = "RELOAD"
	TokenLoadFrom          Token = "LOAD_FROM"
	TokenLoadData          Token = "LOAD_DATA"
	TokenRemove            Token = "REMOVE"
	TokenRemoveAck         Token = "REMOVE_ACK"
	TokenRemoveComplete    Token = "REMOVE_COMPLETE"
	TokenList              Token = "LIST"
	TokenRebalance         Token = "REBALANCE"
	TokenRebalanceStore    Token = "REBALANCE_STORE"
	TokenRebalanceComplete Token = "REBALANCE_COMPLETE"

	TokenErrFileAlreadyExists Token = "ERROR_FILE_ALREADY_EXISTS"
	TokenErrFileDoesNotExist  Token = "ERROR_FILE_DOES_NOT_EXIST"
	TokenErrNotEnoughNodes    Token = "ERROR_NOT_ENOUGH_DSTORES"
	TokenErrLoad              Token = "ERROR_LOAD"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed message")

// Command is one decoded control message.
type Command interface {
	Token() Token
	Args() []string
}

type decoder func(args []string) (Command, error)

var decoders = map[Token]decoder{
	TokenJoin:              decodeJoin,
	TokenStore:             decodeStore,
	TokenStoreTo:           decodeStoreTo,
	TokenAck:               noArgs(Ack{}),
	TokenStoreAck:          filenameArg(func(f string) Command { return StoreAck{Filename: f} }),
	TokenStoreComplete:     noArgs(StoreComplete{}),
	TokenLoad:              filenameArg(func(f string) Command { return Load{Filename: f} }),
	TokenReload:            filenameArg(func(f string) Command { return Reload{Filename: f} }),
	TokenLoadFrom:          decodeLoadFrom,
	TokenLoadData:          filenameArg(func(f string) Command { return LoadData{Filename: f} }),
	TokenRemove:            filenameArg(func(f string) Command { return Remove{Filename: f} }),
	TokenRemoveAck:         filenameArg(func(f string) Command { return RemoveAck{Filename: f} }),
	TokenRemoveComplete:    noArgs(RemoveComplete{}),
	TokenList:              decodeList,
	TokenRebalance:         decodeRebalance,
	TokenRebalanceStore:    decodeRebalanceStore,
	TokenRebalanceComplete: noArgs(RebalanceComplete{}),

	TokenErrFileAlreadyExists: noArgs(ErrorFileAlreadyExists{}),
	TokenErrFileDoesNotExist:  decodeErrFileDoesNotExist,
	TokenErrNotEnoughNodes:    noArgs(ErrorNotEnoughNodes{}),
	TokenErrLoad:              noArgs(ErrorLoad{}),
}

// Tokenize splits a control line into its tokens, ignoring the line terminator
// and any run of separating whitespace.
func Tokenize(line string) []string {
	return strings.Fields(line)
}

// Decode parses a single control line.
func Decode(line string) (Command, error) {
	fields := Tokenize(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	decode, ok := decoders[Token(fields[0])]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %q", ErrMalformed, fields[0])
	}

	cmd, err := decode(fields[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, fields[0], err)
	}
	return cmd, nil
}

// Encode renders a command as a control line without the trailing newline.
func Encode(cmd Command) string {
	args := cmd.Args()
	if len(args) == 0 {
		return string(cmd.Token())
	}
	return string(cmd.Token()) + " " + strings.Join(args, " ")
}

// ValidateFilename rejects names that cannot be carried as a single token.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty filename")
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("filename %q contains whitespace or control characters", name)
		}
	}
	return nil
}

func noArgs(cmd Command) decoder {
	return func(args []string) (Command, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("expected no arguments, got %d", len(args))
		}
		return cmd, nil
	}
}

func filenameArg(build func(string) Command) decoder {
	return func(args []string) (Command, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected filename, got %d arguments", len(args))
		}
		return build(args[0]), nil
	}
}

func parseSize(s string) (int64, error) {
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return n, nil
}
