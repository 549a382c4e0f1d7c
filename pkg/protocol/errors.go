package protocol

import (
	"errors"

	"replistore/pkg/types"
)

// ErrorCommand maps a domain error to the token a client is sent. The second
// result is false for errors that have no wire representation.
func ErrorCommand(err error) (Command, bool) {
	switch {
	case errors.Is(err, types.ErrFileAlreadyExists):
		return ErrorFileAlreadyExists{}, true
	case errors.Is(err, types.ErrFileNotFound):
		return ErrorFileDoesNotExist{}, true
	case errors.Is(err, types.ErrNotEnoughNodes):
		return ErrorNotEnoughNodes{}, true
	case errors.Is(err, types.ErrLoadFailed):
		return ErrorLoad{}, true
	}
	return nil, false
}

// ErrorFromCommand is the inverse of ErrorCommand; it returns nil for commands
// that are not error tokens.
func ErrorFromCommand(cmd Command) error {
	switch cmd.(type) {
	case ErrorFileAlreadyExists:
		return types.ErrFileAlreadyExists
	case ErrorFileDoesNotExist:
		return types.ErrFileNotFound
	case ErrorNotEnoughNodes:
		return types.ErrNotEnoughNodes
	case ErrorLoad:
		return types.ErrLoadFailed
	}
	return nil
}
