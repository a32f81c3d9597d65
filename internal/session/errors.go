package session

import "errors"

var ErrUnknownCommand = errors.New("unknown session command")
