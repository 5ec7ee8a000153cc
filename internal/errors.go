package internal

import "errors"

var (
	ErrTimeout     = errors.New("operation timed out")
	ErrClosed      = errors.New("poller closed")
	ErrUnsupported = errors.New("multiplexer not supported on this platform")
)
