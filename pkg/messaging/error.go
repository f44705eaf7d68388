package messaging

import (
	"github.com/pkg/errors"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client is closed")
	ErrAlreadySent  = errors.New("message has already been sent")

	// ErrDisconnected is returned by Send() when the session ended before the
	// data channel became ready. Nothing is sent in that case.
	ErrDisconnected = errors.New("disconnected before the data channel was ready")
)
