package signal

import (
	"github.com/pkg/errors"
)

// ErrNotConnected is returned by the Send* methods before Dial() succeeded or
// after Close().
var ErrNotConnected = errors.New("signaling connection is not established")

// ErrUnknownMessage is the error logged for a message whose type this client
// does not handle. Such messages never terminate the signaling session.
var ErrUnknownMessage = errors.New("unknown signaling message")

// ErrClosed is returned by Dial() once Close() has been called.
var ErrClosed = errors.New("signaling connection is closed")
