package peer

import (
	"github.com/pkg/errors"
)

var (
	ErrAlreadyConnected     = errors.New("connect has already been called")
	ErrDisconnected         = errors.New("peer is disconnected")
	ErrDataChannelNotFound  = errors.New("data channel not found")
	ErrDataChannelDirection = errors.New("data channel is receive-only")
)

// ErrorCode tells the disconnect handler why the session ended. The message
// passed alongside it is free text from this package or from the server.
type ErrorCode int

const (
	CloseSucceeded ErrorCode = iota
	CloseFailed
	InternalError
	InvalidParameter
	WebSocketHandshakeFailed
	WebSocketOnClose
	WebSocketOnError
	PeerConnectionStateFailed
	ICEFailed
)

func (c ErrorCode) String() string {
	switch c {
	case CloseSucceeded:
		return "CLOSE_SUCCEEDED"
	case CloseFailed:
		return "CLOSE_FAILED"
	case InternalError:
		return "INTERNAL_ERROR"
	case InvalidParameter:
		return "INVALID_PARAMETER"
	case WebSocketHandshakeFailed:
		return "WEBSOCKET_HANDSHAKE_FAILED"
	case WebSocketOnClose:
		return "WEBSOCKET_ONCLOSE"
	case WebSocketOnError:
		return "WEBSOCKET_ONERROR"
	case PeerConnectionStateFailed:
		return "PEER_CONNECTION_STATE_FAILED"
	case ICEFailed:
		return "ICE_FAILED"
	default:
		return "UNKNOWN"
	}
}
