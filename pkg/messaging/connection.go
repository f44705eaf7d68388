package messaging

import (
	"context"

	"messaging-sendonly/pkg/peer"
)

// Connection is the session Sendonly drives. Both handlers may be called from
// any goroutine, concurrently with Sendonly's own methods.
type Connection interface {
	Connect(ctx context.Context) error
	SendDataChannel(label string, data []byte) error
	Disconnect() error

	OnDataChannel(func(label string))
	OnDisconnect(func(code peer.ErrorCode, message string))
}
