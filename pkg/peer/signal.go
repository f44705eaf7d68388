package peer

import (
	"context"

	"messaging-sendonly/pkg/signal"
)

type Signal interface {
	// Dial() establishes the signaling connection; Listen() then blocks reading
	// server messages and dispatching them to the On*() handlers until the
	// connection fails or ctx is done.
	//
	// The close handler reports a failed connection only. A connection closed
	// through Close() must not be reported, since the peer closes it on purpose
	// after signaling has switched to data channels.
	Dial(ctx context.Context) error
	Listen(ctx context.Context)
	Close() error

	SendConnect(*signal.Connect) error
	SendAnswer(sdp string) error
	SendReAnswer(sdp string) error
	SendCandidate(candidate string) error
	SendPong(stats any) error
	SendDisconnect(reason string) error

	OnOffer(func(*signal.Offer))
	OnReOffer(func(*signal.ReOffer))
	OnSwitched(func(*signal.Switched))
	OnPing(func(*signal.Ping))
	OnNotify(func(*signal.Notify))
	OnPush(func(*signal.Push))
	OnClose(func(error))
}
