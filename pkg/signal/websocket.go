package signal

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"messaging-sendonly/pkg/log"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

const closeWriteTimeout = time.Second

// WebSocket implements the WebSocket half of Sora signaling: it sends
// "connect", relays the server's offer, re-offers, pings and notifications to
// the registered handlers, and carries answers and ICE candidates back to the
// server (see: Listen()).
//
// A "redirect" message is handled internally: the connection is re-dialed to
// the given location and the last "connect" message is replayed there.
//
// Once the server reports "switched", signaling continues over the data
// channels owned by the peer; this connection may then be closed by the peer
// without it being reported as a failure (see: Close()).
type WebSocket struct {
	cfg WebSocketConfig

	conn        *websocket.Conn
	lastConnect *Connect
	connMx      sync.Mutex

	closed *abool.AtomicBool

	offerHandler    func(*Offer)
	reOfferHandler  func(*ReOffer)
	switchedHandler func(*Switched)
	pingHandler     func(*Ping)
	notifyHandler   func(*Notify)
	pushHandler     func(*Push)
	closeHandler    func(error)
}

type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
}

func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}

	return &WebSocket{
		cfg:             cfg,
		closed:          abool.New(),
		offerHandler:    func(*Offer) {},
		reOfferHandler:  func(*ReOffer) {},
		switchedHandler: func(*Switched) {},
		pingHandler:     func(*Ping) {},
		notifyHandler:   func(*Notify) {},
		pushHandler:     func(*Push) {},
		closeHandler:    func(error) {},
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "signaling url")
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("signaling url: unsupported scheme %q", u.Scheme)
	}

	return nil
}

func (s *WebSocket) OnOffer(h func(*Offer)) {
	s.offerHandler = h
}

func (s *WebSocket) OnReOffer(h func(*ReOffer)) {
	s.reOfferHandler = h
}

func (s *WebSocket) OnSwitched(h func(*Switched)) {
	s.switchedHandler = h
}

func (s *WebSocket) OnPing(h func(*Ping)) {
	s.pingHandler = h
}

func (s *WebSocket) OnNotify(h func(*Notify)) {
	s.notifyHandler = h
}

func (s *WebSocket) OnPush(h func(*Push)) {
	s.pushHandler = h
}

// OnClose registers the handler called once when the connection fails. It is
// not called after Close().
func (s *WebSocket) OnClose(h func(error)) {
	s.closeHandler = h
}

func (s *WebSocket) Dial(ctx context.Context) error {
	conn, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}

	_, err = s.install(conn)

	return err
}

// install makes conn the current connection and returns the previous one. A
// connection dialed after Close() is closed instead of installed.
func (s *WebSocket) install(conn *websocket.Conn) (*websocket.Conn, error) {
	s.connMx.Lock()
	defer s.connMx.Unlock()

	if s.closed.IsSet() {
		conn.Close()

		return nil, ErrClosed
	}

	old := s.conn
	s.conn = conn

	return old, nil
}

func (s *WebSocket) dial(ctx context.Context, location string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, location, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", location)
	}

	log.Debugf("signaling connected: %s", location)

	return conn, nil
}

func (s *WebSocket) SendConnect(msg *Connect) error {
	msg.Type = TypeConnect

	s.connMx.Lock()
	s.lastConnect = msg
	s.connMx.Unlock()

	return s.send(msg)
}

func (s *WebSocket) SendAnswer(sdp string) error {
	return s.send(&Answer{Type: TypeAnswer, SDP: sdp})
}

func (s *WebSocket) SendReAnswer(sdp string) error {
	return s.send(&Answer{Type: TypeReAnswer, SDP: sdp})
}

func (s *WebSocket) SendCandidate(candidate string) error {
	return s.send(&Candidate{Type: TypeCandidate, Candidate: candidate})
}

func (s *WebSocket) SendPong(stats any) error {
	return s.send(&Pong{Type: TypePong, Stats: stats})
}

func (s *WebSocket) SendDisconnect(reason string) error {
	return s.send(&Disconnect{Type: TypeDisconnect, Reason: reason})
}

func (s *WebSocket) send(msg any) error {
	s.connMx.Lock()
	defer s.connMx.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}

	return errors.Wrap(s.conn.WriteJSON(msg), "signaling write")
}

// Listen reads messages until the connection fails, Close() is called or ctx
// is done.
func (s *WebSocket) Listen(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Close(); err != nil {
				log.Error(err)
			}
		case <-done:
		}
	}()

	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.fail(errors.Wrap(err, "signaling read"))

			return
		}

		typ, err := ParseType(payload)
		if err != nil {
			log.Error(errors.Wrap(err, "signaling message"))

			continue
		}

		if typ == TypeRedirect {
			if err := s.redirect(ctx, payload); err != nil {
				s.fail(err)

				return
			}

			continue
		}

		if err := s.dispatch(typ, payload); err != nil {
			log.Error(err)
		}
	}
}

func (s *WebSocket) currentConn() *websocket.Conn {
	s.connMx.Lock()
	defer s.connMx.Unlock()

	return s.conn
}

func (s *WebSocket) fail(err error) {
	if s.closed.IsSet() {
		return
	}

	s.closeHandler(err)
}

func (s *WebSocket) dispatch(typ string, payload []byte) error {
	switch typ {
	case TypeOffer:
		var msg Offer
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.offerHandler(&msg)
	case TypeReOffer:
		var msg ReOffer
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.reOfferHandler(&msg)
	case TypeSwitched:
		var msg Switched
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.switchedHandler(&msg)
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.pingHandler(&msg)
	case TypeNotify:
		var msg Notify
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.notifyHandler(&msg)
	case TypePush:
		var msg Push
		if err := json.Unmarshal(payload, &msg); err != nil {
			return errors.Wrap(err, typ)
		}

		s.pushHandler(&msg)
	default:
		return errors.Wrap(ErrUnknownMessage, typ)
	}

	return nil
}

func (s *WebSocket) redirect(ctx context.Context, payload []byte) error {
	var msg Redirect

	if err := json.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(err, TypeRedirect)
	}

	if err := validateURL(msg.Location); err != nil {
		return errors.Wrap(err, TypeRedirect)
	}

	log.Infof("signaling redirected to %s", msg.Location)

	conn, err := s.dial(ctx, msg.Location)
	if err != nil {
		return errors.Wrap(err, TypeRedirect)
	}

	old, err := s.install(conn)
	if err != nil {
		return errors.Wrap(err, TypeRedirect)
	}

	if old != nil {
		old.Close()
	}

	s.connMx.Lock()
	connect := s.lastConnect
	s.connMx.Unlock()

	if connect == nil {
		return nil
	}

	return errors.Wrap(s.send(connect), TypeRedirect)
}

// Close closes the connection without calling the close handler. It is safe
// to call more than once. No connection can be dialed afterwards.
func (s *WebSocket) Close() error {
	s.connMx.Lock()
	defer s.connMx.Unlock()

	s.closed.Set()

	if s.conn == nil {
		return nil
	}

	conn := s.conn
	s.conn = nil

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))

	return errors.Wrap(conn.Close(), "signaling close")
}
