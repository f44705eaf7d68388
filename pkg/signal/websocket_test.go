package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *WebSocket {
	t.Helper()

	s, err := NewWebSocket(WebSocketConfig{URL: url, HandshakeTimeout: testTimeout})
	require.NoError(t, err)

	return s
}

func readConnect(t *testing.T, conn *websocket.Conn) *Connect {
	var msg Connect
	if err := conn.ReadJSON(&msg); err != nil {
		t.Error(err)
		return nil
	}
	return &msg
}

func TestNewWebSocketRejectsScheme(t *testing.T) {
	_, err := NewWebSocket(WebSocketConfig{URL: "http://localhost:5000/signaling"})
	assert.Error(t, err)

	_, err = NewWebSocket(WebSocketConfig{URL: "wss://sora.example.com/signaling"})
	assert.NoError(t, err)
}

func TestSendBeforeDial(t *testing.T) {
	s := newClient(t, "ws://localhost:1/signaling")

	assert.ErrorIs(t, s.SendAnswer("v=0"), ErrNotConnected)
}

func TestConnectOfferAnswer(t *testing.T) {
	connected := make(chan *Connect, 1)
	answered := make(chan *Answer, 1)

	url := newServer(t, func(conn *websocket.Conn) {
		connected <- readConnect(t, conn)

		err := conn.WriteJSON(&Offer{
			Type:         TypeOffer,
			SDP:          "offer-sdp",
			ConnectionID: "conn-1",
			Config: &OfferConfig{
				ICEServers: []ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}},
			},
			DataChannels: []DataChannel{{Label: "#foo", Direction: DirectionSendonly}},
		})
		if err != nil {
			t.Error(err)
			return
		}

		var answer Answer
		if err := conn.ReadJSON(&answer); err != nil {
			t.Error(err)
			return
		}
		answered <- &answer
	})

	s := newClient(t, url)
	offers := make(chan *Offer, 1)
	s.OnOffer(func(offer *Offer) {
		offers <- offer
		assert.NoError(t, s.SendAnswer("answer-sdp"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.Dial(ctx))
	defer s.Close()

	signaling := true
	require.NoError(t, s.SendConnect(&Connect{
		Role:                 RoleSendrecv,
		ChannelID:            "sora",
		Metadata:             map[string]any{"k": "v"},
		DataChannelSignaling: &signaling,
		DataChannels:         []DataChannel{{Label: "#foo", Direction: DirectionSendonly}},
	}))

	go s.Listen(ctx)

	connect := <-connected
	require.NotNil(t, connect)
	assert.Equal(t, TypeConnect, connect.Type)
	assert.Equal(t, RoleSendrecv, connect.Role)
	assert.Equal(t, "sora", connect.ChannelID)
	assert.Empty(t, connect.ClientID)
	assert.Equal(t, map[string]any{"k": "v"}, connect.Metadata)
	assert.False(t, connect.Audio)
	assert.False(t, connect.Video)
	require.NotNil(t, connect.DataChannelSignaling)
	assert.True(t, *connect.DataChannelSignaling)
	assert.Equal(t, []DataChannel{{Label: "#foo", Direction: DirectionSendonly}}, connect.DataChannels)

	offer := <-offers
	assert.Equal(t, "offer-sdp", offer.SDP)
	assert.Equal(t, "conn-1", offer.ConnectionID)
	require.NotNil(t, offer.Config)
	assert.Equal(t, "u", offer.Config.ICEServers[0].Username)

	answer := <-answered
	assert.Equal(t, TypeAnswer, answer.Type)
	assert.Equal(t, "answer-sdp", answer.SDP)
}

func TestPingPong(t *testing.T) {
	pongs := make(chan *Pong, 1)

	url := newServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteJSON(&Ping{Type: TypePing, Stats: true}); err != nil {
			t.Error(err)
			return
		}

		var pong Pong
		if err := conn.ReadJSON(&pong); err != nil {
			t.Error(err)
			return
		}
		pongs <- &pong
	})

	s := newClient(t, url)
	s.OnPing(func(ping *Ping) {
		assert.True(t, ping.Stats)
		assert.NoError(t, s.SendPong([]string{"report"}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.Dial(ctx))
	defer s.Close()
	go s.Listen(ctx)

	pong := <-pongs
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, []any{"report"}, pong.Stats)
}

func TestRedirectReplaysConnect(t *testing.T) {
	replayed := make(chan *Connect, 1)

	target := newServer(t, func(conn *websocket.Conn) {
		replayed <- readConnect(t, conn)

		if err := conn.WriteJSON(&Offer{Type: TypeOffer, SDP: "redirected"}); err != nil {
			t.Error(err)
			return
		}
		// keep the connection open until the client goes away
		_, _, _ = conn.ReadMessage()
	})

	origin := newServer(t, func(conn *websocket.Conn) {
		readConnect(t, conn)

		if err := conn.WriteJSON(&Redirect{Type: TypeRedirect, Location: target}); err != nil {
			t.Error(err)
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	s := newClient(t, origin)
	offers := make(chan *Offer, 1)
	s.OnOffer(func(offer *Offer) {
		offers <- offer
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.Dial(ctx))
	defer s.Close()
	require.NoError(t, s.SendConnect(&Connect{Role: RoleSendrecv, ChannelID: "sora"}))
	go s.Listen(ctx)

	connect := <-replayed
	require.NotNil(t, connect)
	assert.Equal(t, "sora", connect.ChannelID)
	assert.Equal(t, "redirected", (<-offers).SDP)
}

func TestCloseHandlerOnServerClose(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		readConnect(t, conn)
	})

	s := newClient(t, url)
	closed := make(chan error, 1)
	s.OnClose(func(err error) {
		closed <- err
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.Dial(ctx))
	require.NoError(t, s.SendConnect(&Connect{Role: RoleSendrecv, ChannelID: "sora"}))
	s.Listen(ctx)

	select {
	case err := <-closed:
		assert.Error(t, err)
	default:
		t.Fatal("close handler was not called")
	}
}

func TestCloseSuppressesHandler(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	s := newClient(t, url)
	s.OnClose(func(err error) {
		t.Errorf("unexpected close handler call: %v", err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, s.Dial(ctx))

	listening := make(chan struct{})
	go func() {
		defer close(listening)
		s.Listen(ctx)
	}()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	<-listening

	assert.ErrorIs(t, s.SendDisconnect(DisconnectReasonNoError), ErrNotConnected)
}

func TestDialAfterClose(t *testing.T) {
	dropped := make(chan struct{})

	url := newServer(t, func(conn *websocket.Conn) {
		defer close(dropped)
		_, _, _ = conn.ReadMessage()
	})

	s := newClient(t, url)
	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	assert.ErrorIs(t, s.Dial(ctx), ErrClosed)
	assert.ErrorIs(t, s.SendConnect(&Connect{Role: RoleSendrecv, ChannelID: "sora"}), ErrNotConnected)

	select {
	case <-dropped:
	case <-time.After(testTimeout):
		t.Fatal("connection dialed after Close was kept open")
	}
}

func TestListenStopsOnContext(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	s := newClient(t, url)
	s.OnClose(func(err error) {
		t.Errorf("unexpected close handler call: %v", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Dial(ctx))

	listening := make(chan struct{})
	go func() {
		defer close(listening)
		s.Listen(ctx)
	}()

	cancel()

	select {
	case <-listening:
	case <-time.After(testTimeout):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType([]byte(`{"type":"notify","event_type":"connection.created"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeNotify, typ)

	_, err = ParseType([]byte(`{`))
	assert.Error(t, err)
}
