package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"messaging-sendonly/pkg/log"
	"messaging-sendonly/pkg/signal"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

const (
	soraClient = "messaging-sendonly"

	flushTimeout = time.Second

	closeCodeNormal = 1000
)

type WebRTC struct {
	cfg    WebRTCConfig
	signal Signal
	api    *webrtc.API

	conn   *webrtc.PeerConnection
	cancel context.CancelFunc
	connMx sync.Mutex

	channels   map[string]*dataChannel
	specs      map[string]signal.DataChannel
	channelsMx sync.RWMutex

	connecting   *abool.AtomicBool
	switched     *abool.AtomicBool
	disconnected *abool.AtomicBool

	dataChannelHandler func(label string)
	disconnectHandler  func(code ErrorCode, message string)
	messageHandler     func(label string, data []byte)
	handlersMx         sync.Mutex
}

type WebRTCConfig struct {
	Role      string
	ChannelID string
	ClientID  string
	Metadata  any

	Audio bool
	Video bool

	DataChannels              []signal.DataChannel
	DataChannelSignaling      bool
	IgnoreDisconnectWebSocket bool

	// STUN servers are used only when the offer carries no ICE servers.
	STUN []string
}

func NewWebRTC(cfg WebRTCConfig, sig Signal) (*WebRTC, error) {
	if len(cfg.ChannelID) == 0 {
		return nil, errors.New("channel id is empty")
	}

	if len(cfg.Role) == 0 {
		cfg.Role = signal.RoleSendrecv
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: log.PionFactory{},
	}

	settings.DetachDataChannels()
	settings.SetICETimeouts(5*time.Second, 25*time.Second, 2*time.Second)

	p := &WebRTC{
		cfg:                cfg,
		signal:             sig,
		api:                webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		channels:           make(map[string]*dataChannel),
		specs:              make(map[string]signal.DataChannel),
		connecting:         abool.New(),
		switched:           abool.New(),
		disconnected:       abool.New(),
		dataChannelHandler: func(string) {},
		disconnectHandler:  func(ErrorCode, string) {},
		messageHandler:     func(string, []byte) {},
	}

	for _, spec := range cfg.DataChannels {
		p.specs[spec.Label] = spec
	}

	p.signal.OnOffer(p.onSignalOffer)
	p.signal.OnReOffer(p.onSignalReOffer)
	p.signal.OnSwitched(p.onSignalSwitched)
	p.signal.OnPing(p.onSignalPing)
	p.signal.OnNotify(p.onSignalNotify)
	p.signal.OnPush(p.onSignalPush)
	p.signal.OnClose(p.onSignalClose)

	return p, nil
}

// OnDataChannel registers the handler called once a messaging data channel
// (label starting with "#") is open and can be written to.
func (p *WebRTC) OnDataChannel(h func(label string)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.dataChannelHandler = h
}

// OnDisconnect registers the handler called exactly once when the session
// ends, whatever the reason.
func (p *WebRTC) OnDisconnect(h func(code ErrorCode, message string)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.disconnectHandler = h
}

func (p *WebRTC) OnMessage(h func(label string, data []byte)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.messageHandler = h
}

// Connect starts negotiation in the background and returns immediately.
// Failures are reported through the disconnect handler.
func (p *WebRTC) Connect(ctx context.Context) error {
	if !p.connecting.SetToIf(false, true) {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)

	p.connMx.Lock()
	p.cancel = cancel
	p.connMx.Unlock()

	go p.run(ctx)

	return nil
}

func (p *WebRTC) run(ctx context.Context) {
	if err := p.signal.Dial(ctx); err != nil {
		p.terminate(WebSocketHandshakeFailed, err.Error())

		return
	}

	if err := p.signal.SendConnect(p.connectMessage()); err != nil {
		p.terminate(WebSocketOnError, err.Error())

		return
	}

	p.signal.Listen(ctx)
}

func (p *WebRTC) connectMessage() *signal.Connect {
	msg := &signal.Connect{
		Role:         p.cfg.Role,
		ChannelID:    p.cfg.ChannelID,
		ClientID:     p.cfg.ClientID,
		Metadata:     p.cfg.Metadata,
		Audio:        p.cfg.Audio,
		Video:        p.cfg.Video,
		DataChannels: p.cfg.DataChannels,
		SoraClient:   soraClient,
		Environment:  fmt.Sprintf("Go %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}

	if p.cfg.DataChannelSignaling {
		msg.DataChannelSignaling = &p.cfg.DataChannelSignaling
	}

	if p.cfg.IgnoreDisconnectWebSocket {
		msg.IgnoreDisconnectWebSocket = &p.cfg.IgnoreDisconnectWebSocket
	}

	return msg
}

func (p *WebRTC) SendDataChannel(label string, data []byte) error {
	if p.disconnected.IsSet() {
		return ErrDisconnected
	}

	ch := p.channel(label)
	if ch == nil {
		return errors.Wrap(ErrDataChannelNotFound, label)
	}

	if ch.spec.Direction == signal.DirectionRecvonly {
		return errors.Wrap(ErrDataChannelDirection, label)
	}

	return errors.Wrap(ch.write(data, false), label)
}

// Disconnect tells the server the session is over, waits for pending data
// channel writes to be acknowledged and tears the session down. The
// disconnect handler is called before Disconnect returns unless the session
// has already ended.
func (p *WebRTC) Disconnect() error {
	if p.disconnected.IsSet() {
		return nil
	}

	var (
		err     error
		message string
	)

	if p.switched.IsSet() {
		err = p.sendSignaling(&signal.Disconnect{Type: signal.TypeDisconnect, Reason: signal.DisconnectReasonNoError})
		message = "Succeeded to close DataChannel"
	} else {
		err = p.signal.SendDisconnect(signal.DisconnectReasonNoError)
		message = "Succeeded to close WebSocket"
	}

	p.flushChannels()

	if err != nil {
		p.terminate(CloseFailed, err.Error())

		return errors.Wrap(err, "disconnect")
	}

	p.terminate(CloseSucceeded, message)

	return nil
}

// terminate releases every resource of the session and calls the disconnect
// handler. Only the first call has any effect.
func (p *WebRTC) terminate(code ErrorCode, message string) {
	if !p.disconnected.SetToIf(false, true) {
		return
	}

	p.channelsMx.Lock()
	for _, ch := range p.channels {
		if err := ch.close(); err != nil {
			log.Debugf("close data channel %s: %v", ch.label, err)
		}
	}
	p.channelsMx.Unlock()

	p.connMx.Lock()
	conn := p.conn
	cancel := p.cancel
	p.connMx.Unlock()

	// Cancel first so that no dial still in flight outlives the session.
	if cancel != nil {
		cancel()
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Error(err)
		}
	}

	if err := p.signal.Close(); err != nil {
		log.Error(err)
	}

	p.handlersMx.Lock()
	h := p.disconnectHandler
	p.handlersMx.Unlock()

	h(code, message)
}

func (p *WebRTC) onSignalOffer(offer *signal.Offer) {
	log.Debugf("offer received, connection id: %s", offer.ConnectionID)

	if len(offer.SDP) == 0 {
		p.terminate(InvalidParameter, "offer without sdp")

		return
	}

	if err := p.answerOffer(offer); err != nil {
		p.terminate(InternalError, err.Error())
	}
}

func (p *WebRTC) answerOffer(offer *signal.Offer) error {
	p.channelsMx.Lock()
	for _, spec := range offer.DataChannels {
		p.specs[spec.Label] = spec
	}
	p.channelsMx.Unlock()

	conn, err := p.newPeerConnection(offer.Config)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	err = conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	})
	if err != nil {
		return errors.Wrap(err, "set offer")
	}

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}

	// The answer must reach the server before any candidate, which are only
	// gathered after SetLocalDescription().
	if err := p.signal.SendAnswer(answer.SDP); err != nil {
		return err
	}

	return errors.Wrap(conn.SetLocalDescription(answer), "set answer")
}

func (p *WebRTC) newPeerConnection(cfg *signal.OfferConfig) (*webrtc.PeerConnection, error) {
	p.connMx.Lock()
	defer p.connMx.Unlock()

	if p.conn != nil {
		return nil, errors.New("offer received twice")
	}

	if p.disconnected.IsSet() {
		return nil, ErrDisconnected
	}

	conn, err := p.api.NewPeerConnection(p.configuration(cfg))
	if err != nil {
		return nil, err
	}

	conn.OnICECandidate(p.onConnICECandidate)
	conn.OnConnectionStateChange(p.onConnStateChange)
	conn.OnICEConnectionStateChange(p.onICEStateChange)
	conn.OnDataChannel(p.onConnDataChannel)

	p.conn = conn

	return conn, nil
}

func (p *WebRTC) configuration(cfg *signal.OfferConfig) webrtc.Configuration {
	c := webrtc.Configuration{}

	if cfg != nil {
		for _, server := range cfg.ICEServers {
			c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
				URLs:       server.URLs,
				Username:   server.Username,
				Credential: server.Credential,
			})
		}

		if len(cfg.ICETransportPolicy) != 0 {
			c.ICETransportPolicy = webrtc.NewICETransportPolicy(cfg.ICETransportPolicy)
		}
	}

	if len(c.ICEServers) == 0 {
		for _, stun := range p.cfg.STUN {
			c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
				URLs: []string{"stun:" + stun},
			})
		}
	}

	return c
}

func (p *WebRTC) peerConnection() *webrtc.PeerConnection {
	p.connMx.Lock()
	defer p.connMx.Unlock()

	return p.conn
}

func (p *WebRTC) onSignalReOffer(msg *signal.ReOffer) {
	sdp, err := p.reAnswer(msg.SDP)
	if err != nil {
		log.Error(err)

		return
	}

	if err := p.signal.SendReAnswer(sdp); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) reAnswer(sdp string) (string, error) {
	conn := p.peerConnection()
	if conn == nil {
		return "", errors.New("re-offer before offer")
	}

	err := conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", errors.Wrap(err, "set re-offer")
	}

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "create re-answer")
	}

	if err := conn.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "set re-answer")
	}

	return answer.SDP, nil
}

func (p *WebRTC) onSignalSwitched(msg *signal.Switched) {
	p.switched.Set()

	log.Debug("signaling switched to data channel")

	if !p.cfg.IgnoreDisconnectWebSocket && !msg.IgnoreDisconnectWebSocket {
		return
	}

	if err := p.signal.Close(); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) onSignalPing(msg *signal.Ping) {
	var stats any

	if msg.Stats {
		stats = p.statsReports()
	}

	if err := p.signal.SendPong(stats); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) onSignalNotify(msg *signal.Notify) {
	log.Debugf("notify: %s", msg.EventType)
}

func (p *WebRTC) onSignalPush(msg *signal.Push) {
	log.Infof("push: %s", msg.Data)
}

func (p *WebRTC) onSignalClose(err error) {
	p.terminate(WebSocketOnClose, err.Error())
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || p.switched.IsSet() {
		return
	}

	if err := p.signal.SendCandidate(candidate.ToJSON().Candidate); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Debug("connection state changed: ", state)

	if state == webrtc.PeerConnectionStateFailed {
		p.terminate(PeerConnectionStateFailed, "PeerConnectionState failed")
	}
}

func (p *WebRTC) onICEStateChange(state webrtc.ICEConnectionState) {
	log.Debug("ice connection state changed: ", state)

	if state == webrtc.ICEConnectionStateFailed {
		p.terminate(ICEFailed, "ICEConnectionState failed")
	}
}

func (p *WebRTC) onConnDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		rwc, err := dc.Detach()
		if err != nil {
			log.Error(errors.Wrap(err, dc.Label()))

			return
		}

		ch := p.registerDataChannel(dc, rwc)

		go p.readDataChannel(ch)

		if !isMessagingLabel(ch.label) {
			return
		}

		p.handlersMx.Lock()
		h := p.dataChannelHandler
		p.handlersMx.Unlock()

		h(ch.label)
	})
}

func (p *WebRTC) registerDataChannel(dc *webrtc.DataChannel, rwc datachannel.ReadWriteCloser) *dataChannel {
	p.channelsMx.Lock()
	defer p.channelsMx.Unlock()

	spec, ok := p.specs[dc.Label()]
	if !ok {
		spec = signal.DataChannel{Label: dc.Label(), Direction: signal.DirectionSendrecv}
	}

	ch := &dataChannel{
		label: dc.Label(),
		spec:  spec,
		dc:    dc,
		rwc:   rwc,
	}

	p.channels[ch.label] = ch

	return ch
}

func (p *WebRTC) channel(label string) *dataChannel {
	p.channelsMx.RLock()
	defer p.channelsMx.RUnlock()

	return p.channels[label]
}

func (p *WebRTC) flushChannels() {
	deadline := time.Now().Add(flushTimeout)

	p.channelsMx.RLock()
	defer p.channelsMx.RUnlock()

	for _, ch := range p.channels {
		ch.flush(time.Until(deadline))
	}
}

func (p *WebRTC) readDataChannel(ch *dataChannel) {
	buf := make([]byte, maxMessageSize)

	for {
		payload, err := ch.read(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			log.Warnf("data channel %s: message exceeds %d bytes", ch.label, maxMessageSize)

			continue
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && p.disconnected.IsNotSet() {
				log.Debugf("data channel %s: %v", ch.label, err)
			}

			return
		}

		if err := p.onDataChannelMessage(ch, payload); err != nil {
			log.Error(errors.Wrap(err, ch.label))
		}
	}
}

func (p *WebRTC) onDataChannelMessage(ch *dataChannel, payload []byte) error {
	switch ch.label {
	case labelSignaling:
		return p.onSignalingMessage(payload)
	case labelNotify:
		var msg signal.Notify
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}

		p.onSignalNotify(&msg)
	case labelPush:
		var msg signal.Push
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}

		p.onSignalPush(&msg)
	case labelStats:
		return p.onStatsMessage(payload)
	case labelE2EE:
	default:
		if !isMessagingLabel(ch.label) {
			return nil
		}

		p.handlersMx.Lock()
		h := p.messageHandler
		p.handlersMx.Unlock()

		h(ch.label, payload)
	}

	return nil
}

func (p *WebRTC) onSignalingMessage(payload []byte) error {
	typ, err := signal.ParseType(payload)
	if err != nil {
		return err
	}

	switch typ {
	case signal.TypeReOffer:
		var msg signal.ReOffer
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}

		sdp, err := p.reAnswer(msg.SDP)
		if err != nil {
			return err
		}

		return p.sendSignaling(&signal.Answer{Type: signal.TypeReAnswer, SDP: sdp})
	case signal.TypeClose:
		var msg signal.Close
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}

		code := CloseSucceeded
		if msg.Code != closeCodeNormal {
			code = CloseFailed
		}

		p.terminate(code, fmt.Sprintf("%d %s", msg.Code, msg.Reason))
	default:
		return errors.Wrap(signal.ErrUnknownMessage, typ)
	}

	return nil
}

func (p *WebRTC) onStatsMessage(payload []byte) error {
	typ, err := signal.ParseType(payload)
	if err != nil {
		return err
	}

	if typ != signal.TypeReqStats {
		return errors.Wrap(signal.ErrUnknownMessage, typ)
	}

	return p.send(labelStats, &signal.Stats{Type: signal.TypeStats, Reports: p.statsReports()})
}

func (p *WebRTC) sendSignaling(msg any) error {
	return p.send(labelSignaling, msg)
}

func (p *WebRTC) send(label string, msg any) error {
	ch := p.channel(label)
	if ch == nil {
		return errors.Wrap(ErrDataChannelNotFound, label)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return ch.write(payload, true)
}

func (p *WebRTC) statsReports() []webrtc.Stats {
	conn := p.peerConnection()
	if conn == nil {
		return []webrtc.Stats{}
	}

	report := conn.GetStats()
	reports := make([]webrtc.Stats, 0, len(report))

	for _, stats := range report {
		reports = append(reports, stats)
	}

	return reports
}
