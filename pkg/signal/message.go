package signal

import (
	"encoding/json"
)

// Message types of the Sora signaling protocol. The same JSON shapes travel
// over the WebSocket connection and, once the server has switched signaling,
// over the "signaling" data channel.
const (
	TypeConnect    = "connect"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeReOffer    = "re-offer"
	TypeReAnswer   = "re-answer"
	TypeSwitched   = "switched"
	TypeNotify     = "notify"
	TypePush       = "push"
	TypeRedirect   = "redirect"
	TypeDisconnect = "disconnect"
	TypeClose      = "close"
	TypeReqStats   = "req-stats"
	TypeStats      = "stats"
)

const (
	RoleSendrecv = "sendrecv"
	RoleSendonly = "sendonly"
	RoleRecvonly = "recvonly"
)

// DisconnectReasonNoError is the reason sent on a regular client shutdown.
const DisconnectReasonNoError = "NO-ERROR"

type Direction string

const (
	DirectionSendonly Direction = "sendonly"
	DirectionRecvonly Direction = "recvonly"
	DirectionSendrecv Direction = "sendrecv"
)

// DataChannel is both the client's declaration in "connect" and the server's
// description in "offer".
type DataChannel struct {
	Label             string    `json:"label"`
	Direction         Direction `json:"direction"`
	Ordered           *bool     `json:"ordered,omitempty"`
	MaxPacketLifeTime *int      `json:"max_packet_life_time,omitempty"`
	MaxRetransmits    *int      `json:"max_retransmits,omitempty"`
	Protocol          *string   `json:"protocol,omitempty"`
	Compress          *bool     `json:"compress,omitempty"`
}

type Connect struct {
	Type                      string        `json:"type"`
	Role                      string        `json:"role"`
	ChannelID                 string        `json:"channel_id"`
	ClientID                  string        `json:"client_id,omitempty"`
	Metadata                  any           `json:"metadata,omitempty"`
	Audio                     bool          `json:"audio"`
	Video                     bool          `json:"video"`
	DataChannelSignaling      *bool         `json:"data_channel_signaling,omitempty"`
	IgnoreDisconnectWebSocket *bool         `json:"ignore_disconnect_websocket,omitempty"`
	DataChannels              []DataChannel `json:"data_channels,omitempty"`
	SoraClient                string        `json:"sora_client,omitempty"`
	Environment               string        `json:"environment,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type OfferConfig struct {
	ICEServers         []ICEServer `json:"iceServers,omitempty"`
	ICETransportPolicy string      `json:"iceTransportPolicy,omitempty"`
}

type Offer struct {
	Type         string        `json:"type"`
	SDP          string        `json:"sdp"`
	ClientID     string        `json:"client_id,omitempty"`
	ConnectionID string        `json:"connection_id,omitempty"`
	Config       *OfferConfig  `json:"config,omitempty"`
	DataChannels []DataChannel `json:"data_channels,omitempty"`
}

// Answer is used for both "answer" and "re-answer".
type Answer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ReOffer arrives over WebSocket or over the "signaling" data channel.
type ReOffer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Type      string `json:"type"`
	Candidate string `json:"candidate"`
}

type Ping struct {
	Type  string `json:"type"`
	Stats bool   `json:"stats,omitempty"`
}

type Pong struct {
	Type  string `json:"type"`
	Stats any    `json:"stats,omitempty"`
}

type Switched struct {
	Type                      string `json:"type"`
	IgnoreDisconnectWebSocket bool   `json:"ignore_disconnect_websocket"`
}

type Notify struct {
	Type         string `json:"type"`
	EventType    string `json:"event_type"`
	ConnectionID string `json:"connection_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

type Push struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Redirect struct {
	Type     string `json:"type"`
	Location string `json:"location"`
}

type Disconnect struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Close is sent by the server over the "signaling" data channel when it ends
// the session.
type Close struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type Stats struct {
	Type    string `json:"type"`
	Reports any    `json:"reports"`
}

// Header decodes only the "type" field so the rest of a message can be
// decoded into its concrete shape afterwards.
type Header struct {
	Type string `json:"type"`
}

func ParseType(payload []byte) (string, error) {
	var h Header

	if err := json.Unmarshal(payload, &h); err != nil {
		return "", err
	}

	return h.Type, nil
}
