package internal

import (
	"context"
	"encoding/json"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"messaging-sendonly/pkg/log"
	"messaging-sendonly/pkg/messaging"
	"messaging-sendonly/pkg/peer"
	"messaging-sendonly/pkg/signal"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	envPrefix = "sora"

	handshakeTimeout = 10 * time.Second
)

type App struct {
	signalingURL              string
	channelID                 string
	clientID                  string
	label                     string
	data                      string
	metadataJSON              string
	stunServers               []string
	timeout                   time.Duration
	ignoreDisconnectWebSocket bool
	logLevel                  string

	instanceUUID string
	metadata     any

	signal *signal.WebSocket
	peer   *peer.WebRTC
	client *messaging.Sendonly
}

// env holds the defaults of the command line options, read from SORA_*
// variables.
type env struct {
	SignalingURL              string        `envconfig:"SIGNALING_URL"`
	ChannelID                 string        `envconfig:"CHANNEL_ID"`
	ClientID                  string        `envconfig:"CLIENT_ID"`
	Label                     string        `envconfig:"LABEL"`
	Data                      string        `envconfig:"DATA"`
	Metadata                  string        `envconfig:"METADATA"`
	STUN                      []string      `envconfig:"STUN"`
	Timeout                   time.Duration `envconfig:"TIMEOUT" default:"30s"`
	IgnoreDisconnectWebSocket bool          `envconfig:"IGNORE_DISCONNECT_WEBSOCKET"`
	LogLevel                  string        `envconfig:"LOG_LEVEL" default:"info"`
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
	}
}

// Setup parses args (without the program name) and builds every component.
// Nothing touches the network before Run().
func (a *App) Setup(args []string) (err error) {
	if err := a.parseCmdline(args); err != nil {
		return err
	}

	if err := log.SetLevel(a.logLevel); err != nil {
		return err
	}

	if a.metadata, err = parseMetadata(a.metadataJSON); err != nil {
		return err
	}

	a.signal, err = signal.NewWebSocket(signal.WebSocketConfig{
		URL:              a.signalingURL,
		HandshakeTimeout: handshakeTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "signaling")
	}

	a.peer, err = peer.NewWebRTC(peer.WebRTCConfig{
		Role:      signal.RoleSendrecv,
		ChannelID: a.channelID,
		ClientID:  a.clientID,
		Metadata:  a.metadata,
		DataChannels: []signal.DataChannel{{
			Label:     a.label,
			Direction: signal.DirectionSendonly,
		}},
		DataChannelSignaling:      true,
		IgnoreDisconnectWebSocket: a.ignoreDisconnectWebSocket,
		STUN:                      a.stunServers,
	}, a.signal)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	a.client, err = messaging.NewSendonly(messaging.SendonlyConfig{
		Label: a.label,
	}, a.peer)
	if err != nil {
		return errors.Wrap(err, "messaging")
	}

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting messaging sendonly, channel ID: %s, label: %s, instance UUID: %s", a.channelID, a.label, a.instanceUUID)
	defer log.Info("Ending messaging sendonly")

	a.listenOS(cancel)
	defer cancel()

	// The session is not bound to ctx: after SIGINT the goodbye message still
	// has to reach the server through Disconnect().
	if err := a.client.Connect(context.Background()); err != nil {
		return err
	}

	sendCtx := ctx

	if a.timeout > 0 {
		var sendCancel context.CancelFunc

		sendCtx, sendCancel = context.WithTimeout(ctx, a.timeout)
		defer sendCancel()
	}

	sendErr := a.client.Send(sendCtx, []byte(a.data))

	if err := a.client.Disconnect(); err != nil {
		log.Warn(err)
	}

	return sendErr
}

func (a *App) parseCmdline(args []string) error {
	var defaults env

	if err := envconfig.Process(envPrefix, &defaults); err != nil {
		return errors.Wrap(err, "environment")
	}

	flags := pflag.NewFlagSet("messaging-sendonly", pflag.ContinueOnError)

	// Required options.
	flags.StringVar(&a.signalingURL, "signaling-url", defaults.SignalingURL, "Signaling URL, e.g. ws://localhost:5000/signaling")
	flags.StringVar(&a.channelID, "channel-id", defaults.ChannelID, "Channel ID")
	flags.StringVar(&a.label, "label", defaults.Label, "Label of the data channel to send to, e.g. #foo")
	flags.StringVar(&a.data, "data", defaults.Data, "Data to send")

	// Optional options.
	flags.StringVar(&a.clientID, "client-id", defaults.ClientID, "Client ID")
	flags.StringVar(&a.metadataJSON, "metadata", defaults.Metadata, "Metadata JSON passed to the signaling server")
	flags.StringSliceVar(&a.stunServers, "stun", defaults.STUN, "STUN servers used when the server offers no ICE servers")
	flags.DurationVar(&a.timeout, "timeout", defaults.Timeout, "How long to wait for the data channel, 0 waits forever")
	flags.BoolVar(&a.ignoreDisconnectWebSocket, "ignore-disconnect-websocket", defaults.IgnoreDisconnectWebSocket, "Close the WebSocket once signaling has switched to data channels")
	flags.StringVar(&a.logLevel, "log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")

	if err := flags.Parse(args); err != nil {
		return err
	}

	// An empty value given explicitly is accepted here. Components reject the
	// ones they cannot work with.
	for _, name := range []string{"signaling-url", "channel-id", "label", "data"} {
		if !flags.Changed(name) && !envSet(name) {
			return errors.Errorf("--%s is required", name)
		}
	}

	return nil
}

// envSet reports whether the SORA_* variable backing flag name is set.
func envSet(name string) bool {
	_, ok := os.LookupEnv(strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(name, "-", "_")))

	return ok
}

// parseMetadata returns nil for an empty string so that no metadata is sent.
func parseMetadata(raw string) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var metadata any

	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, errors.Wrap(err, "metadata")
	}

	return metadata, nil
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
