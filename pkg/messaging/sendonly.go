package messaging

import (
	"context"
	"sync"

	"messaging-sendonly/pkg/log"
	"messaging-sendonly/pkg/peer"

	"github.com/pkg/errors"
	"github.com/tevino/abool"
)

// Sendonly sends a single message over one labelled data channel of a
// Connection (see: Send()).
//
// The data channel is usable only once the Connection reports it through the
// data channel handler. Send() blocks until that happens or until the
// Connection reports a disconnect, whichever comes first. Both handlers
// close a channel exactly once, so any number of waiters are woken and
// repeated or concurrent handler calls are harmless.
type Sendonly struct {
	cfg SendonlyConfig

	conn Connection

	state   State
	stateMx sync.Mutex

	ready        *abool.AtomicBool
	disconnected *abool.AtomicBool
	sent         *abool.AtomicBool

	readyChan        chan struct{}
	disconnectedChan chan struct{}
}

type SendonlyConfig struct {
	Label string
}

func NewSendonly(cfg SendonlyConfig, conn Connection) (*Sendonly, error) {
	if len(cfg.Label) == 0 {
		return nil, errors.New("data channel label is empty")
	}

	m := &Sendonly{
		cfg:              cfg,
		conn:             conn,
		state:            StateCreated,
		ready:            abool.New(),
		disconnected:     abool.New(),
		sent:             abool.New(),
		readyChan:        make(chan struct{}),
		disconnectedChan: make(chan struct{}),
	}

	m.conn.OnDataChannel(m.onDataChannel)
	m.conn.OnDisconnect(m.onDisconnect)

	return m, nil
}

func (m *Sendonly) State() State {
	m.stateMx.Lock()
	defer m.stateMx.Unlock()

	return m.state
}

func (m *Sendonly) Connect(ctx context.Context) error {
	m.stateMx.Lock()

	if m.state != StateCreated {
		state := m.state
		m.stateMx.Unlock()

		if state == StateClosed {
			return ErrClosed
		}

		return errors.Errorf("connect in state %s", state)
	}

	m.state = StateConnecting
	m.stateMx.Unlock()

	return errors.Wrap(m.conn.Connect(ctx), "connect")
}

// Wait blocks until the data channel is ready, the connection is gone or ctx
// is done. Readiness wins when both signals have fired.
func (m *Sendonly) Wait(ctx context.Context) (Readiness, error) {
	select {
	case <-m.readyChan:
	case <-m.disconnectedChan:
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "wait data channel")
	}

	if m.ready.IsSet() {
		return ReadinessReady, nil
	}

	return ReadinessDisconnected, nil
}

// Send waits as Wait() does and sends data once the data channel is ready.
// Only one message can be sent per Sendonly.
func (m *Sendonly) Send(ctx context.Context, data []byte) error {
	switch m.State() {
	case StateCreated:
		return ErrNotConnected
	case StateClosed:
		return ErrClosed
	}

	if m.sent.IsSet() {
		return ErrAlreadySent
	}

	readiness, err := m.Wait(ctx)
	if err != nil {
		return err
	}

	if readiness == ReadinessDisconnected {
		return ErrDisconnected
	}

	if !m.sent.SetToIf(false, true) {
		return ErrAlreadySent
	}

	if err := m.conn.SendDataChannel(m.cfg.Label, data); err != nil {
		return errors.Wrap(err, "send")
	}

	log.Infof("message sent: label=%s, data=%s", m.cfg.Label, data)

	return nil
}

func (m *Sendonly) Disconnect() error {
	m.stateMx.Lock()

	if m.state == StateClosed {
		m.stateMx.Unlock()

		return ErrClosed
	}

	m.state = StateClosed
	m.stateMx.Unlock()

	return errors.Wrap(m.conn.Disconnect(), "disconnect")
}

func (m *Sendonly) onDataChannel(label string) {
	if label != m.cfg.Label {
		return
	}

	if m.ready.SetToIf(false, true) {
		close(m.readyChan)
	}

	m.stateMx.Lock()
	defer m.stateMx.Unlock()

	if m.state == StateConnecting {
		m.state = StateReady
	}
}

func (m *Sendonly) onDisconnect(code peer.ErrorCode, message string) {
	log.Infof("disconnected: code=%s, message='%s'", code, message)

	if m.disconnected.SetToIf(false, true) {
		close(m.disconnectedChan)
	}

	m.stateMx.Lock()
	defer m.stateMx.Unlock()

	if m.state != StateClosed {
		m.state = StateDisconnected
	}
}
