package peer

import (
	"bytes"
	"compress/zlib"
	"io"
	"strings"
	"sync"
	"time"

	"messaging-sendonly/pkg/signal"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
)

// Labels the server uses for data channel signaling. Labels starting with
// "#" belong to messaging.
const (
	labelSignaling = "signaling"
	labelNotify    = "notify"
	labelPush      = "push"
	labelStats     = "stats"
	labelE2EE      = "e2ee"

	messagingPrefix = "#"
)

// SCTP user messages are limited to this size by pion.
const maxMessageSize = 65535

func isMessagingLabel(label string) bool {
	return strings.HasPrefix(label, messagingPrefix)
}

type dataChannel struct {
	label string
	spec  signal.DataChannel

	dc  *webrtc.DataChannel
	rwc datachannel.ReadWriteCloser

	writeMx sync.Mutex
}

func (c *dataChannel) compressed() bool {
	return c.spec.Compress != nil && *c.spec.Compress
}

func (c *dataChannel) write(payload []byte, isString bool) error {
	if c.compressed() {
		var err error

		if payload, err = compress(payload); err != nil {
			return err
		}
	}

	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	_, err := c.rwc.WriteDataChannel(payload, isString)

	return err
}

// read returns a copy of the next message, decompressed if the channel is
// declared compressed.
func (c *dataChannel) read(buf []byte) ([]byte, error) {
	n, _, err := c.rwc.ReadDataChannel(buf)
	if err != nil {
		return nil, err
	}

	if c.compressed() {
		return decompress(buf[:n])
	}

	payload := make([]byte, n)
	copy(payload, buf[:n])

	return payload, nil
}

// flush blocks until everything written to the channel has been acknowledged
// by the remote side or timeout passes.
func (c *dataChannel) flush(timeout time.Duration) {
	var once sync.Once

	drained := make(chan struct{})

	c.dc.SetBufferedAmountLowThreshold(0)
	c.dc.OnBufferedAmountLow(func() {
		once.Do(func() { close(drained) })
	})

	if c.dc.BufferedAmount() == 0 {
		return
	}

	select {
	case <-drained:
	case <-time.After(timeout):
	}
}

func (c *dataChannel) close() error {
	return c.rwc.Close()
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := zlib.NewWriter(&buf)

	if _, err := w.Write(payload); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
