// Package coapfs is a small CoAP-over-UDP stack for constrained file
// and sensor exchange. It provides a server with observable resources
// and blockwise file push, and a client that subscribes, edits the
// server's text resource, and pulls files block by block.
//
// Both roles run a single cooperative loop: one datagram, one
// retransmission sweep, one housekeeping step per iteration. The
// protocol engines underneath are plain state machines and never
// block, log, or spawn goroutines.
package coapfs

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/reliability"
)

var (
	ErrReset      = errors.New("exchange reset by peer")
	ErrAckTimeout = errors.New("wait ack timeout")
	ErrQueueFull  = errors.New("retransmission queue full")
	ErrBusy       = errors.New("a transfer is already running")
	ErrNoPeers    = errors.New("no registered subscribers")
)

// readInterval is the poll granularity of the loops. Retransmission
// and prune deadlines are checked at this cadence.
const readInterval = 50 * time.Millisecond

func genToken(n int) string {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return string(b)
}

func randMessageID() uint16 {
	var b [2]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint16(b[:])
}

// endpoint is the transport state shared by the server and client
// loops: the socket, the retransmission queue, the duplicate window
// and the message id counter. It belongs to exactly one loop.
type endpoint struct {
	conn   *net.UDPConn
	queue  *reliability.Queue
	window *reliability.Window
	logger zerolog.Logger
	sink   events.Sink
	msgID  uint16
}

func newEndpoint(conn *net.UDPConn, logger zerolog.Logger, sink events.Sink) *endpoint {
	if sink == nil {
		sink = events.Discard{}
	}
	return &endpoint{
		conn:   conn,
		queue:  reliability.NewQueue(),
		window: reliability.NewWindow(),
		logger: logger,
		sink:   sink,
		msgID:  randMessageID(),
	}
}

func (e *endpoint) nextMessageID() uint16 {
	e.msgID++
	return e.msgID
}

// send writes m to addr with no delivery tracking.
func (e *endpoint) send(m *message.Message, addr *net.UDPAddr) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(data, addr)
	return err
}

// sendReliable writes m to addr and parks it in the retransmission
// queue until the matching ACK or RST arrives.
func (e *endpoint) sendReliable(m *message.Message, addr *net.UDPAddr, now time.Time) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if !e.queue.Store(m.MessageID, addr, data, now) {
		return ErrQueueFull
	}
	_, err = e.conn.WriteToUDP(data, addr)
	return err
}

// sendEmptyAck acknowledges message id mid without a response. extra
// options (a Block2 echo) may ride along.
func (e *endpoint) sendEmptyAck(mid uint16, addr *net.UDPAddr, opts ...message.Option) error {
	m := &message.Message{Type: message.ACK, MessageID: mid}
	for _, o := range opts {
		m.SetOption(o.ID, o.Value)
	}
	return e.send(m, addr)
}

// readDatagram reads one datagram with the poll deadline. It returns
// ok=false on timeout.
func (e *endpoint) readDatagram(buf []byte) (data []byte, addr *net.UDPAddr, ok bool) {
	e.conn.SetReadDeadline(time.Now().Add(readInterval))
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return nil, nil, false
		}
		e.logger.Debug().Err(err).Msg("socket read")
		return nil, nil, false
	}
	data = make([]byte, n)
	copy(data, buf[:n])
	return data, addr, true
}
