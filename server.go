package coapfs

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/edgekit/coapfs/internal/blockwise"
	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/observe"
	"github.com/edgekit/coapfs/internal/platform"
)

// Server serves resources over UDP and pushes notifications and
// files to registered observers. All protocol state is owned by the
// Serve loop; the exported methods post commands into it and are safe
// to call from other goroutines.
type Server struct {
	Mux     *Mux
	Storage platform.Storage
	Logger  zerolog.Logger
	Sink    events.Sink

	once sync.Once
	cmdc chan func(now time.Time)

	// Loop-owned state below.
	ep       *endpoint
	registry *observe.Registry
	pushes   map[string]*pushPeer
}

// pushPeer is one subscriber's leg of a running file push.
type pushPeer struct {
	sub      *observe.Subscriber
	streamer *blockwise.Streamer
	format   uint32
	mid      uint16
}

func (s *Server) commands() chan func(now time.Time) {
	s.once.Do(func() {
		s.cmdc = make(chan func(now time.Time), 16)
	})
	return s.cmdc
}

// ListenAndServe binds address and runs the loop until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.Serve(ctx, conn)
}

// Serve runs the cooperative loop on conn: one datagram, one
// retransmission sweep, one housekeeping step per iteration.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	if s.Sink == nil {
		s.Sink = events.Discard{}
	}
	s.ep = newEndpoint(conn, s.Logger, s.Sink)
	s.registry = observe.NewRegistry()
	s.pushes = make(map[string]*pushPeer)
	cmdc := s.commands()

	s.Logger.Info().Str("addr", conn.LocalAddr().String()).Msg("serving")

	buf := make([]byte, 2048)
	lastPrune := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if data, addr, ok := s.ep.readDatagram(buf); ok {
			s.handleDatagram(data, addr, time.Now())
		}

		now := time.Now()
		for _, f := range s.ep.queue.Tick(now, s.resend) {
			s.onDeliveryFailure(f.MessageID, f.Addr)
		}
		if now.Sub(lastPrune) >= observe.PruneInterval {
			lastPrune = now
			s.prune(now)
		}
		for drained := false; !drained; {
			select {
			case cmd := <-cmdc:
				cmd(time.Now())
			default:
				drained = true
			}
		}
	}
}

func (s *Server) resend(data []byte, addr *net.UDPAddr) {
	s.ep.conn.WriteToUDP(data, addr)
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	var m message.Message
	if err := m.Unmarshal(data); err != nil {
		s.Logger.Debug().Err(err).Str("addr", addr.String()).Msg("drop malformed datagram")
		return
	}
	switch {
	case m.Type == message.ACK:
		s.ep.queue.Clear(m.MessageID)
		s.registry.OnAck(addr, now)
		s.onPushAck(&m, addr, now)
	case m.Type == message.RST:
		s.ep.queue.Clear(m.MessageID)
		s.dropPeer(addr, "reset by peer")
	case message.IsRequest(m.Code):
		s.handleRequest(&m, addr, now)
	default:
		s.Logger.Debug().Str("msg", m.String()).Msg("ignore unexpected message")
	}
}

func (s *Server) handleRequest(m *message.Message, addr *net.UDPAddr, now time.Time) {
	con := m.Type == message.CON
	if !s.Mux.Bypass(m) {
		if s.ep.window.Seen(m.MessageID) {
			// Duplicate delivery. A confirmable peer missed our ACK,
			// so answer again; either way the handler stays asleep.
			if con {
				s.ep.sendEmptyAck(m.MessageID, addr)
			}
			return
		}
		s.ep.window.Record(m.MessageID)
	}

	w := &ResponseWriter{}
	req := &Request{Addr: addr, Msg: m}
	s.Mux.Dispatch(w, req)
	s.interceptObserve(m, w, addr, now)

	if !con {
		return
	}
	reply := &message.Message{Type: message.ACK, MessageID: m.MessageID, Token: m.Token}
	w.Fill(reply)
	if err := s.ep.send(reply, addr); err != nil {
		s.Logger.Warn().Err(err).Str("addr", addr.String()).Msg("send response")
	}
}

// interceptObserve handles the Observe option on successful GETs:
// value 0 registers the sender, value 1 removes it. The registration
// reply carries the first sequence number.
func (s *Server) interceptObserve(m *message.Message, w *ResponseWriter, addr *net.UDPAddr, now time.Time) {
	if m.Code != message.GET || w.code>>5 > 2 {
		return
	}
	obs, ok := m.GetUintOption(message.Observe)
	if !ok {
		return
	}
	switch obs {
	case 0:
		sub, err := s.registry.Register(addr, m.Token, now)
		if err != nil {
			*w = ResponseWriter{}
			w.WriteCode(message.ServiceUnavailable)
			s.Logger.Warn().Str("addr", addr.String()).Msg("subscriber table full")
			return
		}
		w.SetOption(message.Observe, sub.NextSeq())
		ev := events.New(events.KindSubscriberAdded)
		ev.Addr = addr.String()
		s.Sink.Emit(ev)
	case 1:
		s.registry.Deregister(addr, m.Token)
	}
}

// Notify sends payload to every registered subscriber as a
// confirmable notification. It returns how many were targeted.
func (s *Server) Notify(payload []byte, contentFormat uint32) int {
	reply := make(chan int, 1)
	s.commands() <- func(now time.Time) {
		n := 0
		for _, sub := range s.registry.Subscribers() {
			m := &message.Message{
				Type:      message.CON,
				Code:      message.Content,
				MessageID: s.ep.nextMessageID(),
				Token:     sub.Token,
				Payload:   payload,
			}
			m.SetOption(message.Observe, sub.NextSeq())
			m.SetOption(message.ContentFormat, contentFormat)
			if err := s.ep.sendReliable(m, sub.Addr, now); err != nil {
				s.Logger.Warn().Err(err).Str("addr", sub.Addr.String()).Msg("notify")
				continue
			}
			n++
		}
		reply <- n
	}
	return <-reply
}

// StartTransfer pushes the named stored file to every registered
// subscriber, one block in flight per subscriber. It returns a
// transfer id, or ErrBusy while a push is still running.
func (s *Server) StartTransfer(name string, contentFormat uint32) (string, error) {
	type result struct {
		id  string
		err error
	}
	reply := make(chan result, 1)
	s.commands() <- func(now time.Time) {
		if len(s.pushes) > 0 {
			reply <- result{err: ErrBusy}
			return
		}
		if len(s.registry.Subscribers()) == 0 {
			reply <- result{err: ErrNoPeers}
			return
		}
		id := uuid.NewString()
		for _, sub := range s.registry.Subscribers() {
			st, err := blockwise.NewStreamer(s.Storage, name, message.MaxBlockSize)
			if err != nil {
				reply <- result{err: err}
				s.abortPush("storage error")
				return
			}
			p := &pushPeer{sub: sub, streamer: st, format: contentFormat}
			s.pushes[sub.Addr.String()] = p
			if err := s.sendNextBlock(p, now); err != nil {
				reply <- result{err: err}
				s.abortPush(err.Error())
				return
			}
		}
		ev := events.New(events.KindTransferStarted)
		ev.Resource = name
		ev.Transfer = id
		s.Sink.Emit(ev)
		reply <- result{id: id}
	}
	r := <-reply
	return r.id, r.err
}

// sendNextBlock emits the streamer's current block to the peer.
func (s *Server) sendNextBlock(p *pushPeer, now time.Time) error {
	payload, block, ok := p.streamer.Next()
	if !ok {
		if err := p.streamer.Err(); err != nil {
			return err
		}
		return errors.New("no block ready")
	}
	m := &message.Message{
		Type:      message.CON,
		Code:      message.Content,
		MessageID: s.ep.nextMessageID(),
		Token:     p.sub.Token,
		Payload:   payload,
	}
	m.SetOption(message.Observe, p.sub.NextSeq())
	m.SetOption(message.ContentFormat, p.format)
	m.SetOption(message.Block2, block.Value())
	if err := s.ep.sendReliable(m, p.sub.Addr, now); err != nil {
		s.Logger.Warn().Err(err).Str("addr", p.sub.Addr.String()).Msg("push block")
		return err
	}
	p.mid = m.MessageID
	return nil
}

func (s *Server) onPushAck(m *message.Message, addr *net.UDPAddr, now time.Time) {
	p, ok := s.pushes[addr.String()]
	if !ok || p.mid != m.MessageID {
		return
	}
	done, err := p.streamer.OnAck(p.streamer.Num())
	if err != nil {
		s.Logger.Warn().Err(err).Str("addr", addr.String()).Msg("close pushed file")
	}
	if done {
		delete(s.pushes, addr.String())
		ev := events.New(events.KindTransferDone)
		ev.Addr = addr.String()
		ev.Resource = p.streamer.Resource()
		ev.Transfer = p.streamer.ID()
		s.Sink.Emit(ev)
		return
	}
	if err := s.sendNextBlock(p, now); err != nil {
		p.streamer.Abort()
		delete(s.pushes, addr.String())
		s.emitAborted(p, err.Error())
	}
}

func (s *Server) onDeliveryFailure(mid uint16, addr *net.UDPAddr) {
	s.registry.OnFailure(addr)
	ev := events.New(events.KindDeliveryFailed)
	ev.Addr = addr.String()
	ev.MessageID = mid
	s.Sink.Emit(ev)

	if p, ok := s.pushes[addr.String()]; ok && p.mid == mid {
		p.streamer.Abort()
		delete(s.pushes, addr.String())
		s.emitAborted(p, "retransmit exhausted")
	}
}

func (s *Server) prune(now time.Time) {
	for _, sub := range s.registry.Prune(now) {
		s.dropPeer(sub.Addr, "pruned")
		ev := events.New(events.KindSubscriberPruned)
		ev.Addr = sub.Addr.String()
		s.Sink.Emit(ev)
		s.Logger.Info().Str("addr", sub.Addr.String()).Int("missed", sub.Missed()).Msg("subscriber pruned")
	}
}

// dropPeer forgets addr as a subscriber and aborts its push leg.
func (s *Server) dropPeer(addr *net.UDPAddr, reason string) {
	for _, sub := range s.registry.Subscribers() {
		if sub.Addr.Port == addr.Port && sub.Addr.IP.Equal(addr.IP) {
			s.registry.Deregister(sub.Addr, sub.Token)
			break
		}
	}
	if p, ok := s.pushes[addr.String()]; ok {
		p.streamer.Abort()
		delete(s.pushes, addr.String())
		s.emitAborted(p, reason)
	}
}

func (s *Server) abortPush(reason string) {
	for key, p := range s.pushes {
		p.streamer.Abort()
		delete(s.pushes, key)
		s.emitAborted(p, reason)
	}
}

func (s *Server) emitAborted(p *pushPeer, reason string) {
	ev := events.New(events.KindTransferAborted)
	ev.Addr = p.sub.Addr.String()
	ev.Resource = p.streamer.Resource()
	ev.Transfer = p.streamer.ID()
	ev.Detail = reason
	s.Sink.Emit(ev)
}

// Status is a point-in-time view for the control surface.
type Status struct {
	Pending     int                      `json:"pending"`
	PushActive  bool                     `json:"push_active"`
	Subscribers []observe.SubscriberInfo `json:"subscribers"`
}

// Snapshot reports the loop's current state.
func (s *Server) Snapshot() Status {
	reply := make(chan Status, 1)
	s.commands() <- func(time.Time) {
		reply <- Status{
			Pending:     s.ep.queue.Pending(),
			PushActive:  len(s.pushes) > 0,
			Subscribers: s.registry.Snapshot(),
		}
	}
	return <-reply
}
