package coapfs

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgekit/coapfs/internal/blockwise"
	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

// Client talks to one server. Like the server it runs a single
// cooperative loop; the exported request methods post into the loop
// and block until the exchange finishes or its retransmissions are
// exhausted.
type Client struct {
	Server  string // remote host:port
	Storage platform.Storage
	Logger  zerolog.Logger
	Sink    events.Sink

	// Local destination names. Zero values pick the defaults.
	TextName  string
	ImageName string
	FetchName string

	once sync.Once
	cmdc chan func(now time.Time)

	// Loop-owned state below.
	ep        *endpoint
	remote    *net.UDPAddr
	token     string
	assembler *blockwise.Assembler
	pull      *pullJob
	pending   map[uint16]chan outcome
}

type outcome struct {
	code    uint8
	payload []byte
	err     error
}

type pullJob struct {
	p     *blockwise.Pull
	query string
	mid   uint16
	reply chan error
}

// init resolves the tunables once, before either the loop or a
// request method touches them.
func (c *Client) init() {
	c.once.Do(func() {
		c.cmdc = make(chan func(now time.Time), 16)
		if c.TextName == "" {
			c.TextName = "from_server.txt"
		}
		if c.ImageName == "" {
			c.ImageName = "from_server.jpg"
		}
		if c.FetchName == "" {
			c.FetchName = "from_server_fetch.txt"
		}
	})
}

func (c *Client) commands() chan func(now time.Time) {
	c.init()
	return c.cmdc
}

// Run resolves the server, binds an ephemeral port and drives the
// loop until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	if c.Sink == nil {
		c.Sink = events.Discard{}
	}
	c.init()

	remote, err := net.ResolveUDPAddr("udp", c.Server)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.ep = newEndpoint(conn, c.Logger, c.Sink)
	c.remote = remote
	c.token = genToken(8)
	c.pending = make(map[uint16]chan outcome)
	c.assembler = &blockwise.Assembler{
		Storage:   c.Storage,
		TextName:  c.TextName,
		ImageName: c.ImageName,
	}
	cmdc := c.commands()

	c.Logger.Info().Str("server", remote.String()).Msg("client loop running")

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if data, addr, ok := c.ep.readDatagram(buf); ok {
			if addr.Port == remote.Port && addr.IP.Equal(remote.IP) {
				c.handleDatagram(data, time.Now())
			}
		}

		now := time.Now()
		for _, f := range c.ep.queue.Tick(now, c.resend) {
			c.onDeliveryFailure(f.MessageID)
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

func (c *Client) resend(data []byte, addr *net.UDPAddr) {
	c.ep.conn.WriteToUDP(data, addr)
}

func (c *Client) handleDatagram(data []byte, now time.Time) {
	var m message.Message
	if err := m.Unmarshal(data); err != nil {
		c.Logger.Debug().Err(err).Msg("drop malformed datagram")
		return
	}
	switch m.Type {
	case message.ACK:
		c.ep.queue.Clear(m.MessageID)
		c.onResponse(&m, now)
	case message.RST:
		c.ep.queue.Clear(m.MessageID)
		c.fail(m.MessageID, ErrReset)
	case message.CON:
		c.handleNotification(&m, true)
	case message.NON:
		c.handleNotification(&m, false)
	}
}

// onResponse routes a piggy-backed response to the exchange waiting
// on its message id.
func (c *Client) onResponse(m *message.Message, now time.Time) {
	if c.pull != nil && c.pull.mid == m.MessageID {
		c.advancePull(m, now)
		return
	}
	if reply, ok := c.pending[m.MessageID]; ok {
		delete(c.pending, m.MessageID)
		reply <- outcome{code: m.Code, payload: m.Payload}
	}
}

func (c *Client) advancePull(m *message.Message, now time.Time) {
	job := c.pull
	done, err := job.p.Absorb(m)
	if err != nil {
		c.pull = nil
		c.emitPull(events.KindTransferAborted, job, err.Error())
		job.reply <- err
		return
	}
	if done {
		c.pull = nil
		c.emitPull(events.KindTransferDone, job, "")
		job.reply <- nil
		return
	}
	next := job.p.Request()
	if job.query != "" {
		next.SetOption(message.URIQuery, job.query)
	}
	next.MessageID = c.ep.nextMessageID()
	next.Token = genToken(8)
	if err := c.ep.sendReliable(next, c.remote, now); err != nil {
		c.pull = nil
		job.p.Abort()
		c.emitPull(events.KindTransferAborted, job, err.Error())
		job.reply <- err
		return
	}
	job.mid = next.MessageID
}

func (c *Client) emitPull(kind events.Kind, job *pullJob, detail string) {
	ev := events.New(kind)
	ev.Resource = job.p.Resource()
	ev.Transfer = job.p.ID()
	ev.Detail = detail
	c.Sink.Emit(ev)
}

// handleNotification consumes a server-initiated message: either one
// block of a pushed file or a plain observe notification.
func (c *Client) handleNotification(m *message.Message, con bool) {
	block, blockwiseMsg := message.ParseBlock2(m)

	if con && c.ep.window.Seen(m.MessageID) {
		// Our ACK got lost. Repeat it, with the block echo when the
		// duplicate carries one.
		if blockwiseMsg {
			c.ep.sendEmptyAck(m.MessageID, c.remote, message.Option{ID: message.Block2, Value: block.Value()})
		} else {
			c.ep.sendEmptyAck(m.MessageID, c.remote)
		}
		return
	}
	if con {
		c.ep.window.Record(m.MessageID)
	}

	if blockwiseMsg {
		c.absorbBlock(m, block, con)
		return
	}

	c.Logger.Info().Str("payload", string(m.Payload)).Msg("notification")
	ev := events.New(events.KindNotification)
	ev.Detail = string(m.Payload)
	c.Sink.Emit(ev)
	if con {
		c.ep.sendEmptyAck(m.MessageID, c.remote)
	}
}

func (c *Client) absorbBlock(m *message.Message, block message.BlockOption, con bool) {
	verdict, err := c.assembler.Absorb(m)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("drop pushed block")
		ev := events.New(events.KindTransferAborted)
		ev.Detail = err.Error()
		c.Sink.Emit(ev)
		return
	}
	switch verdict {
	case blockwise.VerdictIgnore:
		// A skipped block. Silence makes the server retransmit.
	case blockwise.VerdictAck:
		if con {
			c.ep.sendEmptyAck(m.MessageID, c.remote, message.Option{ID: message.Block2, Value: block.Value()})
		}
	case blockwise.VerdictDone:
		if con {
			c.ep.sendEmptyAck(m.MessageID, c.remote, message.Option{ID: message.Block2, Value: block.Value()})
		}
		ev := events.New(events.KindTransferDone)
		ev.Resource = c.assembler.Resource()
		ev.Transfer = c.assembler.ID()
		c.Sink.Emit(ev)
		c.Logger.Info().Str("file", c.assembler.Resource()).Int64("bytes", c.assembler.Total()).Msg("pushed file stored")
	}
}

func (c *Client) onDeliveryFailure(mid uint16) {
	if c.pull != nil && c.pull.mid == mid {
		job := c.pull
		c.pull = nil
		job.p.Abort()
		c.emitPull(events.KindTransferAborted, job, "retransmit exhausted")
		job.reply <- ErrAckTimeout
		return
	}
	c.fail(mid, ErrAckTimeout)
}

func (c *Client) fail(mid uint16, err error) {
	if reply, ok := c.pending[mid]; ok {
		delete(c.pending, mid)
		reply <- outcome{err: err}
	}
}

// roundTrip posts one confirmable request into the loop and waits for
// its piggy-backed response.
func (c *Client) roundTrip(build func() *message.Message) (outcome, error) {
	reply := make(chan outcome, 1)
	c.commands() <- func(now time.Time) {
		m := build()
		m.Type = message.CON
		m.MessageID = c.ep.nextMessageID()
		if m.Token == "" {
			m.Token = genToken(8)
		}
		if err := c.ep.sendReliable(m, c.remote, now); err != nil {
			reply <- outcome{err: err}
			return
		}
		c.pending[m.MessageID] = reply
	}
	o := <-reply
	return o, o.err
}

// Subscribe registers for notifications on path using the client's
// stable token.
func (c *Client) Subscribe(path string) error {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.GET, Token: c.token}
		m.SetPath(path)
		m.SetOption(message.Observe, uint32(0))
		return m
	})
	if err != nil {
		return err
	}
	return expectClass(o.code, 2)
}

// Unsubscribe cancels the observation on path.
func (c *Client) Unsubscribe(path string) error {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.GET, Token: c.token}
		m.SetPath(path)
		m.SetOption(message.Observe, uint32(1))
		return m
	})
	if err != nil {
		return err
	}
	return expectClass(o.code, 2)
}

// Get fetches path and returns the response payload.
func (c *Client) Get(path string) ([]byte, error) {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.GET}
		m.SetPath(path)
		return m
	})
	if err != nil {
		return nil, err
	}
	if err := expectClass(o.code, 2); err != nil {
		return nil, err
	}
	return o.payload, nil
}

// Put writes payload to path as text.
func (c *Client) Put(path string, payload []byte) error {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.PUT, Payload: payload}
		m.SetPath(path)
		m.SetOption(message.ContentFormat, message.TextPlain)
		return m
	})
	if err != nil {
		return err
	}
	return expectClass(o.code, 2)
}

// Append adds one line to the server's text resource.
func (c *Client) Append(line string) error {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.IPATCH, Payload: []byte(line)}
		m.SetPath("file")
		m.SetOption(message.ContentFormat, message.TextPlain)
		return m
	})
	if err != nil {
		return err
	}
	return expectClass(o.code, 2)
}

// Fetch asks for lines of the server's text resource. The selector is
// either "N" for the first N lines or "start,end" for an inclusive
// range. The result is stored locally and returned.
func (c *Client) Fetch(selector string) ([]byte, error) {
	o, err := c.roundTrip(func() *message.Message {
		m := &message.Message{Code: message.FETCH, Payload: []byte(selector)}
		m.SetPath("file")
		m.SetOption(message.ContentFormat, message.TextPlain)
		return m
	})
	if err != nil {
		return nil, err
	}
	if err := expectClass(o.code, 2); err != nil {
		return nil, err
	}
	f, err := c.Storage.Create(c.FetchName)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(o.payload); err != nil {
		f.Close()
		return nil, err
	}
	return o.payload, f.Close()
}

// PullFile downloads the server's file resource block by block into
// local storage and returns the destination name.
func (c *Client) PullFile(image bool) (string, error) {
	c.init()
	dest := c.TextName
	query := ""
	if image {
		dest = c.ImageName
		query = "type=image"
	}
	reply := make(chan error, 1)
	c.commands() <- func(now time.Time) {
		if c.pull != nil {
			reply <- ErrBusy
			return
		}
		p, err := blockwise.NewPull(c.Storage, "file", dest)
		if err != nil {
			reply <- err
			return
		}
		m := p.Request()
		if query != "" {
			m.SetOption(message.URIQuery, query)
		}
		m.MessageID = c.ep.nextMessageID()
		m.Token = genToken(8)
		if err := c.ep.sendReliable(m, c.remote, now); err != nil {
			p.Abort()
			reply <- err
			return
		}
		c.pull = &pullJob{p: p, query: query, mid: m.MessageID, reply: reply}
		ev := events.New(events.KindTransferStarted)
		ev.Resource = dest
		ev.Transfer = p.ID()
		c.Sink.Emit(ev)
	}
	return dest, <-reply
}

func expectClass(code uint8, class uint8) error {
	if code>>5 != class {
		return &CodeError{Code: code}
	}
	return nil
}

// CodeError reports a non-success response code.
type CodeError struct {
	Code uint8
}

func (e *CodeError) Error() string {
	return "unexpected response code " + message.CodeName(e.Code)
}
