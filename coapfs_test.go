package coapfs

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgekit/coapfs/internal/events"
	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

type chanSink struct {
	ch chan events.Event
}

func (s chanSink) Emit(ev events.Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

func waitEvent(t *testing.T, ch chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// serveFileBlocks is the block-slicing GET handler the server daemon
// registers for its file resource.
func serveFileBlocks(storage platform.Storage, name string) HandlerFunc {
	return func(w *ResponseWriter, r *Request) error {
		block := message.BlockOption{Size: message.MaxBlockSize}
		if b, ok := message.ParseBlock2(r.Msg); ok {
			block = b
		}
		size, err := storage.Size(name)
		if err != nil {
			w.WriteCode(message.NotFound)
			return nil
		}
		f, err := storage.Open(name)
		if err != nil {
			w.WriteCode(message.NotFound)
			return nil
		}
		defer f.Close()
		offset := int64(block.Num) * int64(block.Size)
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		buf := make([]byte, block.Size)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		out := message.BlockOption{Num: block.Num, More: offset+int64(n) < size, Size: block.Size}
		w.SetOption(message.Block2, out.Value())
		w.SetOption(message.ContentFormat, message.TextPlain)
		w.Write(buf[:n])
		return nil
	}
}

// dialServer starts a Server around mux on the loopback interface and
// returns a raw socket speaking to it.
func dialServer(t *testing.T, mux *Mux) (*Server, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{Mux: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, conn)

	raw, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return srv, raw
}

func sendRaw(t *testing.T, raw *net.UDPConn, m *message.Message) {
	t.Helper()
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := raw.Write(data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func readRaw(t *testing.T, raw *net.UDPConn) *message.Message {
	t.Helper()
	raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 2048)
	n, err := raw.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m message.Message
	if err := m.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return &m
}

// dispatchCount reads loop-owned state through a posted command.
func dispatchCount(srv *Server, calls *int) int {
	reply := make(chan int, 1)
	srv.commands() <- func(time.Time) { reply <- *calls }
	return <-reply
}

func TestDuplicateRequestSuppression(t *testing.T) {
	calls := 0
	mux := NewMux()
	mux.Handle(message.PUT, "actuators", func(w *ResponseWriter, r *Request) error {
		calls++
		w.WriteCode(message.Changed)
		return nil
	})
	mux.Handle(message.GET, "buttons", func(w *ResponseWriter, r *Request) error {
		w.Write([]byte("BTN1=OFF"))
		return nil
	})
	srv, raw := dialServer(t, mux)

	// A confirmable request and its retransmission: the handler runs
	// once, the retransmission only buys a fresh empty ACK.
	put := &message.Message{Type: message.CON, Code: message.PUT, MessageID: 4242, Payload: []byte("LED=ON")}
	put.SetPath("actuators")
	sendRaw(t, raw, put)
	first := readRaw(t, raw)
	if first.Type != message.ACK || first.MessageID != 4242 || first.Code != message.Changed {
		t.Fatalf("first reply: got(%v)", first)
	}
	sendRaw(t, raw, put)
	second := readRaw(t, raw)
	if second.Type != message.ACK || second.MessageID != 4242 {
		t.Fatalf("retransmission got no ACK: got(%v)", second)
	}
	if second.Code != 0 {
		t.Fatalf("duplicate reply must be an empty ACK, code(%v)", message.CodeName(second.Code))
	}
	if n := dispatchCount(srv, &calls); n != 1 {
		t.Fatalf("duplicate CON request dispatched %d times, want 1", n)
	}

	// A non-confirmable request gets no reply, but its retransmission
	// must be suppressed all the same.
	non := &message.Message{Type: message.NON, Code: message.PUT, MessageID: 777, Payload: []byte("LED=OFF")}
	non.SetPath("actuators")
	sendRaw(t, raw, non)
	sendRaw(t, raw, non)

	// A trailing confirmable GET orders us behind both NON datagrams;
	// its ACK means the loop has seen them.
	fence := &message.Message{Type: message.CON, Code: message.GET, MessageID: 4243}
	fence.SetPath("buttons")
	sendRaw(t, raw, fence)
	if reply := readRaw(t, raw); reply.Type != message.ACK || reply.MessageID != 4243 {
		t.Fatalf("fence reply: got(%v)", reply)
	}
	if n := dispatchCount(srv, &calls); n != 2 {
		t.Fatalf("duplicate NON request dispatched %d times, want 1", n-1)
	}
}

func TestClientServerExchange(t *testing.T) {
	serverDir := t.TempDir()
	clientDir := t.TempDir()
	serverStorage, err := platform.NewDir(serverDir)
	if err != nil {
		t.Fatalf("server storage: %v", err)
	}
	clientStorage, err := platform.NewDir(clientDir)
	if err != nil {
		t.Fatalf("client storage: %v", err)
	}

	fileData := pattern(2*message.MaxBlockSize + 300)
	if err := os.WriteFile(filepath.Join(serverDir, "server.txt"), fileData, 0o644); err != nil {
		t.Fatalf("seed server file: %v", err)
	}

	var actuators []byte
	mux := NewMux()
	mux.Handle(message.GET, "actuators", func(w *ResponseWriter, r *Request) error {
		w.SetOption(message.ContentFormat, message.TextPlain)
		w.Write(actuators)
		return nil
	})
	mux.Handle(message.PUT, "actuators", func(w *ResponseWriter, r *Request) error {
		actuators = append([]byte(nil), r.Payload()...)
		w.WriteCode(message.Changed)
		w.Write([]byte("OK"))
		return nil
	})
	mux.Handle(message.GET, "buttons", func(w *ResponseWriter, r *Request) error {
		w.Write([]byte("BTN1=OFF"))
		return nil
	})
	mux.HandleRaw(message.GET, "file", serveFileBlocks(serverStorage, "server.txt"))

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serverEvents := chanSink{ch: make(chan events.Event, 64)}
	clientEvents := chanSink{ch: make(chan events.Event, 64)}

	srv := &Server{
		Mux:     mux,
		Storage: serverStorage,
		Sink:    serverEvents,
	}
	client := &Client{
		Server:  conn.LocalAddr().String(),
		Storage: clientStorage,
		Sink:    clientEvents,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, conn)
	go client.Run(ctx)

	// Plain request/response.
	if err := client.Put("actuators", []byte("LED=ON")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	state, err := client.Get("actuators")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(state) != "LED=ON" {
		t.Fatalf("actuators: got(%q) != want(%q)", state, "LED=ON")
	}

	// Unknown route.
	if _, err := client.Get("missing"); err == nil {
		t.Fatalf("Get on an unknown route must fail")
	}

	// Observe registration and a small notification.
	if err := client.Subscribe("buttons"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitEvent(t, serverEvents.ch, events.KindSubscriberAdded)
	if n := srv.Notify([]byte("BTN1=ON"), message.TextPlain); n != 1 {
		t.Fatalf("Notify: got(%d) != want(%d)", n, 1)
	}
	ev := waitEvent(t, clientEvents.ch, events.KindNotification)
	if ev.Detail != "BTN1=ON" {
		t.Fatalf("notification: got(%q) != want(%q)", ev.Detail, "BTN1=ON")
	}

	// Blockwise pull of the server's file.
	dest, err := client.PullFile(false)
	if err != nil {
		t.Fatalf("PullFile: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(clientDir, dest))
	if err != nil {
		t.Fatalf("read pulled file: %v", err)
	}
	if !bytes.Equal(got, fileData) {
		t.Fatalf("pulled file differs: got %d bytes want %d", len(got), len(fileData))
	}

	// Blockwise push to the subscriber.
	if _, err := srv.StartTransfer("server.txt", message.TextPlain); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	waitEvent(t, clientEvents.ch, events.KindTransferDone)
	waitEvent(t, serverEvents.ch, events.KindTransferDone)
	got, err = os.ReadFile(filepath.Join(clientDir, "from_server.txt"))
	if err != nil {
		t.Fatalf("read pushed file: %v", err)
	}
	if !bytes.Equal(got, fileData) {
		t.Fatalf("pushed file differs: got %d bytes want %d", len(got), len(fileData))
	}

	// The control snapshot sees the subscriber.
	status := srv.Snapshot()
	if len(status.Subscribers) != 1 {
		t.Fatalf("subscribers: got(%d) != want(%d)", len(status.Subscribers), 1)
	}
}
