package coapfs

import (
	"bytes"
	"net"
	"strings"

	"github.com/edgekit/coapfs/internal/message"
)

// Request is one inbound request bound for a handler.
type Request struct {
	Addr *net.UDPAddr
	Msg  *message.Message
}

func (r *Request) Path() string {
	return strings.Join(r.Msg.Path(), "/")
}

func (r *Request) Query() string {
	return r.Msg.Query()
}

func (r *Request) Payload() []byte {
	return r.Msg.Payload
}

// ResponseWriter collects the reply a handler builds. The loop turns
// it into a piggy-backed ACK for confirmable requests and discards it
// for non-confirmable ones.
type ResponseWriter struct {
	code    uint8
	options []message.Option
	buffer  bytes.Buffer
}

// WriteCode sets the response code. The default is Content.
func (w *ResponseWriter) WriteCode(code uint8) {
	w.code = code
}

func (w *ResponseWriter) SetOption(id uint16, v interface{}) {
	for i, o := range w.options {
		if o.ID == id {
			w.options[i].Value = v
			return
		}
	}
	w.options = append(w.options, message.Option{ID: id, Value: v})
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

// Fill materializes the collected response into m. The loop calls it
// on the ACK it is about to send.
func (w *ResponseWriter) Fill(m *message.Message) {
	code := w.code
	if code == 0 {
		code = message.Content
	}
	m.Code = code
	for _, o := range w.options {
		m.AddOption(o.ID, o.Value)
	}
	m.Payload = w.buffer.Bytes()
}

// HandlerFunc serves one request. A returned error becomes a 5.03
// reply.
type HandlerFunc func(w *ResponseWriter, r *Request) error

type route struct {
	method   uint8
	segments []string
	handler  HandlerFunc
	noDedup  bool
}

// Mux routes requests by method and exact path match. Routes are
// static; there are no wildcards.
type Mux struct {
	routes []route
}

func NewMux() *Mux {
	return &Mux{}
}

// Handle registers handler for method requests on path.
func (m *Mux) Handle(method uint8, path string, handler HandlerFunc) {
	m.add(method, path, handler, false)
}

// HandleRaw registers a handler whose requests bypass duplicate
// suppression. Block-streaming GETs need this: every block of a
// transfer reuses the verb and path, and a retransmitted request must
// reproduce the same slice rather than be swallowed.
func (m *Mux) HandleRaw(method uint8, path string, handler HandlerFunc) {
	m.add(method, path, handler, true)
}

func (m *Mux) add(method uint8, path string, handler HandlerFunc, noDedup bool) {
	m.routes = append(m.routes, route{
		method:   method,
		segments: splitPath(path),
		handler:  handler,
		noDedup:  noDedup,
	})
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func (m *Mux) lookup(method uint8, segments []string) (route, bool) {
	for _, rt := range m.routes {
		if rt.method != method {
			continue
		}
		if !sameSegments(rt.segments, segments) {
			continue
		}
		return rt, true
	}
	return route{}, false
}

func sameSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Bypass reports whether the request's route opted out of duplicate
// suppression.
func (m *Mux) Bypass(req *message.Message) bool {
	rt, ok := m.lookup(req.Code, req.Path())
	return ok && rt.noDedup
}

// Dispatch routes the request into its handler and fills w. Misses
// produce 4.04, handler errors 5.03.
func (m *Mux) Dispatch(w *ResponseWriter, r *Request) {
	rt, ok := m.lookup(r.Msg.Code, r.Msg.Path())
	if !ok {
		w.WriteCode(message.NotFound)
		return
	}
	if err := rt.handler(w, r); err != nil {
		*w = ResponseWriter{}
		w.WriteCode(message.ServiceUnavailable)
	}
}
