// Package message implements the CoAP wire format: the 4-byte fixed
// header, token, delta-encoded options and payload. The option encoding
// follows the scheme of github.com/dustin/go-coap.
package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
)

// 消息格式
/*
	|       0       |       1       |       2       |       3       |
	|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|Ver| T |  TKL  |      Code     |          Message ID           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Token (if any, TKL bytes) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Options (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|1 1 1 1 1 1 1 1|    Payload (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

var (
	ErrShortPacket      = errors.New("short packet")
	ErrBadVersion       = errors.New("unsupported version")
	ErrTruncated        = errors.New("truncated")
	ErrInvalidTokenLen  = errors.New("invalid token length")
	ErrInvalidOptionHdr = errors.New("invalid option header")
)

// 消息类型
const (
	CON = 0
	NON = 1
	ACK = 2
	RST = 3
)

var typeNames = [4]string{
	CON: "Confirmable",
	NON: "NonConfirmable",
	ACK: "Acknowledgement",
	RST: "Reset",
}

func TypeName(t uint8) string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown (0x%x)", t)
}

// Request Codes
const (
	GET    = 0<<5 | 1
	POST   = 0<<5 | 2
	PUT    = 0<<5 | 3
	DELETE = 0<<5 | 4
	FETCH  = 0<<5 | 5
	IPATCH = 0<<5 | 7
)

// Responses Codes
const (
	Created = 2<<5 | 1
	Deleted = 2<<5 | 2
	Valid   = 2<<5 | 3
	Changed = 2<<5 | 4
	Content = 2<<5 | 5

	BadRequest               = 4<<5 | 0
	Unauthorized             = 4<<5 | 1
	BadOption                = 4<<5 | 2
	Forbidden                = 4<<5 | 3
	NotFound                 = 4<<5 | 4
	MethodNotAllowed         = 4<<5 | 5
	NotAcceptable            = 4<<5 | 6
	PreconditionFailed       = 4<<5 | 12
	RequestEntityTooLarge    = 4<<5 | 13
	UnsupportedContentFormat = 4<<5 | 15

	InternalServerError = 5<<5 | 0
	NotImplemented      = 5<<5 | 1
	BadGateway          = 5<<5 | 2
	ServiceUnavailable  = 5<<5 | 3
	GatewayTimeout      = 5<<5 | 4
)

var codeNames = [256]string{
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	FETCH:                    "FETCH",
	IPATCH:                   "iPATCH",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	BadRequest:               "BadRequest",
	Unauthorized:             "Unauthorized",
	BadOption:                "BadOption",
	Forbidden:                "Forbidden",
	NotFound:                 "NotFound",
	MethodNotAllowed:         "MethodNotAllowed",
	NotAcceptable:            "NotAcceptable",
	PreconditionFailed:       "PreconditionFailed",
	RequestEntityTooLarge:    "RequestEntityTooLarge",
	UnsupportedContentFormat: "UnsupportedContentFormat",
	InternalServerError:      "InternalServerError",
	NotImplemented:           "NotImplemented",
	BadGateway:               "BadGateway",
	ServiceUnavailable:       "ServiceUnavailable",
	GatewayTimeout:           "GatewayTimeout",
}

func CodeName(c uint8) string {
	if codeNames[c] != "" {
		return codeNames[c]
	}
	return fmt.Sprintf("%d.%02d", c>>5, c&0x1f)
}

// IsRequest reports whether the code is in the request class (0.xx).
func IsRequest(c uint8) bool {
	return c != 0 && c>>5 == 0
}

// IsResponse reports whether the code is in a response class (2.xx-5.xx).
func IsResponse(c uint8) bool {
	class := c >> 5
	return class >= 2 && class <= 5
}

// Content-Format values. The image transfer path uses 22 (image/jpeg,
// unregistered); one earlier server build emitted 42 for the same thing,
// so decoders treat 42 as a legacy alias.
const (
	TextPlain       uint32 = 0
	ImageJPEG       uint32 = 22
	ImageJPEGLegacy uint32 = 42
)

// Option IDs
const (
	Observe       = 6
	URIPath       = 11
	ContentFormat = 12
	MaxAge        = 14
	URIQuery      = 15
	Accept        = 17
	Block2        = 23
	Block1        = 27
	Size2         = 28
)

const (
	UnknownValueFormat = iota
	OpaqueValueFormat
	UintValueFormat
	StringValueFormat
)

type optionDef struct {
	name   string
	format int
	minLen int
	maxLen int
}

var optionDefs = map[uint16]optionDef{
	Observe:       {name: "Observe", format: UintValueFormat, minLen: 0, maxLen: 3},
	URIPath:       {name: "Uri-Path", format: StringValueFormat, minLen: 0, maxLen: 255},
	ContentFormat: {name: "Content-Format", format: UintValueFormat, minLen: 0, maxLen: 2},
	MaxAge:        {name: "Max-Age", format: UintValueFormat, minLen: 0, maxLen: 4},
	URIQuery:      {name: "Uri-Query", format: StringValueFormat, minLen: 0, maxLen: 255},
	Accept:        {name: "Accept", format: UintValueFormat, minLen: 0, maxLen: 2},
	Block2:        {name: "Block2", format: UintValueFormat, minLen: 0, maxLen: 3},
	Block1:        {name: "Block1", format: UintValueFormat, minLen: 0, maxLen: 3},
	Size2:         {name: "Size2", format: UintValueFormat, minLen: 0, maxLen: 4},
}

func OptionName(id uint16) string {
	def := optionDefs[id]
	if def.name == "" {
		return fmt.Sprintf("%d", id)
	}
	return def.name
}

type fixHeader struct {
	Flags     uint8
	Code      uint8
	MessageID uint16
}

// Option 消息选项
type Option struct {
	ID    uint16
	Value interface{}
}

// Message COAP消息
type Message struct {
	Type      uint8
	Code      uint8
	MessageID uint16
	Token     string
	Options   []Option
	Payload   []byte
}

func (m Message) String() string {
	if len(m.Token) <= 0 {
		return fmt.Sprintf("%s,%s,%d", TypeName(m.Type), CodeName(m.Code), m.MessageID)
	}
	return fmt.Sprintf("%s,%s,%d,%s", TypeName(m.Type), CodeName(m.Code), m.MessageID, m.visToken())
}

func (m Message) visToken() string {
	var buf bytes.Buffer
	for _, b := range []byte(m.Token) {
		fmt.Fprintf(&buf, "%02x", b)
	}
	return buf.String()
}

func (m *Message) AddOption(id uint16, v interface{}) {
	m.Options = append(m.Options, Option{ID: id, Value: v})
}

func (m *Message) DelOption(id uint16) {
	options := make([]Option, 0, len(m.Options))
	for _, o := range m.Options {
		if o.ID != id {
			options = append(options, o)
		}
	}
	m.Options = options
}

func (m *Message) SetOption(id uint16, v interface{}) {
	m.DelOption(id)
	m.AddOption(id, v)
}

func (m *Message) GetOption(id uint16) interface{} {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value
		}
	}
	return nil
}

func (m *Message) GetOptions(id uint16) (values []interface{}) {
	for _, o := range m.Options {
		if o.ID == id {
			values = append(values, o.Value)
		}
	}
	return values
}

// GetUintOption returns an integer-valued option, false when absent.
func (m *Message) GetUintOption(id uint16) (uint32, bool) {
	v, ok := m.GetOption(id).(uint32)
	return v, ok
}

// Path returns the Uri-Path segments.
func (m *Message) Path() []string {
	values := m.GetOptions(URIPath)
	segments := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			segments = append(segments, s)
		}
	}
	return segments
}

// SetPath splits the path on "/" into Uri-Path options.
func (m *Message) SetPath(path string) {
	m.DelOption(URIPath)
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if segment != "" {
			m.AddOption(URIPath, segment)
		}
	}
}

// Query returns the first Uri-Query option.
func (m *Message) Query() string {
	s, _ := m.GetOption(URIQuery).(string)
	return s
}

func (m *Message) Marshal() ([]byte, error) {
	var err error
	var buf bytes.Buffer

	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}

	// header
	h := fixHeader{
		Flags:     1<<6 | m.Type<<4 | 0x0f&uint8(len(m.Token)),
		Code:      m.Code,
		MessageID: m.MessageID,
	}
	if err = binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, err
	}

	// token
	buf.WriteString(m.Token)

	// options
	sort.SliceStable(m.Options, func(i, j int) bool {
		return m.Options[i].ID < m.Options[j].ID
	})
	var prev uint16
	enc := optionEncoder{w: &buf}
	for _, opt := range m.Options {
		data, err := optionValueToBytes(opt.Value)
		if err != nil {
			return nil, err
		}
		if err = enc.Encode(uint32(opt.ID-prev), data); err != nil {
			return nil, err
		}
		prev = opt.ID
	}

	// payload
	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}

	return buf.Bytes(), nil
}

func (m *Message) Unmarshal(data []byte) (err error) {
	if len(data) < 4 {
		return ErrShortPacket
	}

	buf := bytes.NewBuffer(data)

	// header
	var h fixHeader
	if err = binary.Read(buf, binary.BigEndian, &h); err != nil {
		return err
	}
	if version := h.Flags >> 6; version != 1 {
		return ErrBadVersion
	}
	m.Type = (h.Flags >> 4) & 0x3
	m.Code = h.Code
	m.MessageID = h.MessageID

	// token
	tokenLen := int(h.Flags & 0x0f)
	if tokenLen > 8 {
		return ErrInvalidTokenLen
	}
	if buf.Len() < tokenLen {
		return ErrTruncated
	}
	if tokenLen > 0 {
		token := make([]byte, tokenLen)
		if _, err = io.ReadFull(buf, token); err != nil {
			return err
		}
		m.Token = string(token)
	}

	// options
	var prev uint16
	dec := optionDecoder{r: buf}
	for buf.Len() > 0 {
		flag, err := buf.ReadByte()
		if err != nil {
			return err
		}
		if flag == 0xff {
			break
		}
		delta, data, err := dec.Decode(flag)
		if err != nil {
			return err
		}
		id := prev + uint16(delta)
		val := bytesToOptionValue(id, data)
		if val != nil {
			m.Options = append(m.Options, Option{ID: id, Value: val})
		}
		prev = id
	}

	// payload
	if buf.Len() > 0 {
		m.Payload = make([]byte, buf.Len())
		if _, err = io.ReadFull(buf, m.Payload); err != nil {
			return err
		}
	}

	return nil
}

func encodeUint8(v uint8) []byte {
	b := make([]byte, 1)
	b[0] = v
	return b
}

func encodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func encodeUint24(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b[1:]
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// EncodeUintVariant encodes v as the minimal big-endian byte sequence;
// value 0 encodes as zero bytes.
func EncodeUintVariant(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 256:
		return encodeUint8(uint8(v))
	case v < 65536:
		return encodeUint16(uint16(v))
	case v < 16777216:
		return encodeUint24(v)
	default:
		return encodeUint32(v)
	}
}

// DecodeUintVariant decodes a minimal big-endian byte sequence.
func DecodeUintVariant(b []byte) uint32 {
	data := make([]byte, 4)
	copy(data[4-len(b):], b)
	return binary.BigEndian.Uint32(data)
}

func optionValueToBytes(v interface{}) ([]byte, error) {
	switch tv := v.(type) {
	case string:
		return []byte(tv), nil
	case []byte:
		return tv, nil
	}

	var u uint32
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32:
		u = uint32(rv.Int())

	case reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32:
		u = uint32(rv.Uint())

	default:
		return nil, fmt.Errorf("optionValueToBytes: unsupport type(%s)", rv.Type())
	}
	return EncodeUintVariant(u), nil
}

func bytesToOptionValue(id uint16, buf []byte) interface{} {
	def := optionDefs[id]
	if def.format == UnknownValueFormat {
		return nil
	}
	if l := len(buf); l < def.minLen || l > def.maxLen {
		return nil
	}

	switch def.format {
	case OpaqueValueFormat:
		return buf
	case UintValueFormat:
		return DecodeUintVariant(buf)
	case StringValueFormat:
		return string(buf)
	}
	return nil
}

type encodeWriter interface {
	io.Writer
	io.ByteWriter
}

type decodeReader interface {
	io.Reader
	io.ByteReader
}

type optionEncoder struct {
	w encodeWriter
}

func (e *optionEncoder) Encode(delta uint32, value []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	length := uint32(len(value))
	high, de := e.encodeHeader(delta)
	low, le := e.encodeHeader(length)
	e.writeByte(high<<4 | low)
	e.write(de)
	e.write(le)
	e.write(value)
	return nil
}

func (e *optionEncoder) writeByte(b byte) {
	if err := e.w.WriteByte(b); err != nil {
		panic(err)
	}
}

func (e *optionEncoder) write(p []byte) {
	if len(p) <= 0 {
		return
	}
	if _, err := e.w.Write(p); err != nil {
		panic(err)
	}
}

func (e *optionEncoder) encodeHeader(h uint32) (uint8, []byte) {
	if h < 13 {
		return uint8(h), nil
	} else if h < 269 {
		return 13, encodeUint8(uint8(h - 13))
	} else if h < 269+65535 {
		return 14, encodeUint16(uint16(h - 269))
	}
	panic(fmt.Errorf("encode option: invalid header(%d)", h))
}

type optionDecoder struct {
	r decodeReader
}

func (d *optionDecoder) Decode(flag byte) (delta uint32, value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	low := uint32(flag & 0x0f)
	high := uint32(flag >> 4)
	delta = d.decodeHeader(high)
	length := d.decodeHeader(low)
	value = d.readValue(length)
	return delta, value, nil
}

func (d *optionDecoder) readValue(n uint32) []byte {
	if n <= 0 {
		return nil
	}
	value := make([]byte, n)
	if _, err := io.ReadFull(d.r, value); err != nil {
		panic(ErrTruncated)
	}
	return value
}

func (d *optionDecoder) decodeHeader(h uint32) uint32 {
	if h < 13 {
		return h
	} else if h == 13 {
		return 13 + d.decodeUint8()
	} else if h == 14 {
		return 269 + d.decodeUint16()
	}
	panic(ErrInvalidOptionHdr)
}

func (d *optionDecoder) decodeUint8() uint32 {
	x, err := d.r.ReadByte()
	if err != nil {
		panic(ErrTruncated)
	}
	return uint32(x)
}

func (d *optionDecoder) decodeUint16() uint32 {
	b := make([]byte, 2)
	if _, err := io.ReadFull(d.r, b); err != nil {
		panic(ErrTruncated)
	}
	x := binary.BigEndian.Uint16(b)
	return uint32(x)
}
