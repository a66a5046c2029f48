package message

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		code uint8
		want uint8
	}{
		{code: GET, want: 1},
		{code: POST, want: 2},
		{code: PUT, want: 3},
		{code: DELETE, want: 4},
		{code: FETCH, want: 5},
		{code: IPATCH, want: 7},

		{code: Created, want: 65},
		{code: Deleted, want: 66},
		{code: Valid, want: 67},
		{code: Changed, want: 68},
		{code: Content, want: 69},

		{code: BadRequest, want: 128},
		{code: NotFound, want: 132},
		{code: UnsupportedContentFormat, want: 143},

		{code: InternalServerError, want: 160},
		{code: ServiceUnavailable, want: 163},
	}
	for _, tt := range tests {
		if tt.code != tt.want {
			t.Errorf("%s: %d != %d", CodeName(tt.code), tt.code, tt.want)
		}
	}
}

func TestEncodeUintVariant(t *testing.T) {
	tests := []struct {
		val uint32
		buf []byte
	}{
		{val: 0, buf: nil},
		{val: 0x01, buf: []byte{0x01}},
		{val: 0x0201, buf: []byte{0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x03, 0x02, 0x01}},
		{val: 0x04030201, buf: []byte{0x04, 0x03, 0x02, 0x01}},
	}
	for i, tt := range tests {
		if got, want := EncodeUintVariant(tt.val), tt.buf; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestDecodeUintVariant(t *testing.T) {
	tests := []struct {
		val uint32
		buf []byte
	}{
		{val: 0, buf: nil},
		{val: 0x01, buf: []byte{0x01}},
		{val: 0x0201, buf: []byte{0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x03, 0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x00, 0x03, 0x02, 0x01}},
		{val: 0x04030201, buf: []byte{0x04, 0x03, 0x02, 0x01}},
	}
	for i, tt := range tests {
		if got, want := DecodeUintVariant(tt.buf), tt.val; got != want {
			t.Errorf("case%d: got(0x%x) != want(0x%x)", i, got, want)
		}
	}
}

func TestOptionEncoder(t *testing.T) {
	tests := []struct {
		delta uint32
		value []byte
		data  []byte
	}{
		{delta: 0, value: nil, data: []byte{0x00}},
		{delta: 1, value: nil, data: []byte{0x10}},
		{delta: 2, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0x24, 0x00, 0x01, 0x02, 0x03}},
		{delta: 256, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xd4, 0xf3, 0x00, 0x01, 0x02, 0x03}},
		{delta: 512, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xe4, 0x00, 0xf3, 0x00, 0x01, 0x02, 0x03}},
	}
	for i, tt := range tests {
		var buf bytes.Buffer
		e := optionEncoder{w: &buf}
		if err := e.Encode(tt.delta, tt.value); err != nil {
			t.Errorf("case%d: encode option: %v", i, err)
			continue
		}
		if got, want := buf.Bytes(), tt.data; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestOptionDecoder(t *testing.T) {
	tests := []struct {
		data  []byte
		delta uint32
		value []byte
	}{
		{data: []byte{0x00}, delta: 0, value: nil},
		{data: []byte{0x10}, delta: 1, value: nil},
		{data: []byte{0x24, 0x00, 0x01, 0x02, 0x03}, delta: 2, value: []byte{0x00, 0x01, 0x02, 0x03}},
		{data: []byte{0xd4, 0xf3, 0x00, 0x01, 0x02, 0x03}, delta: 256, value: []byte{0x00, 0x01, 0x02, 0x03}},
		{data: []byte{0xe4, 0x00, 0xf3, 0x00, 0x01, 0x02, 0x03}, delta: 512, value: []byte{0x00, 0x01, 0x02, 0x03}},
	}
	for i, tt := range tests {
		buf := bytes.NewBuffer(tt.data)
		flag, _ := buf.ReadByte()
		d := optionDecoder{r: buf}
		delta, value, err := d.Decode(flag)
		if err != nil {
			t.Errorf("case%d: decode option: %v", i, err)
			continue
		}
		if got, want := delta, tt.delta; got != want {
			t.Errorf("case%d: delta: %v != %v", i, got, want)
		}
		if got, want := value, tt.value; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: value: %v != %v", i, got, want)
		}
	}
}

func TestMessageMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		msg Message
	}{
		{
			msg: Message{Type: ACK, Code: 0, MessageID: 1000},
		},
		{
			msg: Message{Type: CON, Code: GET, MessageID: 1, Token: "\x01\x02"},
		},
		{
			msg: Message{
				Type:      CON,
				Code:      GET,
				MessageID: 42,
				Token:     "abcd1234",
				Options: []Option{
					{ID: URIPath, Value: "file"},
					{ID: Block2, Value: uint32(0x1e)},
				},
			},
		},
		{
			msg: Message{
				Type:      CON,
				Code:      IPATCH,
				MessageID: 7,
				Token:     "\xaa",
				Options:   []Option{{ID: URIPath, Value: "file"}},
				Payload:   []byte("append me"),
			},
		},
		{
			msg: Message{
				Type:      ACK,
				Code:      Content,
				MessageID: 9,
				Token:     "tk",
				Options: []Option{
					{ID: ContentFormat, Value: ImageJPEG},
					{ID: Block2, Value: uint32(0x646)},
				},
				Payload: []byte{0xff, 0xd8, 0xff},
			},
		},
	}
	for i, tt := range tests {
		data, err := tt.msg.Marshal()
		if err != nil {
			t.Fatalf("case%d: marshal: %v", i, err)
		}
		var m Message
		if err = m.Unmarshal(data); err != nil {
			t.Fatalf("case%d: unmarshal: %v", i, err)
		}
		if got, want := m, tt.msg; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%+v) != want(%+v)", i, got, want)
		}
	}
}

func TestMessageEncodesOptionsAscending(t *testing.T) {
	m := Message{
		Type:      CON,
		Code:      GET,
		MessageID: 1,
		Options: []Option{
			{ID: Block2, Value: uint32(6)},
			{ID: URIPath, Value: "file"},
			{ID: Observe, Value: uint32(0)},
		},
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err = out.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ids := make([]uint16, 0, len(out.Options))
	for _, o := range out.Options {
		ids = append(ids, o.ID)
	}
	if got, want := ids, []uint16{Observe, URIPath, Block2}; !reflect.DeepEqual(got, want) {
		t.Errorf("option order: got(%v) != want(%v)", got, want)
	}
}

func TestMessageUnmarshalErrors(t *testing.T) {
	tests := []struct {
		data []byte
		err  error
	}{
		{data: nil, err: ErrShortPacket},
		{data: []byte{0x40, 0x01}, err: ErrShortPacket},
		// version 0
		{data: []byte{0x00, 0x01, 0x00, 0x01}, err: ErrBadVersion},
		// version 2
		{data: []byte{0x80, 0x01, 0x00, 0x01}, err: ErrBadVersion},
		// token length 2 with no token bytes
		{data: []byte{0x42, 0x01, 0x00, 0x01}, err: ErrTruncated},
		// token length 9 in header
		{data: []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, err: ErrInvalidTokenLen},
		// option declares 4 value bytes, only 1 present
		{data: []byte{0x40, 0x01, 0x00, 0x01, 0xb4, 'f'}, err: ErrTruncated},
		// reserved option nibble 15 without payload marker semantics
		{data: []byte{0x40, 0x01, 0x00, 0x01, 0xf1, 0x00}, err: ErrInvalidOptionHdr},
	}
	for i, tt := range tests {
		var m Message
		if got, want := m.Unmarshal(tt.data), tt.err; got != want {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestMessagePath(t *testing.T) {
	var m Message
	m.SetPath("/api/file")
	if got, want := m.Path(), []string{"api", "file"}; !reflect.DeepEqual(got, want) {
		t.Errorf("path: got(%v) != want(%v)", got, want)
	}
}
