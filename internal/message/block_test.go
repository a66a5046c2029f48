package message

import (
	"reflect"
	"testing"
)

func TestSizeFromSZX(t *testing.T) {
	tests := []struct {
		szx  uint32
		size uint32
	}{
		{szx: 0, size: 16},
		{szx: 1, size: 32},
		{szx: 2, size: 64},
		{szx: 3, size: 128},
		{szx: 4, size: 256},
		{szx: 5, size: 512},
		{szx: 6, size: 1024},
		{szx: 7, size: 1024},
		{szx: 99, size: 1024},
	}
	for i, tt := range tests {
		if got, want := SizeFromSZX(tt.szx), tt.size; got != want {
			t.Errorf("case%d: size: %v != %v", i, got, want)
		}
	}
}

func TestBlockOption(t *testing.T) {
	tests := []struct {
		val uint32
		opt BlockOption
	}{
		{val: 0x00, opt: BlockOption{Num: 0, More: false, Size: 16}},
		{val: 0x01, opt: BlockOption{Num: 0, More: false, Size: 32}},
		{val: 0x09, opt: BlockOption{Num: 0, More: true, Size: 32}},
		{val: 0x19, opt: BlockOption{Num: 1, More: true, Size: 32}},
		{val: 0x1e, opt: BlockOption{Num: 1, More: true, Size: 1024}},
		{val: 0x0e, opt: BlockOption{Num: 0, More: true, Size: 1024}},
		{val: 0x646, opt: BlockOption{Num: 100, More: false, Size: 1024}},
	}
	for i, tt := range tests {
		if got, want := ParseBlockOption(tt.val), tt.opt; got != want {
			t.Errorf("case%d: option: %v != %v", i, got, want)
		}
		if got, want := tt.opt.Value(), tt.val; got != want {
			t.Errorf("case%d: value: 0x%x != 0x%x", i, got, want)
		}
	}
}

func TestBlockOptionWireEncoding(t *testing.T) {
	tests := []struct {
		opt BlockOption
		buf []byte
	}{
		{opt: BlockOption{Num: 0, More: true, Size: 1024}, buf: []byte{0x0e}},
		{opt: BlockOption{Num: 100, More: false, Size: 1024}, buf: []byte{0x06, 0x46}},
	}
	for i, tt := range tests {
		if got, want := EncodeUintVariant(tt.opt.Value()), tt.buf; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestParseBlock2(t *testing.T) {
	var m Message
	if _, ok := ParseBlock2(&m); ok {
		t.Errorf("unexpected block2 option")
	}
	m.SetOption(Block2, uint32(0x1e))
	opt, ok := ParseBlock2(&m)
	if !ok {
		t.Fatalf("block2 option not found")
	}
	if got, want := opt, (BlockOption{Num: 1, More: true, Size: 1024}); got != want {
		t.Errorf("got(%v) != want(%v)", got, want)
	}
}
