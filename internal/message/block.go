package message

// Block2 option value bitfield: bits [31:4] block number, bit 3 more
// flag, bits [2:0] SZX with block size = 2^(SZX+4).
const (
	szxMask  = 0x07
	moreMask = 1 << 3

	MaxBlockSize = 1024 // SZX 6
)

type BlockOption struct {
	Num  uint32
	More bool
	Size uint32
}

func (o BlockOption) Value() uint32 {
	value := o.Num << 4
	if o.More {
		value |= moreMask
	}
	value |= blockSizeToExponent(o.Size)
	return value
}

func ParseBlockOption(value uint32) BlockOption {
	return BlockOption{
		Num:  value >> 4,
		More: (value & moreMask) == moreMask,
		Size: SizeFromSZX(value & szxMask),
	}
}

// ParseBlock2 returns the message's Block2 option, false when absent.
func ParseBlock2(m *Message) (BlockOption, bool) {
	v, ok := m.GetUintOption(Block2)
	if !ok {
		return BlockOption{}, false
	}
	return ParseBlockOption(v), true
}

// SizeFromSZX converts a size exponent to a block size in bytes,
// clamping exponents above 6 to 1024.
func SizeFromSZX(szx uint32) uint32 {
	if szx > 6 {
		szx = 6
	}
	return 1 << (szx + 4)
}

func blockSizeToExponent(size uint32) uint32 {
	switch size {
	case 16:
		return 0
	case 32:
		return 1
	case 64:
		return 2
	case 128:
		return 3
	case 256:
		return 4
	case 512:
		return 5
	default:
		return 6
	}
}
