package blockwise

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

// Verdict tells the receiving loop how to answer an inbound block.
type Verdict int

const (
	// VerdictAck covers both a freshly written block and a
	// retransmitted old one. The sender needs the ACK either way.
	VerdictAck Verdict = iota
	// VerdictIgnore means the block skipped ahead. Staying silent
	// forces the sender to retransmit the one we are waiting for.
	VerdictIgnore
	// VerdictDone means the final block was written and the file is
	// closed.
	VerdictDone
)

// Assembler reassembles a file pushed to us block by block. Block
// zero begins a transfer and picks the destination name from the
// message content format.
type Assembler struct {
	Storage   platform.Storage
	TextName  string
	ImageName string

	id       string
	file     platform.File
	resource string
	expected uint32
	total    int64
	active   bool
}

func (a *Assembler) ID() string       { return a.id }
func (a *Assembler) Resource() string { return a.resource }
func (a *Assembler) Total() int64     { return a.total }
func (a *Assembler) Active() bool     { return a.active }

// Absorb consumes one pushed block. A storage error aborts the
// transfer; the caller maps it to a service-unavailable reply.
func (a *Assembler) Absorb(m *message.Message) (Verdict, error) {
	block, ok := message.ParseBlock2(m)
	if !ok {
		block = message.BlockOption{Size: message.MaxBlockSize, More: false}
	}

	if block.Num == 0 && !a.active {
		if err := a.begin(m); err != nil {
			return VerdictIgnore, err
		}
	}
	if !a.active {
		return VerdictIgnore, nil
	}
	if block.Num < a.expected {
		// Our previous ACK was lost. Acknowledge again, write nothing.
		return VerdictAck, nil
	}
	if block.Num > a.expected {
		return VerdictIgnore, nil
	}

	offset := int64(block.Num) * int64(block.Size)
	if _, err := a.file.Seek(offset, io.SeekStart); err != nil {
		a.Abort()
		return VerdictIgnore, errors.Wrap(err, "seek block")
	}
	if _, err := a.file.Write(m.Payload); err != nil {
		a.Abort()
		return VerdictIgnore, errors.Wrap(err, "write block")
	}
	a.total += int64(len(m.Payload))
	a.expected++

	if !block.More {
		err := a.file.Close()
		a.file = nil
		a.active = false
		if err != nil {
			return VerdictIgnore, errors.Wrap(err, "close assembled file")
		}
		return VerdictDone, nil
	}
	return VerdictAck, nil
}

// begin opens the destination, truncating any prior transfer. The
// content format on block zero decides between the image and text
// destinations; the old numeric alias for JPEG is still honored.
func (a *Assembler) begin(m *message.Message) error {
	a.Abort()
	name := a.TextName
	if cf, ok := m.GetUintOption(message.ContentFormat); ok {
		if cf == message.ImageJPEG || cf == message.ImageJPEGLegacy {
			name = a.ImageName
		}
	}
	f, err := a.Storage.Create(name)
	if err != nil {
		return err
	}
	a.id = uuid.NewString()
	a.file = f
	a.resource = name
	a.expected = 0
	a.total = 0
	a.active = true
	return nil
}

// Abort drops any in-flight transfer.
func (a *Assembler) Abort() {
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
	a.active = false
}
