// Package blockwise implements segmented transfers on top of the
// Block2 option. Pull drives a client-side download, Assembler
// reassembles a pushed file, Streamer feeds a push one block at a
// time. All three are plain state machines; the owning loop does the
// actual sending.
package blockwise

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

var (
	ErrNoBlock     = errors.New("blockwise: response carries no block option")
	ErrUnexpected  = errors.New("blockwise: block number does not match request")
	ErrTransferEnd = errors.New("blockwise: transfer already finished")
)

// Pull downloads a resource with repeated GETs, one block per
// exchange. The caller sends a request for Next(), feeds the matching
// response to Absorb, and repeats until done.
type Pull struct {
	id       string
	resource string
	dest     platform.File
	size     uint32
	num      uint32
	total    int64
	done     bool
}

// NewPull creates destName in storage and prepares a transfer for the
// remote resource at path. Block size is the largest the option can
// express.
func NewPull(storage platform.Storage, path, destName string) (*Pull, error) {
	f, err := storage.Create(destName)
	if err != nil {
		return nil, err
	}
	return &Pull{
		id:       uuid.NewString(),
		resource: path,
		dest:     f,
		size:     message.MaxBlockSize,
	}, nil
}

func (p *Pull) ID() string       { return p.id }
func (p *Pull) Resource() string { return p.resource }
func (p *Pull) Total() int64     { return p.total }
func (p *Pull) Done() bool       { return p.done }

// Next returns the block option to put on the next GET.
func (p *Pull) Next() message.BlockOption {
	return message.BlockOption{Num: p.num, Size: p.size}
}

// Request builds the GET for the current block. The caller fills in
// the message id and token before sending.
func (p *Pull) Request() *message.Message {
	m := &message.Message{Type: message.CON, Code: message.GET}
	m.SetPath(p.resource)
	m.SetOption(message.Block2, p.Next().Value())
	return m
}

// Absorb consumes one response. It writes the payload at the block's
// offset and reports whether the transfer is complete.
func (p *Pull) Absorb(m *message.Message) (bool, error) {
	if p.done {
		return true, ErrTransferEnd
	}
	block, ok := message.ParseBlock2(m)
	if !ok {
		p.Abort()
		return false, ErrNoBlock
	}
	if block.Num != p.num {
		p.Abort()
		return false, ErrUnexpected
	}
	if _, err := p.dest.Seek(int64(block.Num)*int64(block.Size), io.SeekStart); err != nil {
		p.Abort()
		return false, errors.Wrap(err, "seek")
	}
	if _, err := p.dest.Write(m.Payload); err != nil {
		p.Abort()
		return false, errors.Wrap(err, "write block")
	}
	p.total += int64(len(m.Payload))
	if !block.More {
		p.done = true
		return true, p.dest.Close()
	}
	p.num++
	return false, nil
}

// Abort ends the transfer early and releases the destination file.
func (p *Pull) Abort() {
	if !p.done {
		p.done = true
		p.dest.Close()
	}
}
