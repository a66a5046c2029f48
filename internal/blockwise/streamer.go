package blockwise

import (
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/edgekit/coapfs/internal/message"
	"github.com/edgekit/coapfs/internal/platform"
)

// Streamer feeds a push-style transfer one block at a time. Exactly
// one block is in flight; the next one is produced only after OnAck.
type Streamer struct {
	id         string
	resource   string
	file       platform.File
	size       int64
	blockSize  uint32
	num        uint32
	waitingAck bool
	lastMore   bool
	done       bool
	err        error
}

func NewStreamer(storage platform.Storage, name string, blockSize uint32) (*Streamer, error) {
	if blockSize == 0 || blockSize > message.MaxBlockSize {
		blockSize = message.MaxBlockSize
	}
	size, err := storage.Size(name)
	if err != nil {
		return nil, err
	}
	f, err := storage.Open(name)
	if err != nil {
		return nil, err
	}
	return &Streamer{
		id:        uuid.NewString(),
		resource:  name,
		file:      f,
		size:      size,
		blockSize: blockSize,
	}, nil
}

func (s *Streamer) ID() string       { return s.id }
func (s *Streamer) Resource() string { return s.resource }
func (s *Streamer) Size() int64      { return s.size }
func (s *Streamer) Done() bool       { return s.done }
func (s *Streamer) Num() uint32      { return s.num }
func (s *Streamer) Waiting() bool    { return s.waitingAck }

// Err reports the storage failure that ended the transfer, if any.
func (s *Streamer) Err() error { return s.err }

// Next returns the current block and marks it in flight. It returns
// ok=false while an ACK is outstanding or after the transfer ended;
// when the refusal came from a storage failure, Err reports it.
func (s *Streamer) Next() (payload []byte, block message.BlockOption, ok bool) {
	if s.done || s.waitingAck {
		return nil, message.BlockOption{}, false
	}
	offset := int64(s.num) * int64(s.blockSize)
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		s.err = errors.Wrapf(err, "seek %s", s.resource)
		s.Abort()
		return nil, message.BlockOption{}, false
	}
	buf := make([]byte, s.blockSize)
	n, err := io.ReadFull(s.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		s.err = errors.Wrapf(err, "read %s", s.resource)
		s.Abort()
		return nil, message.BlockOption{}, false
	}
	more := offset+int64(n) < s.size
	s.waitingAck = true
	s.lastMore = more
	return buf[:n], message.BlockOption{Num: s.num, More: more, Size: s.blockSize}, true
}

// OnAck clears the in-flight block when num matches it. It reports
// whether the transfer just completed. Acknowledgments for other
// block numbers are stale and change nothing.
func (s *Streamer) OnAck(num uint32) (done bool, err error) {
	if s.done || !s.waitingAck || num != s.num {
		return s.done, nil
	}
	s.waitingAck = false
	if !s.lastMore {
		s.done = true
		if cerr := s.file.Close(); cerr != nil {
			return true, errors.Wrap(cerr, "close streamed file")
		}
		return true, nil
	}
	s.num++
	return false, nil
}

// Abort ends the transfer early, for example on delivery failure.
func (s *Streamer) Abort() {
	if !s.done {
		s.done = true
		s.file.Close()
	}
}
