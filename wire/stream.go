package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/harplog/harp/action"
)

// Reader reads frames from a byte stream. A Reader keeps no state between
// frames other than its buffer, so one is created per connection.
type Reader struct {
	r        *bufio.Reader
	maxFrame int
	header   [HeaderSize]byte
}

func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// ReadFrame returns the next payload. io.EOF is returned only when the stream
// ends cleanly between frames. An oversized length prefix fails with
// ErrFrameTooLarge before any of the payload is read; the stream cannot be
// resynchronised after that and must be closed.
func (r *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated length prefix: %w", ErrDecode, err)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(r.header[:])
	if uint64(n)+HeaderSize > uint64(r.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, uint64(n)+HeaderSize, r.maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated payload: %w", ErrDecode, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return payload, nil
}

// ReadAction reads and decodes the next frame.
func (r *Reader) ReadAction() (action.Action, error) {
	payload, err := r.ReadFrame()
	if err != nil {
		return action.Action{}, err
	}
	return Unmarshal(payload)
}

// Writer encodes actions onto a byte stream.
type Writer struct {
	w        io.Writer
	maxFrame int
}

func NewWriter(w io.Writer, maxFrame int) *Writer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Writer{w: w, maxFrame: maxFrame}
}

func (w *Writer) WriteAction(a action.Action) error {
	frame, err := Encode(a, w.maxFrame)
	if err != nil {
		return err
	}
	_, err = w.w.Write(frame)
	return err
}
