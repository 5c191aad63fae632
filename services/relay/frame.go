package relay

import (
	"encoding/binary"
	"errors"
	"io"
)

// frameHeaderSize is 4 length bytes plus the session byte
const frameHeaderSize = 5

// ErrBadFrame reports a stream that closed mid-header or mid-payload
var ErrBadFrame = errors.New("truncated relay frame")

// Frame is one inbound wire frame: a 4-byte big-endian payload length, a
// session byte, then the payload
type Frame struct {
	Session uint8
	Payload []byte
}

// ReadFrame reads one client frame from the stream. Short reads anywhere
// inside the frame return ErrBadFrame wrapping the underlying cause; the
// caller treats both as a normal disconnect.
func ReadFrame(reader io.Reader) (*Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, wrapShortRead(err)
	}

	length := binary.BigEndian.Uint32(header[:4])
	frame := &Frame{
		Session: header[4],
		Payload: make([]byte, length),
	}

	if _, err := io.ReadFull(reader, frame.Payload); err != nil {
		return nil, wrapShortRead(err)
	}

	return frame, nil
}

func wrapShortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrBadFrame
	}
	return err
}
