package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (64 KB)
	MaxFrameSize = 64 * 1024

	// Version is the current protocol version
	Version = 1
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (64 KB)")
	ErrInvalidVersion     = errors.New("unsupported protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8   // Protocol version (currently 1)
	Type    MsgType // Message type
	Flags   uint8   // Flags byte (reserved, currently 0)
	Payload []byte  // Message payload
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	// Length covers version, type, flags and payload, not the length field itself
	length := uint32(3 + len(f.Payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Version); err != nil {
		return err
	}
	if err := WriteUint8(w, uint8(f.Type)); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Flags); err != nil {
		return err
	}

	if len(f.Payload) > 0 {
		_, err := w.Write(f.Payload)
		return err
	}
	return nil
}

// DecodeFrame reads a frame from the reader. A clean end-of-stream before the
// first length byte is reported as io.EOF; a stream that ends mid-frame is
// reported as io.ErrUnexpectedEOF.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// Version, type and flags are mandatory
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if header[0] != Version {
		return nil, ErrInvalidVersion
	}

	payload := make([]byte, length-3)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Version: header[0],
		Type:    MsgType(header[1]),
		Flags:   header[2],
		Payload: payload,
	}, nil
}

// EncodeToBytes encodes a frame to a byte slice
func EncodeToBytes(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
