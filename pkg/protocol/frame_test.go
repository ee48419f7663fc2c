package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{
			name: "empty payload",
			frame: Frame{
				Version: Version,
				Type:    TypeLogin,
				Flags:   0,
				Payload: []byte{},
			},
		},
		{
			name: "with payload",
			frame: Frame{
				Version: Version,
				Type:    TypeMessage,
				Flags:   0,
				Payload: []byte("hello"),
			},
		},
		{
			name: "max payload size",
			frame: Frame{
				Version: Version,
				Type:    TypeMessage,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize-3),
			},
		},
		{
			name: "oversized payload",
			frame: Frame{
				Version: Version,
				Type:    TypeMessage,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeFrame(&buf, &tt.frame)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty stream is clean EOF", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.Equal(t, io.EOF, err)
	})

	t.Run("truncated length", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated header", func(t *testing.T) {
		// Length says 3 bytes follow, only one does
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x03, Version}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, Version, byte(TypeLogin), 0x00, 0xAA}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("length below minimum", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x02}))
		assert.ErrorIs(t, err, ErrInvalidFrameLength)
	})

	t.Run("oversized length", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x03, 0x7F, byte(TypeLogin), 0x00}))
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})
}
