// Package transfer defines the record a decoding child writes into shared
// memory and the parent reads back once the child has exited.
//
// The layout is a fixed 40 byte header of five native-endian uint64 fields
// followed by payload_len raw bytes:
//
//	kind | width | height | row_stride | payload_len | payload...
//
// There is no version field. Encoder and decoder are this package.
package transfer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind tags the payload of a record.
type Kind uint64

const (
	// KindShaderSource is fragment shader text, passed through verbatim.
	KindShaderSource Kind = 0x420420
	// KindPixelsRGB8 is 8 bit RGB, 3 bytes per pixel.
	KindPixelsRGB8 Kind = 0x69696969
	// KindPixelsRGBA8 is 8 bit non-premultiplied RGBA, 4 bytes per pixel.
	KindPixelsRGBA8 Kind = 0x6969696a
)

func (k Kind) String() string {
	switch k {
	case KindShaderSource:
		return "shader_source"
	case KindPixelsRGB8:
		return "pixels_rgb8"
	case KindPixelsRGBA8:
		return "pixels_rgba8"
	default:
		return fmt.Sprintf("unknown(%#x)", uint64(k))
	}
}

// Channels returns the bytes per pixel of a pixel kind, 0 otherwise.
func (k Kind) Channels() int {
	switch k {
	case KindPixelsRGB8:
		return 3
	case KindPixelsRGBA8:
		return 4
	default:
		return 0
	}
}

// IsPixels reports whether k carries a pixel buffer.
func (k Kind) IsPixels() bool {
	return k.Channels() > 0
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 5 * 8

// Header is the fixed part of a record.
type Header struct {
	Kind       Kind
	Width      uint64
	Height     uint64
	RowStride  uint64
	PayloadLen uint64
}

// MarshalBinary encodes h in wire layout.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.put(b)
	return b, nil
}

func (h Header) put(b []byte) {
	_ = b[HeaderSize-1]
	binary.NativeEndian.PutUint64(b[0:], uint64(h.Kind))
	binary.NativeEndian.PutUint64(b[8:], h.Width)
	binary.NativeEndian.PutUint64(b[16:], h.Height)
	binary.NativeEndian.PutUint64(b[24:], h.RowStride)
	binary.NativeEndian.PutUint64(b[32:], h.PayloadLen)
}

// UnmarshalHeader decodes the header at the start of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: record of %d bytes is shorter than its header", ErrValidation, len(b))
	}
	return Header{
		Kind:       Kind(binary.NativeEndian.Uint64(b[0:])),
		Width:      binary.NativeEndian.Uint64(b[8:]),
		Height:     binary.NativeEndian.Uint64(b[16:]),
		RowStride:  binary.NativeEndian.Uint64(b[24:]),
		PayloadLen: binary.NativeEndian.Uint64(b[32:]),
	}, nil
}

// Validate checks h against the invariants of its kind. available is the
// number of payload bytes actually present after the header.
func (h Header) Validate(available uint64) error {
	if h.PayloadLen > available {
		return fmt.Errorf("%w: payload_len %d exceeds the %d bytes present", ErrValidation, h.PayloadLen, available)
	}

	switch h.Kind {
	case KindShaderSource:
		if h.PayloadLen == 0 {
			return fmt.Errorf("%w: empty shader source", ErrValidation)
		}
		return nil
	case KindPixelsRGB8, KindPixelsRGBA8:
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrValidation, h.Kind)
	}

	if h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrValidation, h.Width, h.Height)
	}
	if h.Width > math.MaxUint32 || h.Height > math.MaxUint32 || h.RowStride > math.MaxUint32 || h.PayloadLen > math.MaxUint32 {
		return fmt.Errorf("%w: dimensions exceed 32 bits", ErrValidation)
	}
	channels := uint64(h.Kind.Channels())
	if h.RowStride%channels != 0 {
		return fmt.Errorf("%w: row stride %d is not a multiple of %d", ErrValidation, h.RowStride, channels)
	}
	if h.RowStride < h.Width*channels {
		return fmt.Errorf("%w: row stride %d is shorter than a row of %d pixels", ErrValidation, h.RowStride, h.Width)
	}
	// Both factors fit in 32 bits, so the product cannot overflow.
	if h.RowStride*h.Height > h.PayloadLen {
		return fmt.Errorf("%w: %d rows of %d bytes exceed payload_len %d", ErrValidation, h.Height, h.RowStride, h.PayloadLen)
	}
	return nil
}

// Decode validates the record in b and copies its payload into a new
// Content. b is not retained.
func Decode(b []byte) (*Content, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(uint64(len(b) - HeaderSize)); err != nil {
		return nil, err
	}

	data := make([]byte, h.PayloadLen)
	copy(data, b[HeaderSize:])
	return &Content{
		Kind:      h.Kind,
		Width:     uint32(h.Width),
		Height:    uint32(h.Height),
		RowStride: uint32(h.RowStride),
		Data:      data,
	}, nil
}

// Encode returns the wire form of a record holding payload.
func Encode(h Header, payload []byte) []byte {
	h.PayloadLen = uint64(len(payload))
	b := make([]byte, HeaderSize+len(payload))
	h.put(b)
	copy(b[HeaderSize:], payload)
	return b
}
