package transfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"unicode/utf8"

	// Formats understood by DefaultDecoder.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pierrec/lz4/v4"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultSniffBytes is how much of a source is inspected to tell shader text
// from binary image data.
const DefaultSniffBytes = 1024

const lz4FrameMagic = 0x184d2204

// Decoder turns raw source bytes into a record header and payload. It runs in
// the child, so it may crash or hang without affecting the parent.
type Decoder interface {
	Decode(src []byte) (Header, []byte, error)
}

// DefaultDecoder classifies sources by content, not by file name:
//
//   - lz4 frames are decompressed first;
//   - if the first SniffBytes are valid UTF-8 without NUL bytes the source is
//     shader text and is passed through unchanged;
//   - anything else goes through image.Decode. Opaque images become RGB8,
//     others non-premultiplied RGBA8, both with tightly packed rows.
type DefaultDecoder struct {
	SniffBytes int
}

// Decode implements Decoder.
func (d DefaultDecoder) Decode(src []byte) (Header, []byte, error) {
	src, err := unwrapLZ4(src)
	if err != nil {
		return Header{}, nil, err
	}
	if len(src) == 0 {
		return Header{}, nil, fmt.Errorf("%w: empty source", ErrUnsupported)
	}

	if looksLikeText(src, d.sniffBytes()) {
		return Header{Kind: KindShaderSource, PayloadLen: uint64(len(src))}, src, nil
	}

	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: decode image: %w", ErrUnsupported, err)
	}
	h, pixels, err := pixelsFromImage(img)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s image: %w", format, err)
	}
	return h, pixels, nil
}

func (d DefaultDecoder) sniffBytes() int {
	if d.SniffBytes > 0 {
		return d.SniffBytes
	}
	return DefaultSniffBytes
}

func unwrapLZ4(src []byte) ([]byte, error) {
	if len(src) < 4 || binary.LittleEndian.Uint32(src) != lz4FrameMagic {
		return src, nil
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 frame: %w", ErrUnsupported, err)
	}
	return out, nil
}

// looksLikeText reports whether the first n bytes of src are UTF-8 text. A
// rune cut in half by the sniff window is tolerated.
func looksLikeText(src []byte, n int) bool {
	truncated := len(src) > n
	if truncated {
		src = src[:n]
	}
	for len(src) > 0 {
		if src[0] == 0 {
			return false
		}
		r, size := utf8.DecodeRune(src)
		if r == utf8.RuneError && size == 1 {
			return truncated && !utf8.FullRune(src)
		}
		src = src[size:]
	}
	return true
}

func pixelsFromImage(img image.Image) (Header, []byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return Header{}, nil, fmt.Errorf("%w: empty image", ErrUnsupported)
	}

	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) || nrgba.Stride != 4*w {
		nrgba = image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(nrgba, nrgba.Rect, img, b.Min, draw.Src)
	}

	if !nrgba.Opaque() {
		return Header{
			Kind:       KindPixelsRGBA8,
			Width:      uint64(w),
			Height:     uint64(h),
			RowStride:  uint64(nrgba.Stride),
			PayloadLen: uint64(len(nrgba.Pix)),
		}, nrgba.Pix, nil
	}

	stride := 3 * w
	pixels := make([]byte, stride*h)
	for i, j := 0, 0; j < len(pixels); i, j = i+4, j+3 {
		copy(pixels[j:j+3], nrgba.Pix[i:i+3])
	}
	return Header{
		Kind:       KindPixelsRGB8,
		Width:      uint64(w),
		Height:     uint64(h),
		RowStride:  uint64(stride),
		PayloadLen: uint64(len(pixels)),
	}, pixels, nil
}
