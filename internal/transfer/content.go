package transfer

import "bytes"

// Content is a decoded asset owned by the parent process.
type Content struct {
	Kind      Kind
	Width     uint32
	Height    uint32
	RowStride uint32
	Data      []byte
}

// PayloadLen returns the number of payload bytes.
func (c *Content) PayloadLen() int {
	return len(c.Data)
}

// Source returns the shader text of a KindShaderSource content.
func (c *Content) Source() string {
	if c.Kind != KindShaderSource {
		return ""
	}
	return string(c.Data)
}

// Row returns the pixel bytes of row y without the stride padding.
func (c *Content) Row(y int) []byte {
	if !c.Kind.IsPixels() || y < 0 || y >= int(c.Height) {
		return nil
	}
	start := y * int(c.RowStride)
	return c.Data[start : start+int(c.Width)*c.Kind.Channels()]
}

// Uniforms lists the shadertoy style inputs a shader reads.
type Uniforms struct {
	Time      bool
	TimeDelta bool
	Date      bool
	Frame     bool
	Mouse     bool
}

// Animated reports whether the shader must be redrawn every frame.
func (u Uniforms) Animated() bool {
	return u.Time || u.TimeDelta || u.Date || u.Frame
}

// Uniforms scans shader source for the inputs it references. Pixel content
// references none.
func (c *Content) Uniforms() Uniforms {
	if c.Kind != KindShaderSource {
		return Uniforms{}
	}
	return Uniforms{
		Time:      bytes.Contains(c.Data, []byte("iTime")),
		TimeDelta: bytes.Contains(c.Data, []byte("iTimeDelta")),
		Date:      bytes.Contains(c.Data, []byte("iDate")),
		Frame:     bytes.Contains(c.Data, []byte("iFrame")),
		Mouse:     bytes.Contains(c.Data, []byte("iMouse")),
	}
}
