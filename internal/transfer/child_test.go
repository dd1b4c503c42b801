//go:build unix

package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChildShader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shader.glsl")
	require.NoError(t, os.WriteFile(path, []byte(testShader), 0o644))

	seg, err := NewSegment()
	require.NoError(t, err)
	require.NoError(t, RunChild(t.Context(), path, seg, DefaultDecoder{}))

	content, err := seg.ReadContent(0)
	require.NoError(t, err)
	assert.Equal(t, KindShaderSource, content.Kind)
	assert.Equal(t, testShader, content.Source())
}

func TestRunChildPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, opaqueImage(4, 4)), 0o644))

	seg, err := NewSegment()
	require.NoError(t, err)
	require.NoError(t, RunChild(t.Context(), path, seg, DefaultDecoder{}))

	content, err := seg.ReadContent(0)
	require.NoError(t, err)
	assert.Equal(t, KindPixelsRGB8, content.Kind)
	assert.Equal(t, 48, content.PayloadLen())
}

func TestRunChildFailureLeavesSegmentEmpty(t *testing.T) {
	seg, err := NewSegment()
	require.NoError(t, err)

	err = RunChild(t.Context(), filepath.Join(t.TempDir(), "missing.png"), seg, DefaultDecoder{})
	require.Error(t, err)

	_, err = seg.ReadContent(0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRunChildEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.glsl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	seg, err := NewSegment()
	require.NoError(t, err)
	defer func() { _ = seg.Close() }()

	err = RunChild(t.Context(), path, seg, DefaultDecoder{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestParseChildArgs(t *testing.T) {
	args := ChildArgs("/tmp/x.png", 512)
	require.Equal(t, ChildEntry, args[0])

	sniff, path, err := parseChildArgs(args[1:])
	require.NoError(t, err)
	assert.Equal(t, 512, sniff)
	assert.Equal(t, "/tmp/x.png", path)

	_, _, err = parseChildArgs([]string{"x"})
	require.Error(t, err)
	_, _, err = parseChildArgs([]string{"many", "/tmp/x.png"})
	require.Error(t, err)
}
