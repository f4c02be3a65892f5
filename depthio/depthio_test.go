package depthio

import (
	"bytes"
	"image"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDepthMap() [][]float32 {
	return [][]float32{
		{1, 2, 3},
		{4, 5, 9},
	}
}

func TestRange(t *testing.T) {
	minDepth, maxDepth, err := Range(testDepthMap())
	require.NoError(t, err)
	assert.Equal(t, float32(1), minDepth)
	assert.Equal(t, float32(9), maxDepth)

	_, _, err = Range(nil)
	require.Error(t, err)
	_, _, err = Range([][]float32{{}})
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	normalized := must.M1(Normalize(testDepthMap()))
	assert.Equal(t, float32(0), normalized[0][0])
	assert.Equal(t, float32(1), normalized[1][2])
	assert.InDelta(t, 0.5, normalized[1][1], 1e-6)

	// Constant maps normalize to zero instead of dividing by zero.
	flat := must.M1(Normalize([][]float32{{3, 3}, {3, 3}}))
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, flat)

	_, err := Normalize(nil)
	require.Error(t, err)
}

func TestToGray16(t *testing.T) {
	img := must.M1(ToGray16(testDepthMap()))
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), img.Gray16At(2, 1).Y)
}

func TestWritePNG16RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePNG16(&buf, testDepthMap()))

	decoded := must.M1(png.Decode(&buf))
	gray, ok := decoded.(*image.Gray16)
	require.True(t, ok, "expected a 16-bit grayscale PNG, got %T", decoded)
	assert.Equal(t, image.Rect(0, 0, 3, 2), gray.Bounds())
	assert.Equal(t, uint16(0), gray.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(2, 1).Y)
}

func TestSavePNG16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.png")
	require.NoError(t, SavePNG16(path, testDepthMap()))
	require.Error(t, SavePNG16(path, nil))
}

func TestRescale(t *testing.T) {
	depth := testDepthMap()
	out := must.M1(Rescale(depth, 4, 6))
	require.Len(t, out, 4)
	require.Len(t, out[0], 6)
	minDepth, maxDepth, err := Range(out)
	require.NoError(t, err)
	// Interpolated values stay inside the original range.
	assert.GreaterOrEqual(t, minDepth, float32(1))
	assert.LessOrEqual(t, maxDepth, float32(9))

	_, err = Rescale(depth, 0, 6)
	require.Error(t, err)
	_, err = Rescale(nil, 4, 6)
	require.Error(t, err)
}
