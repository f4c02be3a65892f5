// Package depthio post-processes depth maps produced by the dpt package:
// min-max normalization, conversion to grayscale images, 16-bit PNG export
// and a CPU-side bilinear rescale for consumers without a backend at hand.
//
// A depth map is a [][]float32 with non-negative values, rows first.
package depthio

import (
	"image"
	"image/png"
	"io"
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"k8s.io/klog/v2"
)

// Range returns the minimum and maximum values of a depth map.
func Range(depth [][]float32) (minDepth, maxDepth float32, err error) {
	if len(depth) == 0 || len(depth[0]) == 0 {
		return 0, 0, errors.New("depthio: empty depth map")
	}
	minDepth, maxDepth = depth[0][0], depth[0][0]
	for _, row := range depth {
		for _, v := range row {
			minDepth = math32.Min(minDepth, v)
			maxDepth = math32.Max(maxDepth, v)
		}
	}
	return minDepth, maxDepth, nil
}

// Normalize rescales a depth map to [0, 1], mapping the minimum to 0 and the
// maximum to 1. A constant map normalizes to all zeros.
func Normalize(depth [][]float32) ([][]float32, error) {
	minDepth, maxDepth, err := Range(depth)
	if err != nil {
		return nil, err
	}
	spread := maxDepth - minDepth
	out := make([][]float32, len(depth))
	for y, row := range depth {
		outRow := make([]float32, len(row))
		if spread > 0 {
			for x, v := range row {
				outRow[x] = (v - minDepth) / spread
			}
		}
		out[y] = outRow
	}
	return out, nil
}

// ToGray16 converts a depth map to a 16-bit grayscale image, mapping the
// map's minimum to 0 and its maximum to 65535.
func ToGray16(depth [][]float32) (*image.Gray16, error) {
	normalized, err := Normalize(depth)
	if err != nil {
		return nil, err
	}
	height, width := len(normalized), len(normalized[0])
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y, row := range normalized {
		for x, v := range row {
			gray := uint16(v*65535 + 0.5)
			offset := y*img.Stride + 2*x
			img.Pix[offset] = uint8(gray >> 8)
			img.Pix[offset+1] = uint8(gray)
		}
	}
	return img, nil
}

// WritePNG16 encodes a depth map as a 16-bit grayscale PNG.
func WritePNG16(w io.Writer, depth [][]float32) error {
	img, err := ToGray16(depth)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return errors.Wrap(err, "depthio: encoding PNG")
	}
	return nil
}

// SavePNG16 writes a depth map to path as a 16-bit grayscale PNG.
func SavePNG16(path string, depth [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "depthio: creating %q", path)
	}
	if err := WritePNG16(f, depth); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "depthio: closing %q", path)
	}
	klog.V(1).Infof("depthio: wrote %dx%d depth map to %s", len(depth[0]), len(depth), path)
	return nil
}

// Rescale resizes a depth map to (height, width) with bilinear interpolation
// on the CPU. It round-trips through 16-bit grayscale, so values are
// quantized to the map's normalized [0, 1] range.
func Rescale(depth [][]float32, height, width int) ([][]float32, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("depthio: invalid target size %dx%d", height, width)
	}
	src, err := ToGray16(depth)
	if err != nil {
		return nil, err
	}
	dst := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	minDepth, maxDepth, _ := Range(depth)
	spread := maxDepth - minDepth
	out := make([][]float32, height)
	for y := range height {
		row := make([]float32, width)
		for x := range width {
			offset := y*dst.Stride + 2*x
			gray := uint16(dst.Pix[offset])<<8 | uint16(dst.Pix[offset+1])
			row[x] = minDepth + spread*float32(gray)/65535
		}
		out[y] = row
	}
	return out, nil
}
