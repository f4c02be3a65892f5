package dpt

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// resizeKind selects the fixed per-scale resize strategy applied after the
// 1x1 projection: the finest scale is blown up 4x, the next 2x, the third is
// left alone and the coarsest is halved.
type resizeKind int

const (
	resizeUp4 resizeKind = iota
	resizeUp2
	resizeIdentity
	resizeDown2
)

var scaleResizes = [NumScales]resizeKind{resizeUp4, resizeUp2, resizeIdentity, resizeDown2}

func (k resizeKind) apply(ctx *context.Context, x *Node) *Node {
	switch k {
	case resizeUp4:
		return upsampleConv(ctx, x, 4)
	case resizeUp2:
		return upsampleConv(ctx, x, 2)
	case resizeIdentity:
		return x
	case resizeDown2:
		return layers.Convolution(ctx, x).
			Filters(x.Shape().Dim(-1)).KernelSize(3).Strides(2).PadSame().Done()
	}
	return x
}

// upsampleConv is a learned sxs-stride-s transposed convolution, written as a
// pointwise convolution to scale² times the channels followed by a
// depth-to-space shuffle. With kernel size equal to stride every output pixel
// depends on exactly one input pixel, which is what this computes.
func upsampleConv(ctx *context.Context, x *Node, scale int) *Node {
	channels := x.Shape().Dim(-1)
	out := layers.Convolution(ctx, x).
		Filters(channels * scale * scale).KernelSize(1).Done()
	return depthToSpace(out, scale)
}

// depthToSpace rearranges (b, h, w, block*block*c) to (b, h*block, w*block, c).
func depthToSpace(x *Node, block int) *Node {
	dims := x.Shape().Dimensions
	b, h, w := dims[0], dims[1], dims[2]
	c := dims[3] / (block * block)
	out := Reshape(x, b, h, w, block, block, c)
	out = TransposeAllDims(out, 0, 1, 3, 2, 4, 5)
	return Reshape(out, b, h*block, w*block, c)
}
