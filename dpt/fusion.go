package dpt

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// ResidualConvUnit is the shape-preserving residual block used inside the
// fusion stages: ReLU → 3x3 conv → (BN) → ReLU → 3x3 conv → (BN), added back
// onto the input. Input and output are (batch, height, width, channels).
func ResidualConvUnit(ctx *context.Context, x *Node, useBatchNorm bool) *Node {
	x.AssertRank(4)
	channels := x.Shape().Dim(-1)
	out := activations.Relu(x)
	out = layers.Convolution(ctx.In("conv1"), out).
		Filters(channels).KernelSize(3).PadSame().Done()
	if useBatchNorm {
		out = batchnorm.New(ctx.In("bn1"), out, -1).Done()
	}
	out = activations.Relu(out)
	out = layers.Convolution(ctx.In("conv2"), out).
		Filters(channels).KernelSize(3).PadSame().Done()
	if useBatchNorm {
		out = batchnorm.New(ctx.In("bn2"), out, -1).Done()
	}
	return Add(out, x)
}

// FusionBlock is one stage of the top-down refinement cascade. It optionally
// merges a same-resolution skip connection, refines, upsamples and projects.
type FusionBlock struct {
	// Features is the channel width this block operates at.
	Features int

	// UseBatchNorm toggles batch normalization inside the residual units.
	UseBatchNorm bool

	// Expand halves the channel count in the output projection.
	Expand bool

	// Size, when set, is the fixed (height, width) the block upsamples to.
	// An explicit size passed to Forward takes precedence; when neither is
	// given the block doubles the spatial resolution.
	Size []int
}

// Forward runs the fusion stage. deep is the path coming from the coarser
// stage (or the deepest scale itself); skip, if non-nil, is the
// same-resolution lateral feature map; size, if non-nil, overrides the
// upsample target. Output channels are Features, or Features/2 in expand mode.
func (fb *FusionBlock) Forward(ctx *context.Context, deep, skip *Node, size []int) *Node {
	deep.AssertRank(4)
	if deep.Shape().Dim(-1) != fb.Features {
		exceptions.Panicf("dpt.FusionBlock: input has %d channels, block is configured for %d",
			deep.Shape().Dim(-1), fb.Features)
	}
	out := deep
	if skip != nil {
		if !slices.Equal(skip.Shape().Dimensions, deep.Shape().Dimensions) {
			exceptions.Panicf("dpt.FusionBlock: skip shape %v does not match input shape %v",
				skip.Shape(), deep.Shape())
		}
		out = Add(out, ResidualConvUnit(ctx.In("rcu_skip"), skip, fb.UseBatchNorm))
	}
	out = ResidualConvUnit(ctx.In("rcu_out"), out, fb.UseBatchNorm)

	dims := out.Shape().Dimensions
	var targetH, targetW int
	switch {
	case size != nil:
		targetH, targetW = size[0], size[1]
	case fb.Size != nil:
		targetH, targetW = fb.Size[0], fb.Size[1]
	default:
		targetH, targetW = 2*dims[1], 2*dims[2]
	}
	out = bilinearResize(out, targetH, targetW)

	outFeatures := fb.Features
	if fb.Expand {
		outFeatures = fb.Features / 2
	}
	return layers.Convolution(ctx.In("project"), out).
		Filters(outFeatures).KernelSize(1).Done()
}

// ScratchProject aligns 3 or 4 per-scale feature maps to the fusion width
// with bias-free 3x3 convolutions. With expand the width doubles per level
// (features, 2*features, 4*features, ...); otherwise all levels share the
// same width.
func ScratchProject(ctx *context.Context, scaleMaps []*Node, features int, expand bool) []*Node {
	if len(scaleMaps) != 3 && len(scaleMaps) != 4 {
		exceptions.Panicf("dpt.ScratchProject: got %d scale maps, want 3 or 4", len(scaleMaps))
	}
	aligned := make([]*Node, len(scaleMaps))
	for i, x := range scaleMaps {
		x.AssertRank(4)
		width := features
		if expand {
			width = features << i
		}
		g := x.Graph()
		layerCtx := ctx.Inf("scale_%d", i)
		// Bias-free, so a raw convolution with an explicit kernel variable.
		kernelVar := layerCtx.VariableWithShape("weights",
			shapes.Make(x.DType(), 3, 3, x.Shape().Dim(-1), width))
		aligned[i] = Convolve(x, kernelVar.ValueGraph(g)).PadSame().Done()
	}
	return aligned
}

// bilinearResize resizes a (batch, height, width, channels) feature map to the
// given spatial size with align-corners bilinear interpolation. It is a no-op
// when the map already has that size.
func bilinearResize(x *Node, height, width int) *Node {
	dims := x.Shape().Dimensions
	if dims[1] == height && dims[2] == width {
		return x
	}
	return Interpolate(x, dims[0], height, width, dims[3]).
		Bilinear().AlignCorner(true).HalfPixelCenters(false).Done()
}
