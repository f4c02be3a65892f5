// Package dpt implements a DPT-style ("Dense Prediction Transformer",
// arxiv.org/abs/2103.13413) multi-scale fusion decoder that turns vision
// transformer token features into a dense single-channel depth map, along
// with the projection heads that map language-model hidden states into the
// same depth feature space:
//
//   - Head is the fusion decoder itself, a graph function over 4 scales of
//     ViT tokens producing a (batch, 14*patchH, 14*patchW, 1) map.
//   - Estimator wraps Head at a fixed 336x336 resolution (24x24 patch grid)
//     and offers compiled, gradient-free inference at arbitrary output sizes.
//   - DepthProbeHead, DepthHead and TaskTokenDepthHead project LLM hidden
//     states to depth feature embeddings, the latter two through a
//     perceiver-style attention Resampler.
//
// All Forward methods are GoMLX graph functions: they take a *context.Context
// holding the model variables and panic (with gomlx/exceptions) on contract
// violations such as mismatched shapes or scale counts. Constructors return
// ordinary errors for invalid configurations.
package dpt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// NumScales is the number of feature scales the decoder fuses.
	NumScales = 4

	// PatchSize is the ViT patch size: each patch covers a 14x14 pixel square,
	// so the decoded map has 14x the patch grid resolution.
	PatchSize = 14

	// headMidChannels is the width of the penultimate output convolution.
	headMidChannels = 32
)

// DType used by all model variables.
var DType = dtypes.Float32

// encoderWidths maps the supported encoder variants to their token embedding
// dimension. All released checkpoints use 1024-wide tokens regardless of the
// variant name.
var encoderWidths = map[string]int{
	"vits": 1024,
	"vitb": 1024,
	"vitl": 1024,
	"vitg": 1024,
}

// Config defines a depth decoder Head.
type Config struct {
	// Encoder selects the backbone variant ("vits", "vitb", "vitl" or "vitg")
	// and with it the expected token embedding dimension.
	Encoder string

	// Features is the uniform channel width of the fusion stages.
	Features int

	// OutChannels are the per-scale widths of the 1x1 projections applied
	// before the resize pyramid. Must have NumScales entries.
	OutChannels []int

	// UseBatchNorm enables batch normalization inside the residual units.
	UseBatchNorm bool

	// UseClassToken enables the class-token readout: each scale's class token
	// is broadcast over the patch tokens, concatenated and fused back in by a
	// linear+GELU projection.
	UseClassToken bool
}

// Validate returns an error if the configuration cannot build a Head.
func (c *Config) Validate() error {
	if _, ok := encoderWidths[c.Encoder]; !ok {
		return errors.Errorf("unknown encoder variant %q", c.Encoder)
	}
	if c.Features <= 0 {
		return errors.Errorf("features must be positive, got %d", c.Features)
	}
	if len(c.OutChannels) != NumScales {
		return errors.Errorf("out channels must have %d entries, got %d",
			NumScales, len(c.OutChannels))
	}
	for i, ch := range c.OutChannels {
		if ch <= 0 {
			return errors.Errorf("out channel #%d must be positive, got %d", i, ch)
		}
	}
	return nil
}

// ScaleFeatures is one scale of encoder output: Tokens shaped
// (batch, numTokens, embedDim), and ClassToken shaped (batch, embedDim) when
// the head is configured with UseClassToken (ignored otherwise).
type ScaleFeatures struct {
	Tokens     *Node
	ClassToken *Node
}

// Head is the DPT fusion decoder. Create it with NewHead and apply it with
// Forward; the variables live in whatever context Forward is given.
type Head struct {
	config   Config
	embedDim int
}

// NewHead validates the configuration and returns a decoder head.
func NewHead(config Config) (*Head, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "dpt.NewHead")
	}
	h := &Head{config: config, embedDim: encoderWidths[config.Encoder]}
	klog.V(1).Infof("dpt: new head encoder=%s embed=%d features=%d outChannels=%v",
		config.Encoder, h.embedDim, config.Features, config.OutChannels)
	return h, nil
}

// Config returns a copy of the head's configuration.
func (h *Head) Config() Config { return h.config }

// EmbedDim returns the token embedding dimension the head expects.
func (h *Head) EmbedDim() int { return h.embedDim }

// Forward decodes the 4 scales of encoder features laid out on a
// patchH x patchW grid into a (batch, PatchSize*patchH, PatchSize*patchW, 1)
// map. Tokens must be row-major over the grid. Panics on any shape or count
// violation.
func (h *Head) Forward(ctx *context.Context, features []ScaleFeatures, patchH, patchW int) *Node {
	if len(features) != NumScales {
		exceptions.Panicf("dpt.Head: got %d feature scales, want %d", len(features), NumScales)
	}
	if patchH <= 0 || patchW <= 0 {
		exceptions.Panicf("dpt.Head: invalid patch grid %dx%d", patchH, patchW)
	}

	scaleMaps := make([]*Node, NumScales)
	for i, sf := range features {
		scaleMaps[i] = h.projectScale(ctx, sf, i, patchH, patchW)
	}

	cfg := &h.config
	aligned := ScratchProject(ctx.In("scratch"), scaleMaps, cfg.Features, false)

	block := func() *FusionBlock {
		return &FusionBlock{Features: cfg.Features, UseBatchNorm: cfg.UseBatchNorm}
	}
	spatial := func(x *Node) []int {
		return []int{x.Shape().Dim(1), x.Shape().Dim(2)}
	}
	// Top-down cascade: each stage is resized to the spatial size of the next
	// finer scale, the last one defaults to doubling.
	path := block().Forward(ctx.In("refine4"), aligned[3], nil, spatial(aligned[2]))
	path = block().Forward(ctx.In("refine3"), path, aligned[2], spatial(aligned[1]))
	path = block().Forward(ctx.In("refine2"), path, aligned[1], spatial(aligned[0]))
	path = block().Forward(ctx.In("refine1"), path, aligned[0], nil)

	out := layers.Convolution(ctx.In("head_conv1"), path).
		Filters(cfg.Features / 2).KernelSize(3).PadSame().Done()
	out = bilinearResize(out, PatchSize*patchH, PatchSize*patchW)
	out = layers.Convolution(ctx.In("head_conv2"), out).
		Filters(headMidChannels).KernelSize(3).PadSame().Done()
	out = activations.Relu(out)
	out = layers.Convolution(ctx.In("head_out"), out).
		Filters(1).KernelSize(1).Done()
	return activations.Relu(out)
}

// projectScale turns one scale of tokens into a spatial feature map: optional
// class-token readout, reshape to the patch grid, 1x1 projection to the
// scale's channel width, then the scale's fixed resize.
func (h *Head) projectScale(ctx *context.Context, sf ScaleFeatures, scale, patchH, patchW int) *Node {
	x := sf.Tokens
	if x == nil {
		exceptions.Panicf("dpt.Head: scale #%d has nil tokens", scale)
	}
	x.AssertRank(3)
	batch := x.Shape().Dim(0)
	numTokens := x.Shape().Dim(1)
	if x.Shape().Dim(2) != h.embedDim {
		exceptions.Panicf("dpt.Head: scale #%d tokens have embedding dim %d, encoder %q requires %d",
			scale, x.Shape().Dim(2), h.config.Encoder, h.embedDim)
	}
	if numTokens != patchH*patchW {
		exceptions.Panicf("dpt.Head: scale #%d has %d tokens, patch grid %dx%d requires %d",
			scale, numTokens, patchH, patchW, patchH*patchW)
	}

	if h.config.UseClassToken {
		cls := sf.ClassToken
		if cls == nil {
			exceptions.Panicf("dpt.Head: scale #%d is missing its class token", scale)
		}
		cls.AssertDims(batch, h.embedDim)
		readout := BroadcastToDims(ExpandAxes(cls, 1), batch, numTokens, h.embedDim)
		x = Concatenate([]*Node{x, readout}, -1)
		x = layers.Dense(ctx.Inf("readout_%d", scale), x, true, h.embedDim)
		x = activations.Gelu(x)
	}

	x = Reshape(x, batch, patchH, patchW, h.embedDim)
	x = layers.Convolution(ctx.Inf("project_%d", scale), x).
		Filters(h.config.OutChannels[scale]).KernelSize(1).Done()
	return scaleResizes[scale].apply(ctx.Inf("resize_%d", scale), x)
}
