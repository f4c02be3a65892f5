package dpt

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// numProbeSlots is the number of feature pairs the language heads emit when
// probing intermediate depths.
const numProbeSlots = 4

// ProjectorConfig configures the language-feature projection heads.
type ProjectorConfig struct {
	// OutputDim is the width of the projected depth features.
	OutputDim int

	// Depth, DimHead, NumHeads and FFMult shape the resampler layers.
	Depth    int
	DimHead  int
	NumHeads int
	FFMult   int

	// NumTokens is the number of output tokens per feature.
	NumTokens int
}

// Validate returns an error if any field is missing.
func (c *ProjectorConfig) Validate() error {
	if c.OutputDim <= 0 || c.Depth <= 0 || c.DimHead <= 0 || c.NumHeads <= 0 ||
		c.NumTokens <= 0 || c.FFMult <= 0 {
		return errors.Errorf("all projector config fields must be positive: %+v", *c)
	}
	return nil
}

// FeaturePair is one projected feature with an optional auxiliary tensor.
// The heads here never populate Aux; it exists for collaborators that pair
// features with attention maps or losses.
type FeaturePair struct {
	Feature *Node
	Aux     *Node
}

// buildMLP is the two-layer projection used by the probe head: linear → ReLU
// → linear, both layers at the output width.
func buildMLP(ctx *context.Context, x *Node, outputDim int) *Node {
	x = layers.Dense(ctx.In("fc1"), x, true, outputDim)
	x = activations.Relu(x)
	return layers.Dense(ctx.In("fc2"), x, true, outputDim)
}

// DepthProbeHead projects LLM hidden states into depth feature space with
// plain per-slot MLPs, one per probed depth.
type DepthProbeHead struct {
	// OutputDim is the projected feature width.
	OutputDim int
}

// NewDepthProbeHead builds a probe head projecting to config.OutputDim.
func NewDepthProbeHead(config ProjectorConfig) (*DepthProbeHead, error) {
	if config.OutputDim <= 0 {
		return nil, errors.Errorf("dpt.NewDepthProbeHead: output dim must be positive, got %d",
			config.OutputDim)
	}
	return &DepthProbeHead{OutputDim: config.OutputDim}, nil
}

// Forward projects hidden, shaped (batch, ..., hiddenDim), into exactly
// numProbeSlots feature pairs of width OutputDim. The first projection feeds
// both of the first two slots, matching the published checkpoint layout.
func (h *DepthProbeHead) Forward(ctx *context.Context, hidden *Node) []FeaturePair {
	if h.OutputDim <= 0 {
		exceptions.Panicf("dpt.DepthProbeHead: output dim must be positive, got %d", h.OutputDim)
	}
	first := buildMLP(ctx.In("linear_1"), hidden, h.OutputDim)
	return []FeaturePair{
		{Feature: first},
		{Feature: first},
		{Feature: buildMLP(ctx.In("linear_2"), hidden, h.OutputDim)},
		{Feature: buildMLP(ctx.In("linear_3"), hidden, h.OutputDim)},
	}
}

// DepthHead projects LLM hidden states into depth feature space through a
// learned-query Resampler, optionally with auxiliary MLP projections for
// supervising intermediate depths.
type DepthHead struct {
	// UseIntermediateDepth adds 3 auxiliary MLP projections before the
	// resampled primary feature, so Forward emits numProbeSlots pairs
	// instead of one.
	UseIntermediateDepth bool

	resampler Resampler
}

// NewDepthHead builds a depth projection head. llmHiddenDim is the width of
// the incoming hidden states.
func NewDepthHead(config ProjectorConfig, llmHiddenDim int, useIntermediateDepth bool) (*DepthHead, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "dpt.NewDepthHead")
	}
	if llmHiddenDim <= 0 {
		return nil, errors.Errorf("dpt.NewDepthHead: hidden dim must be positive, got %d", llmHiddenDim)
	}
	return &DepthHead{
		UseIntermediateDepth: useIntermediateDepth,
		resampler: Resampler{
			Dim:          config.OutputDim,
			Depth:        config.Depth,
			DimHead:      config.DimHead,
			NumHeads:     config.NumHeads,
			NumQueries:   config.NumTokens,
			EmbeddingDim: llmHiddenDim,
			OutputDim:    config.OutputDim,
			FFMult:       config.FFMult,
		},
	}, nil
}

// Forward projects hidden, shaped (batch, seqLen, hiddenDim) or
// (batch, hiddenDim), into feature pairs: with intermediate depth, 3
// auxiliary MLP projections of the resampled feature come first and the
// resampled feature itself last; without it, only the resampled feature.
func (h *DepthHead) Forward(ctx *context.Context, hidden *Node) []FeaturePair {
	primary := h.resampler.Forward(ctx.In("resampler"), hidden)
	if !h.UseIntermediateDepth {
		return []FeaturePair{{Feature: primary}}
	}
	return intermediatePairs(ctx, primary, h.resampler.OutputDim)
}

// intermediatePairs derives the 3 auxiliary projections from the resampled
// feature and appends the feature itself last.
func intermediatePairs(ctx *context.Context, primary *Node, outputDim int) []FeaturePair {
	pairs := make([]FeaturePair, 0, numProbeSlots)
	for i := range numProbeSlots - 1 {
		aux := buildMLP(ctx.Inf("intermediate_%d", i), primary, outputDim)
		pairs = append(pairs, FeaturePair{Feature: aux})
	}
	return append(pairs, FeaturePair{Feature: primary})
}

// TaskTokenDepthHead is DepthHead with the resampler queries supplied by the
// caller as task tokens, at the LLM hidden width.
type TaskTokenDepthHead struct {
	// UseIntermediateDepth adds 3 auxiliary MLP projections, as in DepthHead.
	UseIntermediateDepth bool

	resampler TaskTokenResampler
}

// NewTaskTokenDepthHead builds a task-token depth projection head.
func NewTaskTokenDepthHead(config ProjectorConfig, llmHiddenDim int, useIntermediateDepth bool) (*TaskTokenDepthHead, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "dpt.NewTaskTokenDepthHead")
	}
	if llmHiddenDim <= 0 {
		return nil, errors.Errorf("dpt.NewTaskTokenDepthHead: hidden dim must be positive, got %d",
			llmHiddenDim)
	}
	return &TaskTokenDepthHead{
		UseIntermediateDepth: useIntermediateDepth,
		resampler: TaskTokenResampler{Resampler{
			Dim:          llmHiddenDim,
			Depth:        config.Depth,
			DimHead:      config.DimHead,
			NumHeads:     config.NumHeads,
			NumQueries:   config.NumTokens,
			EmbeddingDim: llmHiddenDim,
			OutputDim:    config.OutputDim,
			FFMult:       config.FFMult,
		}},
	}, nil
}

// Forward resamples hidden with queries derived from taskTokens. Feature
// pairs are ordered as in DepthHead.Forward.
func (h *TaskTokenDepthHead) Forward(ctx *context.Context, hidden, taskTokens *Node) []FeaturePair {
	primary := h.resampler.Forward(ctx.In("resampler"), hidden, taskTokens)
	if !h.UseIntermediateDepth {
		return []FeaturePair{{Feature: primary}}
	}
	return intermediatePairs(ctx, primary, h.resampler.OutputDim)
}
