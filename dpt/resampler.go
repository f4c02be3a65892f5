package dpt

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Resampler compresses a variable-length sequence of hidden states into a
// fixed set of output tokens, perceiver style: a set of learned query tokens
// cross-attends over the projected hidden states for Depth layers, each layer
// followed by a feed-forward block, then the result is projected to OutputDim
// and layer-normalized.
type Resampler struct {
	// Dim is the working width of the attention layers.
	Dim int

	// Depth is the number of cross-attention + feed-forward layers.
	Depth int

	// DimHead and NumHeads shape the multi-head attention.
	DimHead  int
	NumHeads int

	// NumQueries is the number of learned query tokens, and so the number of
	// output tokens.
	NumQueries int

	// EmbeddingDim is the width of the incoming hidden states.
	EmbeddingDim int

	// OutputDim is the width of the output tokens.
	OutputDim int

	// FFMult scales the feed-forward hidden width relative to Dim.
	FFMult int
}

func (r *Resampler) validate() {
	if r.Dim <= 0 || r.Depth <= 0 || r.DimHead <= 0 || r.NumHeads <= 0 ||
		r.NumQueries <= 0 || r.EmbeddingDim <= 0 || r.OutputDim <= 0 || r.FFMult <= 0 {
		exceptions.Panicf("dpt.Resampler: all fields must be positive: %+v", *r)
	}
}

// Forward resamples hidden, shaped (batch, seqLen, EmbeddingDim) or
// (batch, EmbeddingDim) for a single position, into
// (batch, NumQueries, OutputDim).
func (r *Resampler) Forward(ctx *context.Context, hidden *Node) *Node {
	r.validate()
	g := hidden.Graph()
	batch := hidden.Shape().Dim(0)
	latentsVar := ctx.VariableWithShape("latents", shapes.Make(DType, r.NumQueries, r.Dim))
	queries := BroadcastToDims(ExpandAxes(latentsVar.ValueGraph(g), 0), batch, r.NumQueries, r.Dim)
	return r.resample(ctx, queries, hidden)
}

// resample is the shared core: queries shaped (batch, numQueries, Dim)
// attending over hidden states.
func (r *Resampler) resample(ctx *context.Context, queries, hidden *Node) *Node {
	if hidden.Rank() == 2 {
		hidden = ExpandAxes(hidden, 1)
	}
	hidden.AssertRank(3)
	if hidden.Shape().Dim(-1) != r.EmbeddingDim {
		exceptions.Panicf("dpt.Resampler: hidden states have width %d, want %d",
			hidden.Shape().Dim(-1), r.EmbeddingDim)
	}

	x := layers.Dense(ctx.In("proj_in"), hidden, false, r.Dim)
	latents := queries
	for layer := range r.Depth {
		layerCtx := ctx.Inf("layer_%d", layer)
		attended := layers.MultiHeadAttention(
			layerCtx.In("cross_attention"), latents, x, x, r.NumHeads, r.DimHead).
			SetOutputDim(r.Dim).
			SetValueHeadDim(r.DimHead).
			Done()
		latents = Add(latents, attended)

		ffnCtx := layerCtx.In("ffn")
		ffn := layers.Dense(ffnCtx.In("expand"), latents, true, r.Dim*r.FFMult)
		ffn = activations.Gelu(ffn)
		ffn = layers.Dense(ffnCtx.In("contract"), ffn, true, r.Dim)
		latents = Add(latents, ffn)
	}

	out := layers.Dense(ctx.In("proj_out"), latents, false, r.OutputDim)
	return layers.LayerNormalization(ctx.In("norm_out"), out, -1).Done()
}

// TaskTokenResampler is a Resampler whose queries are supplied by the caller
// as task tokens instead of learned.
type TaskTokenResampler struct {
	Resampler
}

// Forward resamples hidden using queries derived from latents, shaped
// (batch, numQueries, EmbeddingDim) or (batch, EmbeddingDim) for a single
// query token.
func (r *TaskTokenResampler) Forward(ctx *context.Context, hidden, latents *Node) *Node {
	r.validate()
	if latents == nil {
		exceptions.Panicf("dpt.TaskTokenResampler: latents are required")
	}
	if latents.Rank() == 2 {
		latents = ExpandAxes(latents, 1)
	}
	latents.AssertRank(3)
	queries := layers.Dense(ctx.In("latents_proj"), latents, false, r.Dim)
	return r.resample(ctx, queries, hidden)
}
