package dpt

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// InputSize is the square input resolution the estimator decodes at.
	InputSize = 336

	// PatchGrid is the per-side patch count at InputSize: 336/14 = 24, so
	// every scale carries 576 tokens.
	PatchGrid = InputSize / PatchSize
)

// Estimator wraps a Head at the fixed 336x336 resolution and provides
// compiled, gradient-free inference resizable to arbitrary output sizes.
// It owns its variable context; use Context to reach the weights.
//
// It is safe for concurrent use.
type Estimator struct {
	head    *Head
	backend backends.Backend
	ctx     *context.Context

	mu    sync.Mutex
	execs map[[2]int]*context.Exec
}

// NewEstimator creates a depth estimator on the given backend.
func NewEstimator(backend backends.Backend, config Config) (*Estimator, error) {
	head, err := NewHead(config)
	if err != nil {
		return nil, errors.WithMessage(err, "dpt.NewEstimator")
	}
	return &Estimator{
		head:    head,
		backend: backend,
		ctx:     context.New(),
		execs:   make(map[[2]int]*context.Exec),
	}, nil
}

// Head returns the wrapped decoder head.
func (e *Estimator) Head() *Head { return e.head }

// Context returns the context holding the estimator's variables.
func (e *Estimator) Context() *context.Context { return e.ctx }

// Forward is the estimator's graph function: the head applied on the fixed
// 24x24 patch grid, rectified and with the channel axis squeezed, giving a
// non-negative (batch, 336, 336) map. Usable directly in training graphs.
func (e *Estimator) Forward(ctx *context.Context, features []ScaleFeatures) *Node {
	depth := e.head.Forward(ctx, features, PatchGrid, PatchGrid)
	depth = activations.Relu(depth)
	return Squeeze(depth, -1)
}

// forwardResized is Forward followed by a bilinear resize to (height, width).
func (e *Estimator) forwardResized(ctx *context.Context, features []ScaleFeatures, height, width int) *Node {
	depth := e.head.Forward(ctx, features, PatchGrid, PatchGrid)
	depth = activations.Relu(depth)
	depth = bilinearResize(depth, height, width)
	return Squeeze(depth, -1)
}

// exec returns (building and caching on first use) the compiled forward for
// the given output size.
func (e *Estimator) exec(height, width int) *context.Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := [2]int{height, width}
	if exec, ok := e.execs[key]; ok {
		return exec
	}
	ctx := e.ctx
	if len(e.execs) > 0 {
		// Variables already exist from a previous compilation.
		ctx = ctx.Reuse()
	}
	var exec *context.Exec
	if e.head.config.UseClassToken {
		exec = context.MustNewExec(e.backend, ctx,
			func(ctx *context.Context, inputs []*Node) *Node {
				t0, t1, t2, t3 := inputs[0], inputs[1], inputs[2], inputs[3]
				c0, c1, c2, c3 := inputs[4], inputs[5], inputs[6], inputs[7]
				features := []ScaleFeatures{
					{Tokens: t0, ClassToken: c0},
					{Tokens: t1, ClassToken: c1},
					{Tokens: t2, ClassToken: c2},
					{Tokens: t3, ClassToken: c3},
				}
				return e.forwardResized(ctx, features, height, width)
			})
	} else {
		exec = context.MustNewExec(e.backend, ctx,
			func(ctx *context.Context, t0, t1, t2, t3 *Node) *Node {
				features := []ScaleFeatures{
					{Tokens: t0}, {Tokens: t1}, {Tokens: t2}, {Tokens: t3},
				}
				return e.forwardResized(ctx, features, height, width)
			})
	}
	klog.V(1).Infof("dpt: compiled estimator forward for output %dx%d", height, width)
	e.execs[key] = exec
	return exec
}

// Infer runs the compiled forward pass over one batch of encoder features and
// returns the depth maps resized to (height, width) as plain Go data, shaped
// [batch][height][width], detached from any graph. tokens must hold the 4
// scales; classTokens likewise when the head uses class tokens (nil
// otherwise). No gradient is ever built on this path.
func (e *Estimator) Infer(height, width int, tokens, classTokens []*tensors.Tensor) (depth [][][]float32, err error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("dpt.Estimator.Infer: invalid output size %dx%d", height, width)
	}
	if len(tokens) != NumScales {
		return nil, errors.Errorf("dpt.Estimator.Infer: got %d token tensors, want %d",
			len(tokens), NumScales)
	}
	if e.head.config.UseClassToken && len(classTokens) != NumScales {
		return nil, errors.Errorf("dpt.Estimator.Infer: got %d class token tensors, want %d",
			len(classTokens), NumScales)
	}
	err = exceptions.TryCatch[error](func() {
		exec := e.exec(height, width)
		args := make([]any, 0, 2*NumScales)
		for _, t := range tokens {
			args = append(args, t)
		}
		if e.head.config.UseClassToken {
			for _, t := range classTokens {
				args = append(args, t)
			}
		}
		out := exec.MustExec(args...)[0]
		depth = out.Value().([][][]float32)
		out.FinalizeAll()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "dpt.Estimator.Infer(%dx%d)", height, width)
	}
	return depth, nil
}

// Finalize releases the compiled executables. The estimator must not be used
// afterwards.
func (e *Estimator) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, exec := range e.execs {
		exec.Finalize()
	}
	e.execs = nil
}
