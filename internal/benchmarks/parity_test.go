package benchmarks

import (
	"flag"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/gomlx/dpt-gomlx/dpt"
)

var flagParityModel = flag.String("parity_model", "",
	"Path to an ONNX export of the reference depth head, with inputs tokens_0..tokens_3 "+
		"shaped (1, 576, 1024) and a single output. Disabled when empty")

var parityInputNames = []string{"tokens_0", "tokens_1", "tokens_2", "tokens_3"}

// ortInitFn will execute only once.
var ortInitFn = sync.OnceFunc(func() {
	ortPath := os.Getenv("ORT_SO_PATH")
	if ortPath == "" {
		panic("Please set environment ORT_SO_PATH with the path to your ONNX Runtime dynamic linked library")
	}
	ort.SetSharedLibraryPath(ortPath)
	must.M(ort.InitializeEnvironment())
	// Since we may run this function multiple times, we never destroy the environment.
})

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// parityInputs returns the deterministic flat data fed to both runtimes.
func parityInputs() [][]float32 {
	inputs := make([][]float32, dpt.NumScales)
	size := dpt.PatchGrid * dpt.PatchGrid * 1024
	for i := range inputs {
		flat := make([]float32, size)
		scale := 1e-4 * float32(i+1)
		for j := range flat {
			flat[j] = scale * float32(j%251)
		}
		inputs[i] = flat
	}
	return inputs
}

// TestONNXParity runs an exported reference head through ONNX Runtime and
// through the onnx-gomlx conversion, and requires the outputs to match. It
// pins the graph semantics this package implements natively to the original.
// Enable with -parity_model=<file.onnx> and ORT_SO_PATH set.
func TestONNXParity(t *testing.T) {
	if *flagParityModel == "" {
		t.SkipNow()
	}
	if os.Getenv("ORT_SO_PATH") == "" {
		t.Skip("ORT_SO_PATH is not set, skipping ONNX Runtime parity check")
	}
	inputs := parityInputs()
	model := must.M1(onnx.ReadFile(*flagParityModel))
	outputName := model.OutputsNames[0]

	// ONNX Runtime side.
	ortInitFn()
	inputShape := ort.NewShape(1, int64(dpt.PatchGrid*dpt.PatchGrid), 1024)
	ortInputs := sliceMap(inputs, func(flat []float32) ort.Value {
		return must.M1(ort.NewTensor(inputShape, flat))
	})
	session := must.M1(ort.NewDynamicAdvancedSession(
		*flagParityModel,
		parityInputNames,
		[]string{outputName},
		nil))
	defer func() { _ = session.Destroy() }()
	ortOutputs := []ort.Value{nil} // Allocated by Run.
	must.M(session.Run(ortInputs, ortOutputs))
	wantFlat := ortOutputs[0].(*ort.Tensor[float32]).GetData()

	// onnx-gomlx side.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	must.M(model.VariablesToContext(ctx))
	ctx = ctx.Reuse()
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, t0, t1, t2, t3 *graph.Node) *graph.Node {
			g := t0.Graph()
			feeds := map[string]*graph.Node{
				parityInputNames[0]: t0,
				parityInputNames[1]: t1,
				parityInputNames[2]: t2,
				parityInputNames[3]: t3,
			}
			return model.CallGraph(ctx, g, feeds, outputName)[0]
		})
	defer exec.Finalize()

	inputTensors := sliceMap(inputs, func(flat []float32) *tensors.Tensor {
		t := tensors.FromShape(shapes.Make(dtypes.Float32,
			1, dpt.PatchGrid*dpt.PatchGrid, 1024))
		tensors.MutableFlatData[float32](t, func(dst []float32) { copy(dst, flat) })
		return t
	})
	output := exec.MustExec(inputTensors[0], inputTensors[1], inputTensors[2], inputTensors[3])[0]
	var gotFlat []float32
	tensors.ConstFlatData[float32](output, func(flat []float32) {
		gotFlat = append(gotFlat, flat...)
	})
	output.FinalizeAll()

	require.Equal(t, len(wantFlat), len(gotFlat))
	maxDelta := 0.0
	for i := range wantFlat {
		delta := math.Abs(float64(wantFlat[i] - gotFlat[i]))
		maxDelta = math.Max(maxDelta, delta)
		require.InDeltaf(t, wantFlat[i], gotFlat[i], 1e-3, "output value #%d", i)
	}
	t.Logf("parity max delta: %g over %d values", maxDelta, len(wantFlat))
}
