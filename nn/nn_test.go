package nn

import (
	"bytes"
	"math"
	"testing"
)

const gradTolerance = 1e-6

// scalarLoss weights an output buffer into a single number, giving every
// finite-difference check a fixed downstream gradient.
func scalarLoss(out, weights []float64) float64 {
	var sum float64
	for i := range out {
		sum += out[i] * weights[i]
	}
	return sum
}

// numericalGrad estimates dLoss/dx[i] by central differences.
func numericalGrad(loss func() float64, x []float64, i int) float64 {
	const eps = 1e-6
	orig := x[i]
	x[i] = orig + eps
	lp := loss()
	x[i] = orig - eps
	lm := loss()
	x[i] = orig
	return (lp - lm) / (2 * eps)
}

func checkGrad(t *testing.T, name string, analytic, x []float64, loss func() float64) {
	t.Helper()
	for i := range x {
		want := numericalGrad(loss, x, i)
		if math.Abs(analytic[i]-want) > gradTolerance {
			t.Errorf("%s[%d]: analytic %g, numerical %g", name, i, analytic[i], want)
		}
	}
}

func lossWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.3 + 0.1*float64(i%7)
	}
	return w
}

func TestVariableStoreMemoization(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", nil, 1)

	a := vs.AddParam("w", 2, 3, nil)
	b := vs.AddParam("w", 2, 3, nil)
	if a != b {
		t.Fatal("same name must return the same parameter")
	}

	defer func() {
		if recover() == nil {
			t.Error("re-registering with a different shape must panic")
		}
	}()
	vs.AddParam("w", 3, 2, nil)
}

func TestVariableStoreParamsSortedAndZeroed(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", nil, 1)
	vs.AddParam("b", 1, 2, nil)
	vs.AddParam("a", 1, 2, nil)

	params := vs.Params()
	if len(params) != 2 || params[0].Name != "test/a" || params[1].Name != "test/b" {
		t.Fatalf("Params() order: got %q, %q", params[0].Name, params[1].Name)
	}

	params[0].Grad[0] = 5
	vs.ZeroGrads()
	if params[0].Grad[0] != 0 {
		t.Error("ZeroGrads left a gradient set")
	}
}

func TestLinearForward(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", ZeroInitializer(), 1)
	l := NewLinear(vs, "lin", 2, 2, 1, ActNone)
	copy(l.W.Value, []float64{1, 2, 3, 4}) // row-major 2x2
	copy(l.B.Value, []float64{10, 20})

	dst := make([]float64, 2)
	l.Forward(dst, []float64{1, 1}, 1)

	// [1 1] * [[1 2][3 4]] + [10 20] = [14 26]
	if dst[0] != 14 || dst[1] != 26 {
		t.Errorf("got %v, want [14 26]", dst)
	}
}

func TestLinearBackwardMatchesNumerical(t *testing.T) {
	t.Parallel()
	const rows, in, out = 3, 4, 2
	vs := NewVariableStore("test", UniformInitializer(0.5), 7)
	l := NewLinear(vs, "lin", in, out, rows, ActNone)

	src := []float64{0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8, 0.9, 0.1, 0.2, -0.3}
	dst := make([]float64, rows*out)
	w := lossWeights(rows * out)
	loss := func() float64 {
		l.Forward(dst, src, rows)
		return scalarLoss(dst, w)
	}
	loss()

	dSrc := make([]float64, rows*in)
	l.Backward(dSrc, src, append([]float64(nil), w...), rows)

	checkGrad(t, "W", l.W.Grad, l.W.Value, loss)
	checkGrad(t, "b", l.B.Grad, l.B.Value, loss)
	checkGrad(t, "src", dSrc, src, loss)
}

func TestLinearReluGatesDelta(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", ZeroInitializer(), 1)
	l := NewLinear(vs, "lin", 1, 2, 1, ActReLU)
	copy(l.W.Value, []float64{1, -1})

	dst := make([]float64, 2)
	l.Forward(dst, []float64{2}, 1) // pre = [2, -2] -> out [2, 0]
	if dst[0] != 2 || dst[1] != 0 {
		t.Fatalf("forward got %v", dst)
	}

	dSrc := make([]float64, 1)
	l.Backward(dSrc, []float64{2}, []float64{1, 1}, 1)
	// Only the active unit flows back: dSrc = 1*W[0][0] = 1.
	if dSrc[0] != 1 {
		t.Errorf("dSrc = %f, want 1", dSrc[0])
	}
	if l.W.Grad[1] != 0 {
		t.Errorf("gated unit accumulated weight gradient %f", l.W.Grad[1])
	}
}

func TestMLPShapesAndBackward(t *testing.T) {
	t.Parallel()
	const rows, in, out = 2, 3, 2
	vs := NewVariableStore("test", UniformInitializer(0.4), 11)
	m := NewMLP(vs, "head", in, []int{4}, out, rows)

	src := []float64{0.5, 1.0, 1.5, -0.5, 0.25, 0.75}
	dst := make([]float64, rows*out)
	w := lossWeights(rows * out)
	loss := func() float64 {
		m.Forward(dst, src, rows)
		return scalarLoss(dst, w)
	}
	loss()

	dSrc := make([]float64, rows*in)
	m.Backward(dSrc, append([]float64(nil), w...), rows)
	checkGrad(t, "dSrc", dSrc, src, loss)
}

func TestSumAndLeftComposers(t *testing.T) {
	t.Parallel()
	top := []float64{1, 2, 3, 4}
	second := []float64{10, 20, 30, 40}
	dst := make([]float64, 4)

	SumComposer{Dim: 2}.Forward(dst, top, second, nil, 2)
	for i := range dst {
		if dst[i] != top[i]+second[i] {
			t.Errorf("sum index %d: got %f", i, dst[i])
		}
	}

	LeftComposer{Dim: 2}.Forward(dst, top, second, nil, 2)
	for i := range dst {
		if dst[i] != second[i] {
			t.Errorf("left index %d: got %f", i, dst[i])
		}
	}
}

func TestAffineComposerBackwardMatchesNumerical(t *testing.T) {
	t.Parallel()
	const rows, dim = 2, 3
	vs := NewVariableStore("test", UniformInitializer(0.5), 3)
	c := NewAffineComposer(vs, "compose", dim, rows, ActNone)

	top := []float64{0.1, -0.4, 0.2, 0.5, 0.3, -0.1}
	second := []float64{-0.2, 0.6, 0.1, 0.4, -0.3, 0.2}
	dst := make([]float64, rows*dim)
	w := lossWeights(rows * dim)
	loss := func() float64 {
		c.Forward(dst, top, second, nil, rows)
		return scalarLoss(dst, w)
	}
	loss()

	dTop := make([]float64, rows*dim)
	dSecond := make([]float64, rows*dim)
	c.Backward(dTop, dSecond, nil, top, second, nil, append([]float64(nil), w...), rows)

	checkGrad(t, "Wl", c.Wl.Grad, c.Wl.Value, loss)
	checkGrad(t, "Wr", c.Wr.Grad, c.Wr.Value, loss)
	checkGrad(t, "b", c.B.Grad, c.B.Value, loss)
	checkGrad(t, "top", dTop, top, loss)
	checkGrad(t, "second", dSecond, second, loss)
}

func TestTreeLSTMComposerBackwardMatchesNumerical(t *testing.T) {
	t.Parallel()
	const rows, dim, trackDim = 2, 4, 2
	vs := NewVariableStore("test", UniformInitializer(0.5), 5)
	c, err := NewTreeLSTMComposer(vs, "compose", dim, trackDim, rows)
	if err != nil {
		t.Fatal(err)
	}

	top := []float64{0.1, -0.4, 0.2, 0.5, 0.3, -0.1, 0.4, 0.2}
	second := []float64{-0.2, 0.6, 0.1, 0.4, -0.3, 0.2, 0.5, -0.6}
	tracking := []float64{0.3, -0.2, 0.1, 0.4, -0.1, 0.2, 0.3, -0.4} // rows x 2*trackDim
	dst := make([]float64, rows*dim)
	w := lossWeights(rows * dim)
	loss := func() float64 {
		c.Forward(dst, top, second, tracking, rows)
		return scalarLoss(dst, w)
	}
	loss()

	dTop := make([]float64, rows*dim)
	dSecond := make([]float64, rows*dim)
	dTracking := make([]float64, rows*2*trackDim)
	c.Backward(dTop, dSecond, dTracking, top, second, tracking, append([]float64(nil), w...), rows)

	checkGrad(t, "Ul", c.Ul.Grad, c.Ul.Value, loss)
	checkGrad(t, "Ur", c.Ur.Grad, c.Ur.Value, loss)
	checkGrad(t, "Ext", c.Ext.Grad, c.Ext.Value, loss)
	checkGrad(t, "b", c.B.Grad, c.B.Value, loss)
	checkGrad(t, "top", dTop, top, loss)
	checkGrad(t, "second", dSecond, second, loss)
	checkGrad(t, "tracking", dTracking, tracking, loss)
}

func TestTreeLSTMComposerRejectsOddDim(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", nil, 1)
	if _, err := NewTreeLSTMComposer(vs, "compose", 3, 0, 1); err == nil {
		t.Error("odd model dim must be rejected")
	}
}

func TestLSTMTrackerBackwardMatchesNumerical(t *testing.T) {
	t.Parallel()
	const rows, dim, hidden, actions = 2, 2, 3, 2
	vs := NewVariableStore("test", UniformInitializer(0.5), 9)
	tr := NewLSTMTracker(vs, "track", dim, hidden, actions, rows)
	if tr.StateDim() != 2*hidden {
		t.Fatalf("StateDim() = %d, want %d", tr.StateDim(), 2*hidden)
	}

	prev := []float64{0.1, -0.2, 0.3, 0.2, 0.1, -0.3, 0.4, -0.1, 0.2, -0.2, 0.3, 0.1}
	top := []float64{0.5, -0.5, 0.25, 0.75}
	second := []float64{-0.1, 0.2, 0.3, -0.4}
	bufTop := []float64{0.6, -0.6, 0.2, 0.4}

	newState := make([]float64, rows*2*hidden)
	logits := make([]float64, rows*actions)
	wState := lossWeights(rows * 2 * hidden)
	wLogits := lossWeights(rows * actions)
	loss := func() float64 {
		tr.Forward(newState, logits, prev, top, second, bufTop, rows)
		return scalarLoss(newState, wState) + scalarLoss(logits, wLogits)
	}
	loss()

	dPrev := make([]float64, rows*2*hidden)
	dTop := make([]float64, rows*dim)
	dSecond := make([]float64, rows*dim)
	dBufTop := make([]float64, rows*dim)
	tr.Backward(dPrev, dTop, dSecond, dBufTop, prev, top, second, bufTop,
		append([]float64(nil), wState...), append([]float64(nil), wLogits...), rows)

	checkGrad(t, "W", tr.W.Grad, tr.W.Value, loss)
	checkGrad(t, "U", tr.U.Grad, tr.U.Value, loss)
	checkGrad(t, "b", tr.B.Grad, tr.B.Value, loss)
	checkGrad(t, "A", tr.A.Grad, tr.A.Value, loss)
	checkGrad(t, "Ab", tr.Ab.Grad, tr.Ab.Value, loss)
	checkGrad(t, "prev", dPrev, prev, loss)
	checkGrad(t, "top", dTop, top, loss)
	checkGrad(t, "second", dSecond, second, loss)
	checkGrad(t, "bufTop", dBufTop, bufTop, loss)
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	vs := NewVariableStore("test", UniformInitializer(0.5), 13)
	vs.AddParam("w", 2, 3, nil)
	vs.AddParam("b", 1, 3, nil)

	var buf bytes.Buffer
	if err := vs.Save(&buf); err != nil {
		t.Fatal(err)
	}

	// A freshly seeded twin gets different values, then loads the saved ones.
	other := NewVariableStore("test", UniformInitializer(0.5), 14)
	other.AddParam("w", 2, 3, nil)
	other.AddParam("b", 1, 3, nil)
	if err := other.Load(&buf); err != nil {
		t.Fatal(err)
	}

	want := vs.Params()
	got := other.Params()
	for i := range want {
		for j := range want[i].Value {
			if want[i].Value[j] != got[i].Value[j] {
				t.Fatalf("param %s[%d] differs after load", want[i].Name, j)
			}
		}
	}

	// Shape mismatches are rejected.
	bad := NewVariableStore("test", nil, 1)
	bad.AddParam("w", 3, 2, nil)
	bad.AddParam("b", 1, 3, nil)
	var buf2 bytes.Buffer
	if err := vs.Save(&buf2); err != nil {
		t.Fatal(err)
	}
	if err := bad.Load(&buf2); err == nil {
		t.Error("loading a mismatched shape must fail")
	}
}
