package stack

import (
	"math"
	"testing"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/nn"
)

const tolerance = 1e-9

// tokenBuffer builds a (B*T)*D buffer where token t of example b is its value
// repeated across the row, making stack contents readable in expectations.
func tokenBuffer(spec core.ModelSpec, tokens [][]float64) []float64 {
	buf := make([]float64, spec.BufferFloats())
	for b, row := range tokens {
		for t, v := range row {
			off := spec.BufferRow(b, t) * spec.ModelDim
			for j := 0; j < spec.ModelDim; j++ {
				buf[off+j] = v
			}
		}
	}
	return buf
}

// flatTransitions lays out per-example transition rows as the engine expects.
func flatTransitions(rows [][]int) []int {
	var out []int
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func plainSpec(b, t, d int) core.ModelSpec {
	return core.ModelSpec{
		ModelDim:  d,
		WordDim:   d,
		BatchSize: b,
		SeqLength: t,
		VocabSize: 10,
	}
}

func TestForwardLeftComposerTrace(t *testing.T) {
	t.Parallel()
	spec := plainSpec(2, 4, 2)
	ts, err := New(spec, Config{}, nn.LeftComposer{Dim: 2}, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	buf := tokenBuffer(spec, [][]float64{{3, 1, 2, 0}, {3, 2, 4, 5}})
	trans := flatTransitions([][]int{{0, 0, 0, 0}, {0, 0, 1, 0}})
	if err := ts.Forward(buf, trans, 0, true); err != nil {
		t.Fatal(err)
	}

	// Example 0 shifts everything; example 1 merges at step 2, where the
	// left-returning composition exposes the first shifted token again, then
	// shifts the still-unconsumed third token.
	wantTops := [][]float64{
		{3, 3},
		{1, 2},
		{2, 3},
		{0, 4},
	}
	trace := ts.StackTrace()
	for step, tops := range wantTops {
		for b, want := range tops {
			got := trace[(step*spec.BatchSize+b)*spec.ModelDim]
			if math.Abs(got-want) > tolerance {
				t.Errorf("step %d example %d: top = %f, want %f", step, b, got, want)
			}
		}
	}
}

func TestForwardAllShiftsEndsOnLastToken(t *testing.T) {
	t.Parallel()
	spec := plainSpec(2, 5, 3)
	ts, err := New(spec, Config{}, nn.SumComposer{Dim: 3}, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	buf := tokenBuffer(spec, [][]float64{{1, 2, 3, 4, 5}, {9, 8, 7, 6, 5}})
	trans := make([]int, spec.BatchSize*spec.SeqLength) // all shifts
	if err := ts.Forward(buf, trans, 0, true); err != nil {
		t.Fatal(err)
	}

	final := ts.Final()
	if got := final[0]; math.Abs(got-5) > tolerance {
		t.Errorf("example 0 final = %f, want 5", got)
	}
	if got := final[spec.ModelDim]; math.Abs(got-5) > tolerance {
		t.Errorf("example 1 final = %f, want 5", got)
	}
}

func TestBackwardSumComposerGradientReachesEveryLeafOnce(t *testing.T) {
	t.Parallel()
	const b, seq, d = 1, 11, 2
	spec := plainSpec(b, seq, d)
	ts, err := New(spec, Config{}, nn.SumComposer{Dim: d}, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	// A full binary-branching derivation: 6 tokens, 5 merges. Under the sum
	// composition the root is the plain sum of the leaves, so each shifted
	// token's gradient row is exactly the error signal.
	trans := []int{0, 0, 1, 0, 1, 0, 0, 0, 1, 1, 1}
	buf := tokenBuffer(spec, [][]float64{{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0}})
	if err := ts.Forward(buf, trans, 0, true); err != nil {
		t.Fatal(err)
	}

	errorSignal := []float64{1, 1}
	dBuffer := make([]float64, spec.BufferFloats())
	if err := ts.Backward(errorSignal, dBuffer, nil); err != nil {
		t.Fatal(err)
	}

	for tok := 0; tok < seq; tok++ {
		want := 0.0
		if tok < 6 {
			want = 1.0
		}
		for j := 0; j < d; j++ {
			got := dBuffer[spec.BufferRow(0, tok)*d+j]
			if math.Abs(got-want) > tolerance {
				t.Errorf("token %d dim %d: gradient %f, want %f", tok, j, got, want)
			}
		}
	}
}

func TestBackwardPartialMergesDoNotCrash(t *testing.T) {
	t.Parallel()
	spec := plainSpec(2, 6, 2)
	ts, err := New(spec, Config{}, nn.SumComposer{Dim: 2}, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Fewer merges than capacity: stacks end with several live entries.
	trans := flatTransitions([][]int{{0, 0, 0, 0, 1, 0}, {0, 0, 0, 0, 0, 0}})
	buf := tokenBuffer(spec, [][]float64{{1, 2, 3, 4, 5, 6}, {1, 2, 3, 4, 5, 6}})
	if err := ts.Forward(buf, trans, 0, true); err != nil {
		t.Fatal(err)
	}
	dBuffer := make([]float64, spec.BufferFloats())
	if err := ts.Backward([]float64{1, 1, 1, 1}, dBuffer, nil); err != nil {
		t.Fatal(err)
	}
}

func TestBackwardWithoutForwardFails(t *testing.T) {
	t.Parallel()
	spec := plainSpec(1, 2, 2)
	ts, err := New(spec, Config{}, nn.SumComposer{Dim: 2}, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}

	dBuffer := make([]float64, spec.BufferFloats())
	if err := ts.Backward([]float64{1, 1}, dBuffer, nil); err != ErrNoTrace {
		t.Errorf("got %v, want ErrNoTrace", err)
	}

	buf := make([]float64, spec.BufferFloats())
	if err := ts.Forward(buf, []int{0, 0}, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := ts.Backward([]float64{1, 1}, nil, nil); err != ErrNilOutput {
		t.Errorf("got %v, want ErrNilOutput", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	spec := core.ModelSpec{
		ModelDim: 4, WordDim: 4, TrackingDim: 2,
		BatchSize: 2, SeqLength: 3, VocabSize: 5, NumActions: 2,
	}
	vs := nn.NewVariableStore("test", nil, 1)
	tracker := nn.NewLSTMTracker(vs, "track", 4, 2, 2, 2)
	composer := nn.SumComposer{Dim: 4}

	tests := []struct {
		name    string
		cfg     Config
		tracker nn.Tracker
		shift   *nn.Linear
		wantErr bool
	}{
		{name: "plain", cfg: Config{}, wantErr: false},
		{name: "tracking", cfg: Config{UseTracking: true}, tracker: tracker, wantErr: false},
		{name: "tracking without tracker", cfg: Config{UseTracking: true}, wantErr: true},
		{name: "predictions without tracker", cfg: Config{UsePredictions: true}, wantErr: true},
		{name: "tracker without tracking", cfg: Config{}, tracker: tracker, wantErr: true},
		{name: "sampling without predictions", cfg: Config{UseTracking: true, UseScheduledSampling: true}, tracker: tracker, wantErr: true},
		{name: "context shift without transform", cfg: Config{UseTracking: true, ContextSensitiveShift: true}, tracker: tracker, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(spec, tt.cfg, composer, tt.tracker, tt.shift, 1)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// buildTracked constructs a tracking engine with deterministic parameters.
func buildTracked(t *testing.T, cfg Config, seed int64) *ThinStack {
	t.Helper()
	spec := core.ModelSpec{
		ModelDim: 4, WordDim: 4, TrackingDim: 2,
		BatchSize: 2, SeqLength: 5, VocabSize: 5, NumActions: 2,
	}
	vs := nn.NewVariableStore("test", nil, 21)
	composer, err := nn.NewTreeLSTMComposer(vs, "compose", spec.ModelDim, spec.TrackingDim, spec.BatchSize)
	if err != nil {
		t.Fatal(err)
	}
	tracker := nn.NewLSTMTracker(vs, "track", spec.ModelDim, spec.TrackingDim, spec.NumActions, spec.BatchSize)
	ts, err := New(spec, cfg, composer, tracker, nil, seed)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func trackedInputs(spec core.ModelSpec) ([]float64, []int) {
	buf := tokenBuffer(spec, [][]float64{{0.5, -1, 2, 0.25, 0}, {1, 0.5, -0.5, 2, 0}})
	trans := flatTransitions([][]int{{0, 0, 1, 0, 1}, {0, 0, 0, 1, 1}})
	return buf, trans
}

func TestScheduledSamplingBoundaries(t *testing.T) {
	t.Parallel()

	// Probability 0 with visible ground truth follows the transitions exactly,
	// matching a plain tracking engine with identical parameters.
	gt := buildTracked(t, Config{UseTracking: true}, 7)
	sampled := buildTracked(t, Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}, 7)
	buf, trans := trackedInputs(gt.Spec())
	buf2 := append([]float64(nil), buf...)

	if err := gt.Forward(buf, trans, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := sampled.Forward(buf2, trans, 0, true); err != nil {
		t.Fatal(err)
	}
	for i := range gt.Final() {
		if math.Abs(gt.Final()[i]-sampled.Final()[i]) > tolerance {
			t.Fatalf("probability 0 diverged from ground truth at %d", i)
		}
	}

	// Probability 1 ignores ground truth entirely, so hiding it changes
	// nothing.
	a := buildTracked(t, Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}, 7)
	b := buildTracked(t, Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}, 7)
	if err := a.Forward(buf, trans, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Forward(buf2, trans, 1, false); err != nil {
		t.Fatal(err)
	}
	for i := range a.Final() {
		if math.Abs(a.Final()[i]-b.Final()[i]) > tolerance {
			t.Fatalf("probability 1 depended on ground-truth visibility at %d", i)
		}
	}
}

func TestForwardDeterministicUnderSeed(t *testing.T) {
	t.Parallel()
	a := buildTracked(t, Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}, 99)
	b := buildTracked(t, Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}, 99)
	buf, trans := trackedInputs(a.Spec())
	buf2 := append([]float64(nil), buf...)

	if err := a.Forward(buf, trans, 0.5, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Forward(buf2, trans, 0.5, true); err != nil {
		t.Fatal(err)
	}
	for i := range a.Final() {
		if a.Final()[i] != b.Final()[i] {
			t.Fatalf("same seed produced different traces at %d", i)
		}
	}
}

func TestBackwardMatchesNumericalThroughReplay(t *testing.T) {
	t.Parallel()
	ts := buildTracked(t, Config{UseTracking: true}, 7)
	spec := ts.Spec()
	b, seq, d, a := spec.BatchSize, spec.SeqLength, spec.ModelDim, spec.NumActions
	buf, trans := trackedInputs(spec)

	wFinal := make([]float64, b*d)
	for i := range wFinal {
		wFinal[i] = 0.3 + 0.1*float64(i%5)
	}
	wAction := make([]float64, seq*b*a)
	for i := range wAction {
		wAction[i] = 0.05 * float64(i%3)
	}
	loss := func() float64 {
		if err := ts.Forward(buf, trans, 0, true); err != nil {
			t.Fatal(err)
		}
		var sum float64
		for i, v := range ts.Final() {
			sum += v * wFinal[i]
		}
		for i, v := range ts.ActionLog() {
			sum += v * wAction[i]
		}
		return sum
	}
	loss()

	dBuffer := make([]float64, spec.BufferFloats())
	if err := ts.Backward(wFinal, dBuffer, append([]float64(nil), wAction...)); err != nil {
		t.Fatal(err)
	}

	const eps = 1e-6
	for i := range buf {
		orig := buf[i]
		buf[i] = orig + eps
		lp := loss()
		buf[i] = orig - eps
		lm := loss()
		buf[i] = orig
		want := (lp - lm) / (2 * eps)
		if math.Abs(dBuffer[i]-want) > 1e-5 {
			t.Errorf("buffer[%d]: analytic %g, numerical %g", i, dBuffer[i], want)
		}
	}
}
