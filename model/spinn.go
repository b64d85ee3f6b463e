package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/kernels"
	"github.com/sbl8/thinstack/nn"
	"github.com/sbl8/thinstack/stack"
)

// Variant names the four historical model configurations.
type Variant int

const (
	// Model0 follows ground-truth transitions with no tracking unit.
	Model0 Variant = iota
	// Model1 adds the tracking LSTM but still follows ground truth.
	Model1
	// Model2 follows its own predicted transitions.
	Model2
	// Model2S mixes ground truth and predictions by scheduled sampling.
	Model2S
)

// ParseVariant maps the configuration-file spelling to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "model0":
		return Model0, nil
	case "model1":
		return Model1, nil
	case "model2":
		return Model2, nil
	case "model2s":
		return Model2S, nil
	}
	return 0, fmt.Errorf("model: unknown variant %q", s)
}

func (v Variant) String() string {
	switch v {
	case Model0:
		return "model0"
	case Model1:
		return "model1"
	case Model2:
		return "model2"
	case Model2S:
		return "model2s"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// StackConfig translates the variant into engine capabilities.
func (v Variant) StackConfig() stack.Config {
	switch v {
	case Model1:
		return stack.Config{UseTracking: true}
	case Model2:
		return stack.Config{UseTracking: true, UsePredictions: true}
	case Model2S:
		return stack.Config{UseTracking: true, UsePredictions: true, UseScheduledSampling: true}
	}
	return stack.Config{}
}

// Options configures a SPINN classifier.
type Options struct {
	Spec       core.ModelSpec
	Variant    Variant
	NumClasses int
	MLPHidden  []int

	// ContextSensitiveShift routes shifted tokens through a learned transform
	// of [tracking-hidden || token]. Requires a tracking variant.
	ContextSensitiveShift bool

	// TransitionWeight scales the auxiliary cross-entropy on the predicted
	// transitions. Zero disables the auxiliary loss.
	TransitionWeight float64

	// Embeddings optionally seeds the token table with pretrained vectors
	// (VocabSize x WordDim).
	Embeddings *mat.Dense

	Seed int64
}

// Batch is one minibatch in flat row-major layout: Tokens and Transitions are
// B*T with row b*T+t, Labels is B.
type Batch struct {
	Tokens      []int
	Transitions []int
	Labels      []int
}

// Metrics reports one forward pass.
type Metrics struct {
	Loss           float64 // ClassLoss + weight * TransitionLoss
	ClassLoss      float64
	TransitionLoss float64
	Accuracy       float64
}

// SPINN is the full classifier: embedding lookup, leaf projection, thin-stack
// encoder and MLP head, trained end to end through the engine's replay.
type SPINN struct {
	opts   Options
	spec   core.ModelSpec
	vs     *nn.VariableStore
	embed  *Embedding
	leaf   *nn.Linear
	engine *stack.ThinStack
	head   *nn.MLP

	// Per-batch state, sized once.
	raw     []float64 // (B*T) x wordDim embedded tokens
	buffer  []float64 // (B*T) x D projected tokens
	dBuffer []float64
	dRaw    []float64
	logits  []float64 // B x numClasses
	probs   []float64
	dLogits []float64
	dFinal  []float64 // B x D
	dAction []float64 // T*B*A, nil without a tracking unit
	preds   []int
	tokens  []int // tokens of the pending batch, for embedding grads
}

// New builds a SPINN for the given options. Every learned parameter lives in
// one variable store so the optimizer sees a single flat parameter list.
func New(opts Options) (*SPINN, error) {
	spec := opts.Spec
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if opts.NumClasses < 2 {
		return nil, fmt.Errorf("model: %d classes, need at least 2", opts.NumClasses)
	}
	cfg := opts.Variant.StackConfig()
	cfg.ContextSensitiveShift = opts.ContextSensitiveShift
	if opts.ContextSensitiveShift && !cfg.UseTracking {
		return nil, fmt.Errorf("model: context-sensitive shift requires a tracking variant, got %s", opts.Variant)
	}

	b, t, d := spec.BatchSize, spec.SeqLength, spec.ModelDim
	vs := nn.NewVariableStore("spinn", nil, opts.Seed)

	m := &SPINN{
		opts: opts,
		spec: spec,
		vs:   vs,

		raw:     make([]float64, b*t*spec.WordDim),
		buffer:  core.AlignedFloats(spec.BufferFloats()),
		dBuffer: core.AlignedFloats(spec.BufferFloats()),
		dRaw:    make([]float64, b*t*spec.WordDim),
		logits:  make([]float64, b*opts.NumClasses),
		probs:   make([]float64, b*opts.NumClasses),
		dLogits: make([]float64, b*opts.NumClasses),
		dFinal:  make([]float64, b*d),
		preds:   make([]int, b),
	}

	var err error
	m.embed, err = NewEmbedding(vs, "embeddings", spec.VocabSize, spec.WordDim, opts.Embeddings)
	if err != nil {
		return nil, err
	}
	m.leaf = nn.NewLinear(vs, "leaf", spec.WordDim, d, b*t, nn.ActNone)

	var composer nn.Composer
	var tracker nn.Tracker
	var shift *nn.Linear
	if cfg.UseTracking {
		tl, err := nn.NewTreeLSTMComposer(vs, "compose", d, spec.TrackingDim, b)
		if err != nil {
			return nil, err
		}
		composer = tl
		tracker = nn.NewLSTMTracker(vs, "track", d, spec.TrackingDim, spec.NumActions, b)
		// The action head trains under the auxiliary loss on every tracking
		// variant, whether or not the engine routes by its predictions.
		m.dAction = make([]float64, t*b*spec.NumActions)
		if cfg.ContextSensitiveShift {
			shift = nn.NewLinear(vs, "shift", spec.TrackingDim+d, d, b, nn.ActNone)
		}
	} else {
		composer = nn.NewAffineComposer(vs, "compose", d, b, nn.ActReLU)
	}

	m.engine, err = stack.New(spec, cfg, composer, tracker, shift, opts.Seed+1)
	if err != nil {
		return nil, err
	}
	m.head = nn.NewMLP(vs, "classifier", d, opts.MLPHidden, opts.NumClasses, b)
	return m, nil
}

// Store exposes the parameter store, primarily for the optimizer.
func (m *SPINN) Store() *nn.VariableStore { return m.vs }

// Spec returns the model's dimensions.
func (m *SPINN) Spec() core.ModelSpec { return m.spec }

// Predictions returns the class predictions of the most recent Forward. The
// slice is reused across batches.
func (m *SPINN) Predictions() []int { return m.preds }

// Forward runs one minibatch end to end and reports losses and accuracy.
// train controls ground-truth visibility for scheduled sampling; samplingProb
// is the per-step probability of using the model's own transition prediction.
func (m *SPINN) Forward(batch *Batch, samplingProb float64, train bool) (Metrics, error) {
	spec := m.spec
	b, t := spec.BatchSize, spec.SeqLength
	var mt Metrics

	if len(batch.Tokens) != b*t {
		return mt, fmt.Errorf("model: batch has %d tokens, want %d", len(batch.Tokens), b*t)
	}
	if len(batch.Labels) != b {
		return mt, fmt.Errorf("model: batch has %d labels, want %d", len(batch.Labels), b)
	}
	if batch.Transitions != nil && len(batch.Transitions) != b*t {
		return mt, fmt.Errorf("model: batch has %d transitions, want %d", len(batch.Transitions), b*t)
	}

	if err := m.embed.Lookup(m.raw, batch.Tokens); err != nil {
		return mt, err
	}
	m.tokens = batch.Tokens
	m.leaf.Forward(m.buffer, m.raw, b*t)

	if err := m.engine.Forward(m.buffer, batch.Transitions, samplingProb, train); err != nil {
		return mt, err
	}

	m.head.Forward(m.logits, m.engine.Final(), b)
	c := m.opts.NumClasses
	copy(m.probs, m.logits)
	kernels.SoftmaxRows(m.probs, c)
	kernels.ArgmaxRows(m.preds, m.logits, c)

	correct := 0
	for i, label := range batch.Labels {
		if label < 0 || label >= c {
			return mt, fmt.Errorf("model: label %d outside %d classes", label, c)
		}
		mt.ClassLoss += -logSafe(m.probs[i*c+label])
		if m.preds[i] == label {
			correct++
		}
	}
	mt.ClassLoss /= float64(b)
	mt.Accuracy = float64(correct) / float64(b)

	if m.dAction != nil && batch.Transitions != nil && m.opts.TransitionWeight > 0 {
		mt.TransitionLoss = m.transitionLoss(batch.Transitions)
	}
	mt.Loss = mt.ClassLoss + m.opts.TransitionWeight*mt.TransitionLoss
	return mt, nil
}

// logSafe floors its argument away from zero so a saturated softmax cannot
// produce an infinite loss.
func logSafe(p float64) float64 {
	if p < 1e-12 {
		p = 1e-12
	}
	return math.Log(p)
}

// transitionLoss computes the auxiliary cross-entropy on the predicted-action
// logits against the ground-truth transitions and leaves its gradient in
// m.dAction (scaled by the transition weight) for the next Backward.
func (m *SPINN) transitionLoss(transitions []int) float64 {
	spec := m.spec
	b, t, a := spec.BatchSize, spec.SeqLength, spec.NumActions
	log := m.engine.ActionLog()
	scale := m.opts.TransitionWeight / float64(b*t)

	var loss float64
	row := make([]float64, a)
	for step := 0; step < t; step++ {
		for i := 0; i < b; i++ {
			copy(row, log[(step*b+i)*a:(step*b+i+1)*a])
			kernels.SoftmaxRows(row, a)
			target := transitions[i*t+step]
			loss += -logSafe(row[target])
			dst := m.dAction[(step*b+i)*a : (step*b+i+1)*a]
			for k, p := range row {
				dst[k] = p * scale
			}
			dst[target] -= scale
		}
	}
	return loss / float64(b*t)
}

// Backward accumulates gradients for the batch of the most recent Forward
// into every parameter's Grad slice. Call Store().ZeroGrads() before the
// Forward that starts a new accumulation.
func (m *SPINN) Backward(batch *Batch) error {
	spec := m.spec
	b, t, c := spec.BatchSize, spec.SeqLength, m.opts.NumClasses

	// Softmax cross-entropy delta, mean over the batch.
	copy(m.dLogits, m.probs)
	for i, label := range batch.Labels {
		m.dLogits[i*c+label] -= 1
	}
	kernels.ScaleInPlace(1/float64(b), m.dLogits)

	core.Zero(m.dFinal)
	m.head.Backward(m.dFinal, m.dLogits, b)

	var dAction []float64
	if m.dAction != nil && batch.Transitions != nil && m.opts.TransitionWeight > 0 {
		dAction = m.dAction
	}
	core.Zero(m.dBuffer)
	if err := m.engine.Backward(m.dFinal, m.dBuffer, dAction); err != nil {
		return err
	}

	core.Zero(m.dRaw)
	m.leaf.Backward(m.dRaw, m.raw, m.dBuffer, b*t)
	m.embed.AccumulateGrad(m.dRaw, m.tokens)
	return nil
}
