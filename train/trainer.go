package train

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/sbl8/thinstack/data/boolean"
	"github.com/sbl8/thinstack/model"
)

// Iterator yields shuffled full minibatches from a dataset, reshuffling at
// every epoch boundary. The returned batch is reused between calls.
type Iterator struct {
	ds    *boolean.Dataset
	batch *model.Batch
	size  int
	rng   *rand.Rand
	perm  []int
	pos   int
}

// NewIterator builds an iterator producing batches of the model's batch size.
// The dataset must hold at least one full batch.
func NewIterator(ds *boolean.Dataset, m *model.SPINN, seed int64) (*Iterator, error) {
	size := m.Spec().BatchSize
	if ds.Len() < size {
		return nil, fmt.Errorf("train: dataset holds %d examples, need at least one batch of %d", ds.Len(), size)
	}
	if ds.SeqLength != m.Spec().SeqLength {
		return nil, fmt.Errorf("train: dataset sequence length %d != model %d", ds.SeqLength, m.Spec().SeqLength)
	}
	it := &Iterator{
		ds:    ds,
		batch: boolean.NewBatch(m.Spec()),
		size:  size,
		rng:   rand.New(rand.NewSource(seed)),
	}
	it.reshuffle()
	return it, nil
}

func (it *Iterator) reshuffle() {
	it.perm = it.rng.Perm(it.ds.Len())
	it.pos = 0
}

// Next fills and returns the iterator's batch. Partial tails are dropped.
func (it *Iterator) Next() *model.Batch {
	if it.pos+it.size > len(it.perm) {
		it.reshuffle()
	}
	it.ds.FillBatch(it.batch, it.perm[it.pos:it.pos+it.size])
	it.pos += it.size
	return it.batch
}

// Config sets the training run.
type Config struct {
	Steps        int
	LogEvery     int
	EvalEvery    int
	SamplingRamp int // steps of the linear scheduled-sampling ramp, 0 = constant 0
	Seed         int64
}

// Trainer couples a model with an optimizer and a logger.
type Trainer struct {
	Model    *model.SPINN
	Opt      Optimizer
	Log      *zap.Logger
	Schedule SamplingSchedule
}

// Run trains for cfg.Steps minibatches, evaluating on eval (when non-nil)
// every cfg.EvalEvery steps and once at the end. It returns the final
// evaluation metrics, or the last training metrics without an eval set.
func (t *Trainer) Run(train, eval *boolean.Dataset, cfg Config) (model.Metrics, error) {
	sched := t.Schedule
	if sched == nil {
		if cfg.SamplingRamp > 0 {
			sched = LinearSampling(cfg.SamplingRamp)
		} else {
			sched = ConstantSampling(0)
		}
	}
	it, err := NewIterator(train, t.Model, cfg.Seed)
	if err != nil {
		return model.Metrics{}, err
	}

	var last model.Metrics
	for step := 1; step <= cfg.Steps; step++ {
		batch := it.Next()
		p := sched(step)

		t.Model.Store().ZeroGrads()
		mt, err := t.Model.Forward(batch, p, true)
		if err != nil {
			return last, fmt.Errorf("train: step %d: %w", step, err)
		}
		if err := t.Model.Backward(batch); err != nil {
			return last, fmt.Errorf("train: step %d: %w", step, err)
		}
		t.Opt.Step(t.Model.Store().Params())
		last = mt

		if cfg.LogEvery > 0 && step%cfg.LogEvery == 0 {
			t.Log.Info("train step",
				zap.Int("step", step),
				zap.Float64("loss", mt.Loss),
				zap.Float64("class_loss", mt.ClassLoss),
				zap.Float64("transition_loss", mt.TransitionLoss),
				zap.Float64("accuracy", mt.Accuracy),
				zap.Float64("sampling_prob", p))
		}
		if eval != nil && cfg.EvalEvery > 0 && step%cfg.EvalEvery == 0 {
			em, err := t.Evaluate(eval)
			if err != nil {
				return last, err
			}
			t.Log.Info("eval",
				zap.Int("step", step),
				zap.Float64("loss", em.Loss),
				zap.Float64("accuracy", em.Accuracy))
		}
	}

	if eval != nil {
		em, err := t.Evaluate(eval)
		if err != nil {
			return last, err
		}
		t.Log.Info("final eval",
			zap.Float64("loss", em.Loss),
			zap.Float64("accuracy", em.Accuracy))
		return em, nil
	}
	return last, nil
}

// Evaluate runs the eval regime over every full batch of ds: ground truth is
// hidden, so predicting variants follow their own transitions throughout.
// Metrics are averaged over the batches; a partial tail is dropped.
func (t *Trainer) Evaluate(ds *boolean.Dataset) (model.Metrics, error) {
	spec := t.Model.Spec()
	size := spec.BatchSize
	if ds.Len() < size {
		return model.Metrics{}, fmt.Errorf("train: eval set holds %d examples, need %d", ds.Len(), size)
	}

	batch := boolean.NewBatch(spec)
	idxs := make([]int, size)
	var sum model.Metrics
	batches := 0
	for start := 0; start+size <= ds.Len(); start += size {
		for i := range idxs {
			idxs[i] = start + i
		}
		ds.FillBatch(batch, idxs)
		mt, err := t.Model.Forward(batch, 1, false)
		if err != nil {
			return sum, err
		}
		sum.Loss += mt.Loss
		sum.ClassLoss += mt.ClassLoss
		sum.TransitionLoss += mt.TransitionLoss
		sum.Accuracy += mt.Accuracy
		batches++
	}
	inv := 1 / float64(batches)
	sum.Loss *= inv
	sum.ClassLoss *= inv
	sum.TransitionLoss *= inv
	sum.Accuracy *= inv
	return sum, nil
}
