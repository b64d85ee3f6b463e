// Package stack implements the batched thin-stack execution engine.
//
// One ThinStack simulates B independent shift-reduce stacks in lockstep over
// flat dense buffers. The stack is append-only: the value committed at
// timestep t for example b lands in row t*B+b and is never overwritten, so
// the forward sweep leaves a complete execution trace. Per-example control
// flow is a masked blend of the push and merge outcomes, never a branch.
//
// The backward driver replays that trace in reverse. It reconstructs each
// step's operands from the recorded cursors, asks the pluggable composition
// and tracking networks for branch gradients, blends them with the exact mask
// resolved at forward time, and scatter-adds the results into gradient
// buffers of matching shape. See Forward and Backward for the contract.
package stack

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/nn"
)

// Contract-violation sentinels. These indicate programming errors and are
// never produced by well-formed input data.
var (
	ErrNoTrace   = errors.New("stack: backward called without a recorded forward trace")
	ErrNilOutput = errors.New("stack: nil gradient output buffer")
)

// Config selects the model variant capabilities. The same engine serves
// Model0 (all false), Model1 (tracking only), Model2 (tracking + predictions)
// and Model2S (tracking + predictions + scheduled sampling).
type Config struct {
	UseTracking           bool
	UsePredictions        bool
	UseScheduledSampling  bool
	ContextSensitiveShift bool
}

// ThinStack is the batched shift-reduce engine. All buffers are allocated
// once in New and zero-reset at the start of every Forward; the engine owns
// them exclusively for the duration of one forward/backward pass.
type ThinStack struct {
	spec     core.ModelSpec
	cfg      Config
	composer nn.Composer
	tracker  nn.Tracker
	shift    *nn.Linear
	rng      *rand.Rand

	// Flat memory layout.
	stackBuf    []float64 // (T*B)*D append-only value trace
	trackingBuf []float64 // (T*B)*S tracking state trace
	queue       []int     // B*T merge queue, row b holds live slot timesteps
	cursors     []int     // B queue depth pointers, start at InvalidCursor
	bufCursor   []int     // B token buffer cursors

	// Recorded trace, consumed by Backward.
	traceMask      []float64 // T*B resolved transition masks
	traceSecond    []int     // T*B second-from-top slot timesteps (or sentinel)
	traceBufCursor []int     // T*B buffer cursor at step entry
	actionLog      []float64 // T*B*A predicted-action logits
	buffer         []float64 // borrowed token buffer of the pending trace
	traceValid     bool

	// Backward accumulators, same addressing as the forward buffers.
	dStack    []float64
	dTracking []float64

	// Per-step scratch.
	bufIdx      []int
	secondRow   []int
	bufTop      []float64
	secondVal   []float64
	pushVal     []float64
	mergeVal    []float64
	shiftIn     []float64
	dShiftIn    []float64
	logits      []float64
	argmax      []int
	mask        []float64
	zeroRows    []float64
	zeroState   []float64
	dOut        []float64
	dMerge      []float64
	dPush       []float64
	dOperand    []float64
	bufTopDelta []float64
	invMask     []float64
}

// New validates the configuration and allocates every buffer the engine will
// ever need for this spec. seed fixes the scheduled-sampling draws; runs with
// identical inputs, networks and seed are bit-identical.
func New(spec core.ModelSpec, cfg Config, composer nn.Composer, tracker nn.Tracker, shift *nn.Linear, seed int64) (*ThinStack, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if composer == nil {
		return nil, errors.New("stack: composer is required")
	}
	needsTracker := cfg.UseTracking || cfg.UsePredictions || cfg.UseScheduledSampling || cfg.ContextSensitiveShift
	if needsTracker && tracker == nil {
		return nil, errors.New("stack: configuration requires a tracking network")
	}
	if !cfg.UseTracking && tracker != nil {
		return nil, errors.New("stack: tracker supplied but UseTracking is false")
	}
	if cfg.UseScheduledSampling && !cfg.UsePredictions {
		return nil, errors.New("stack: scheduled sampling requires UsePredictions")
	}
	if tracker != nil {
		if tracker.StateDim() != spec.TrackingStateDim() {
			return nil, fmt.Errorf("stack: tracker state dim %d != spec %d",
				tracker.StateDim(), spec.TrackingStateDim())
		}
		if spec.NumActions < 2 {
			return nil, fmt.Errorf("stack: %d actions, need at least shift and merge", spec.NumActions)
		}
	}
	if cfg.ContextSensitiveShift {
		if shift == nil {
			return nil, errors.New("stack: context-sensitive shift requires a shift transform")
		}
		if want := spec.TrackingDim + spec.ModelDim; shift.InDim != want || shift.OutDim != spec.ModelDim {
			return nil, fmt.Errorf("stack: shift transform is %dx%d, want %dx%d",
				shift.InDim, shift.OutDim, want, spec.ModelDim)
		}
	} else if shift != nil {
		return nil, errors.New("stack: shift transform supplied without ContextSensitiveShift")
	}

	b, t, d := spec.BatchSize, spec.SeqLength, spec.ModelDim
	s := spec.TrackingStateDim()
	a := spec.NumActions

	ts := &ThinStack{
		spec:     spec,
		cfg:      cfg,
		composer: composer,
		tracker:  tracker,
		shift:    shift,
		rng:      rand.New(rand.NewSource(seed)),

		stackBuf:  core.AlignedFloats(spec.StackFloats()),
		queue:     make([]int, b*t),
		cursors:   make([]int, b),
		bufCursor: make([]int, b),

		traceMask:      make([]float64, t*b),
		traceSecond:    make([]int, t*b),
		traceBufCursor: make([]int, t*b),

		dStack: core.AlignedFloats(spec.StackFloats()),

		bufIdx:      make([]int, b),
		secondRow:   make([]int, b),
		bufTop:      core.AlignedFloats(b * d),
		secondVal:   core.AlignedFloats(b * d),
		pushVal:     core.AlignedFloats(b * d),
		mergeVal:    core.AlignedFloats(b * d),
		mask:        make([]float64, b),
		zeroRows:    make([]float64, b*d),
		dOut:        core.AlignedFloats(b * d),
		dMerge:      core.AlignedFloats(b * d),
		dPush:       core.AlignedFloats(b * d),
		dOperand:    core.AlignedFloats(b * d),
		bufTopDelta: core.AlignedFloats(b * d),
		invMask:     make([]float64, b),
	}
	if tracker != nil {
		ts.trackingBuf = core.AlignedFloats(t * b * s)
		ts.dTracking = core.AlignedFloats(t * b * s)
		ts.actionLog = make([]float64, t*b*a)
		ts.logits = make([]float64, b*a)
		ts.argmax = make([]int, b)
		ts.zeroState = make([]float64, b*s)
	}
	if cfg.ContextSensitiveShift {
		ts.shiftIn = core.AlignedFloats(b * (spec.TrackingDim + d))
		ts.dShiftIn = core.AlignedFloats(b * (spec.TrackingDim + d))
	}
	return ts, nil
}

// Spec returns the engine's model spec.
func (ts *ThinStack) Spec() core.ModelSpec { return ts.spec }

// Reset zeroes all buffers and cursors. Forward calls it implicitly.
func (ts *ThinStack) Reset() {
	core.Zero(ts.stackBuf)
	core.Zero(ts.trackingBuf)
	core.FillInt(ts.queue, 0)
	core.FillInt(ts.cursors, core.InvalidCursor)
	core.FillInt(ts.bufCursor, 0)
	ts.traceValid = false
	ts.buffer = nil
}

// Final returns the B*D final representations: the stack slots of the last
// timestep. The returned slice is a view into the engine's trace.
func (ts *ThinStack) Final() []float64 {
	b, d := ts.spec.BatchSize, ts.spec.ModelDim
	off := (ts.spec.SeqLength - 1) * b * d
	return ts.stackBuf[off : off+b*d]
}

// ActionLog returns the T*B*A predicted-action logits of the last forward
// sweep, or nil without a tracker. Row t*B+b holds example b's logits at t.
func (ts *ThinStack) ActionLog() []float64 { return ts.actionLog }

// StackTrace exposes the raw (T*B)*D value trace for inspection.
func (ts *ThinStack) StackTrace() []float64 { return ts.stackBuf }

// StackGrad exposes the (T*B)*D gradient trace after Backward.
func (ts *ThinStack) StackGrad() []float64 { return ts.dStack }

// trackState returns the committed tracking state rows of timestep t, or the
// zero state for t < 0.
func (ts *ThinStack) trackState(t int) []float64 {
	if ts.tracker == nil {
		return nil
	}
	if t < 0 {
		return ts.zeroState
	}
	s := ts.spec.TrackingStateDim()
	off := t * ts.spec.BatchSize * s
	return ts.trackingBuf[off : off+ts.spec.BatchSize*s]
}

// stackRows returns the value rows of timestep t, or zeros for t < 0.
func (ts *ThinStack) stackRows(t int) []float64 {
	if t < 0 {
		return ts.zeroRows
	}
	b, d := ts.spec.BatchSize, ts.spec.ModelDim
	return ts.stackBuf[t*b*d : (t+1)*b*d]
}
