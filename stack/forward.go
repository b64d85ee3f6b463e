package stack

import (
	"fmt"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/kernels"
)

// Forward executes the transition sequence over a projected token buffer.
//
// buffer is the (B*T)*D flat token buffer, row b*T+t holding token t of
// example b; the engine borrows it until the matching Backward completes.
// transitions is the B*T ground-truth matrix (row-major b*T+t) and may be nil
// only when the engine predicts its own transitions without scheduled
// sampling. samplingProb is the probability of using the model's own
// prediction at each (t, b) under scheduled sampling; gtVisible=false forces
// pure self-prediction regardless of samplingProb (the evaluation regime).
//
// Each timestep commits exactly one new stack row per example, chosen per
// example between the push value and the merge value by a masked blend.
func (ts *ThinStack) Forward(buffer []float64, transitions []int, samplingProb float64, gtVisible bool) error {
	spec := ts.spec
	b, t := spec.BatchSize, spec.SeqLength

	if len(buffer) != spec.BufferFloats() {
		return fmt.Errorf("stack: buffer has %d floats, want %d", len(buffer), spec.BufferFloats())
	}
	if transitions == nil {
		if !ts.cfg.UsePredictions || ts.cfg.UseScheduledSampling {
			return fmt.Errorf("stack: transitions required for this configuration")
		}
	} else if len(transitions) != b*t {
		return fmt.Errorf("stack: transitions has %d entries, want %d", len(transitions), b*t)
	}
	if samplingProb < 0 || samplingProb > 1 {
		return fmt.Errorf("stack: sampling probability %v outside [0, 1]", samplingProb)
	}

	ts.Reset()
	ts.buffer = buffer

	for step := 0; step < t; step++ {
		ts.stepForward(step, transitions, samplingProb, gtVisible)
	}
	ts.traceValid = true
	return nil
}

// stepForward is the per-timestep transition function.
func (ts *ThinStack) stepForward(step int, transitions []int, samplingProb float64, gtVisible bool) {
	spec := ts.spec
	b, t, d := spec.BatchSize, spec.SeqLength, spec.ModelDim

	// 1. Fetch the buffer head at each example's cursor. A cursor beyond the
	// buffer (malformed transition sequence) reads a zero row instead of
	// overflowing.
	for i := 0; i < b; i++ {
		cur := ts.bufCursor[i]
		ts.traceBufCursor[step*b+i] = cur
		if cur >= 0 && cur < t {
			ts.bufIdx[i] = i*t + cur
		} else {
			ts.bufIdx[i] = core.InvalidCursor
		}
	}
	kernels.GatherRows(ts.bufTop, ts.buffer, ts.bufIdx, d)

	// 2. Resolve operands: top is the previous timestep's slot, second comes
	// through the merge queue. Both are zero rows when not yet valid.
	top := ts.stackRows(step - 1)
	for i := 0; i < b; i++ {
		p := core.InvalidCursor
		if ts.cursors[i] >= 1 {
			p = ts.queue[i*t+ts.cursors[i]-1]
		}
		ts.traceSecond[step*b+i] = p
		if p >= 0 {
			ts.secondRow[i] = p*b + i
		} else {
			ts.secondRow[i] = core.InvalidCursor
		}
	}
	kernels.GatherRows(ts.secondVal, ts.stackBuf, ts.secondRow, d)
	second := ts.secondVal

	prevTrack := ts.trackState(step - 1)

	// 3. Candidate push value: the raw buffer head, or its transform under
	// the tracking context.
	if ts.cfg.ContextSensitiveShift {
		ts.packShiftInput(prevTrack, b)
		ts.shift.Forward(ts.pushVal, ts.shiftIn, b)
	} else {
		kernels.CopyRows(ts.pushVal, ts.bufTop, b, d)
	}

	// 4. Candidate merge value.
	ts.composer.Forward(ts.mergeVal, top, second, prevTrack, b)

	// 5. Tracking update and action prediction.
	if ts.tracker != nil {
		newState := ts.trackingBuf[step*b*spec.TrackingStateDim() : (step+1)*b*spec.TrackingStateDim()]
		logits := ts.actionLog[step*b*spec.NumActions : (step+1)*b*spec.NumActions]
		ts.tracker.Forward(newState, logits, prevTrack, top, second, ts.bufTop, b)
		kernels.ArgmaxRows(ts.argmax, logits, spec.NumActions)
	}

	// 6. Resolve the per-example transition mask.
	for i := 0; i < b; i++ {
		ts.mask[i] = ts.resolveMask(step, i, transitions, samplingProb, gtVisible)
		ts.traceMask[step*b+i] = ts.mask[i]
	}

	// 7. Commit the chosen outcome: a masked write, not a branch.
	dst := ts.stackBuf[step*b*d : (step+1)*b*d]
	kernels.SwitchRows(dst, ts.mergeVal, ts.pushVal, ts.mask, d)

	// 8. Queue and cursor bookkeeping. A shift pushes the new top's timestep
	// onto the queue; a merge pops the consumed second and re-points the top.
	for i := 0; i < b; i++ {
		m := int(ts.mask[i])
		ts.cursors[i] += 1 - 2*m
		if c := ts.cursors[i]; c >= 0 && c < t {
			ts.queue[i*t+c] = step
		}
		ts.bufCursor[i] += 1 - m
	}
}

// resolveMask picks the transition for one example at one step.
func (ts *ThinStack) resolveMask(step, i int, transitions []int, samplingProb float64, gtVisible bool) float64 {
	t := ts.spec.SeqLength
	switch {
	case !ts.cfg.UsePredictions:
		return float64(transitions[i*t+step])
	case ts.cfg.UseScheduledSampling:
		// Ground truth survives only while it is visible and the per-step
		// Bernoulli draw spares it; rng.Float64() >= 0 always holds, so
		// samplingProb 0 is exactly ground truth and 1 exactly predicted.
		if gtVisible && ts.rng.Float64() >= samplingProb {
			return float64(transitions[i*t+step])
		}
		return float64(ts.argmax[i])
	default:
		return float64(ts.argmax[i])
	}
}

// packShiftInput builds [tracking-hidden || buffer-head] rows for the
// context-sensitive shift transform.
func (ts *ThinStack) packShiftInput(prevTrack []float64, rows int) {
	h, d := ts.spec.TrackingDim, ts.spec.ModelDim
	w := h + d
	for i := 0; i < rows; i++ {
		row := ts.shiftIn[i*w : (i+1)*w]
		copy(row[:h], prevTrack[i*2*h:i*2*h+h])
		copy(row[h:], ts.bufTop[i*d:(i+1)*d])
	}
}
