package stack

import (
	"fmt"

	"github.com/sbl8/thinstack/core"
	"github.com/sbl8/thinstack/kernels"
)

// Backward replays the recorded forward trace in reverse and accumulates
// gradients.
//
// errorSignal is the B*D gradient of the loss with respect to the final
// representation; it seeds the last timestep's slot. dBuffer is the caller's
// (B*T)*D gradient accumulator for the token buffer (same addressing as the
// forward buffer) and receives push-branch and tracking-input contributions
// by scatter-add. dActionLog, when non-nil, carries the T*B*A auxiliary
// supervision gradient on the predicted-action logits.
//
// Parameter gradients accumulate inside the pluggable networks' own Grad
// slices across all timesteps and batch elements. Calling Backward without a
// prior Forward on this engine is a contract violation and fails fast.
func (ts *ThinStack) Backward(errorSignal, dBuffer, dActionLog []float64) error {
	spec := ts.spec
	b, t, d := spec.BatchSize, spec.SeqLength, spec.ModelDim

	if !ts.traceValid {
		return ErrNoTrace
	}
	if dBuffer == nil {
		return ErrNilOutput
	}
	if len(errorSignal) != b*d {
		return fmt.Errorf("stack: error signal has %d floats, want %d", len(errorSignal), b*d)
	}
	if len(dBuffer) != spec.BufferFloats() {
		return fmt.Errorf("stack: dBuffer has %d floats, want %d", len(dBuffer), spec.BufferFloats())
	}
	if dActionLog != nil && len(dActionLog) != t*b*spec.NumActions {
		return fmt.Errorf("stack: dActionLog has %d floats, want %d", len(dActionLog), t*b*spec.NumActions)
	}

	core.Zero(ts.dStack)
	core.Zero(ts.dTracking)

	// Seed: the external error signal lands on the last timestep's slot.
	kernels.AddInPlace(ts.dStack[(t-1)*b*d:], errorSignal)

	for step := t - 1; step >= 0; step-- {
		ts.stepBackward(step, dBuffer, dActionLog)
	}
	return nil
}

// stepBackward undoes one timestep: it reconstructs the step's operands from
// the trace, routes the slot's delta through the branch the mask selected at
// forward time, and pushes the tracking chain one step further back.
func (ts *ThinStack) stepBackward(step int, dBuffer, dActionLog []float64) {
	spec := ts.spec
	b, t, d := spec.BatchSize, spec.SeqLength, spec.ModelDim

	// Reconstruct operands exactly as the forward step fetched them.
	for i := 0; i < b; i++ {
		cur := ts.traceBufCursor[step*b+i]
		if cur >= 0 && cur < t {
			ts.bufIdx[i] = i*t + cur
		} else {
			ts.bufIdx[i] = core.InvalidCursor
		}
		p := ts.traceSecond[step*b+i]
		if p >= 0 {
			ts.secondRow[i] = p*b + i
		} else {
			ts.secondRow[i] = core.InvalidCursor
		}
	}
	kernels.GatherRows(ts.bufTop, ts.buffer, ts.bufIdx, d)
	kernels.GatherRows(ts.secondVal, ts.stackBuf, ts.secondRow, d)
	top := ts.stackRows(step - 1)
	second := ts.secondVal
	prevTrack := ts.trackState(step - 1)
	mask := ts.traceMask[step*b : (step+1)*b]

	// Split the slot's delta between the two branches by the recorded mask.
	kernels.CopyRows(ts.dOut, ts.dStack[step*b*d:], b, d)
	kernels.ScaleRowsInto(ts.dMerge, ts.dOut, mask, d)
	for i, m := range mask {
		ts.invMask[i] = 1 - m
	}
	kernels.ScaleRowsInto(ts.dPush, ts.dOut, ts.invMask, d)

	// Gradient targets: top's slot is the contiguous previous timestep,
	// second's slot goes through the recorded pointer, so it is accumulated
	// via a zeroed scratch row batch and one scatter-add.
	var dTop []float64
	if step > 0 {
		dTop = ts.dStack[(step-1)*b*d : step*b*d]
	}
	var dPrevTrack []float64
	if ts.tracker != nil && step > 0 {
		s := spec.TrackingStateDim()
		dPrevTrack = ts.dTracking[(step-1)*b*s : step*b*s]
	}

	// Merge branch. Re-running the composition restores any activation state
	// the composer caches for its backward pass.
	ts.composer.Forward(ts.mergeVal, top, second, prevTrack, b)
	core.Zero(ts.dOperand)
	ts.composer.Backward(dTop, ts.dOperand, dPrevTrack, top, second, prevTrack, ts.dMerge, b)
	kernels.ScatterAddRows(ts.dStack, ts.dOperand, ts.secondRow, d)

	// Push branch: a shift moved the (possibly transformed) buffer head onto
	// the stack, so its delta flows back to the token buffer — and only the
	// push branch ever reaches the embedding table.
	if ts.cfg.ContextSensitiveShift {
		ts.packShiftInput(prevTrack, b)
		ts.shift.Forward(ts.pushVal, ts.shiftIn, b)
		core.Zero(ts.dShiftIn)
		ts.shift.Backward(ts.dShiftIn, ts.shiftIn, ts.dPush, b)
		ts.splitShiftDelta(dPrevTrack, dBuffer, b)
	} else {
		kernels.ScatterAddRows(dBuffer, ts.dPush, ts.bufIdx, d)
	}

	// Tracking chain. The tracker ran unmasked for every example, so its
	// backward call is unmasked too; its state delta is complete here because
	// every later consumer of state `step` was processed first.
	if ts.tracker != nil {
		s := spec.TrackingStateDim()
		dNew := ts.dTracking[step*b*s : (step+1)*b*s]
		var dLog []float64
		if dActionLog != nil {
			dLog = dActionLog[step*b*spec.NumActions : (step+1)*b*spec.NumActions]
		}
		core.Zero(ts.dOperand)
		core.Zero(ts.bufTopDelta)
		ts.tracker.Backward(dPrevTrack, dTop, ts.dOperand, ts.bufTopDelta,
			prevTrack, top, second, ts.bufTop, dNew, dLog, b)
		kernels.ScatterAddRows(ts.dStack, ts.dOperand, ts.secondRow, d)
		kernels.ScatterAddRows(dBuffer, ts.bufTopDelta, ts.bufIdx, d)
	}
}

// splitShiftDelta routes the shift transform's input gradient to its two
// sources: the tracking hidden state and the token buffer.
func (ts *ThinStack) splitShiftDelta(dPrevTrack, dBuffer []float64, rows int) {
	h, d := ts.spec.TrackingDim, ts.spec.ModelDim
	w := h + d
	core.Zero(ts.bufTopDelta)
	for i := 0; i < rows; i++ {
		row := ts.dShiftIn[i*w : (i+1)*w]
		if dPrevTrack != nil {
			kernels.AddInPlace(dPrevTrack[i*2*h:i*2*h+h], row[:h])
		}
		copy(ts.bufTopDelta[i*d:(i+1)*d], row[h:])
	}
	kernels.ScatterAddRows(dBuffer, ts.bufTopDelta, ts.bufIdx, d)
}
