// Package core provides fundamental primitives for the thin-stack engine.
//
// This package defines the model specification shared by every component and
// the flat memory layout used to batch heterogeneous shift-reduce executions:
// a stack of T timesteps for B examples lives in one (T*B)*D float buffer,
// addressed by flattened (timestep, batch) offsets. Slots are written exactly
// once per forward sweep, turning the stack into an append-only trace that the
// backward driver can replay.
//
// Key components:
//   - ModelSpec: dimensions and capacities, with fail-fast validation
//   - Flat (t, b) -> row addressing and the invalid-cursor sentinel
//   - Cache-aligned flat float64 buffer allocation
package core

import "fmt"

// Transition codes. A transition matrix holds one code per example per
// timestep.
const (
	Shift = 0
	Merge = 1
)

// InvalidCursor marks a cursor or slot pointer with no valid target yet
// (fewer than two elements on the stack). It is masked to a zero operand by
// every reader and must never be used as a buffer offset.
const InvalidCursor = -1

// ModelSpec fixes the dimensions of one run configuration. All flat buffers
// are sized from it once and reused across batches.
type ModelSpec struct {
	ModelDim    int // D: width of stack values and projected embeddings
	WordDim     int // width of raw token embeddings
	TrackingDim int // H: tracking LSTM hidden width (state is 2H: hidden||cell)
	BatchSize   int // B: examples processed in lockstep
	SeqLength   int // T: max sequence length = max stack capacity
	VocabSize   int
	NumActions  int // size of the predicted-action distribution (shift/merge)
}

// Validate reports the first shape/contract violation, if any.
func (s ModelSpec) Validate() error {
	switch {
	case s.ModelDim <= 0:
		return fmt.Errorf("core: model dim %d must be positive", s.ModelDim)
	case s.WordDim <= 0:
		return fmt.Errorf("core: word dim %d must be positive", s.WordDim)
	case s.BatchSize <= 0:
		return fmt.Errorf("core: batch size %d must be positive", s.BatchSize)
	case s.SeqLength <= 0:
		return fmt.Errorf("core: sequence length %d must be positive", s.SeqLength)
	case s.VocabSize <= 0:
		return fmt.Errorf("core: vocab size %d must be positive", s.VocabSize)
	case s.TrackingDim < 0:
		return fmt.Errorf("core: tracking dim %d must be non-negative", s.TrackingDim)
	case s.NumActions < 0:
		return fmt.Errorf("core: num actions %d must be non-negative", s.NumActions)
	}
	return nil
}

// StackRow returns the row index of stack slot (t, b). All batch elements of
// one timestep are contiguous, so "the whole batch at timestep t" is the row
// range [StackRow(t, 0), StackRow(t, B)).
func (s ModelSpec) StackRow(t, b int) int {
	return t*s.BatchSize + b
}

// BufferRow returns the row index of token t of example b in the token
// buffer. The buffer is laid out per example so that advancing a per-example
// cursor is a unit-stride walk.
func (s ModelSpec) BufferRow(b, t int) int {
	return b*s.SeqLength + t
}

// StackFloats is the element count of the stack buffer: (T*B)*D.
func (s ModelSpec) StackFloats() int {
	return s.SeqLength * s.BatchSize * s.ModelDim
}

// BufferFloats is the element count of the projected token buffer.
func (s ModelSpec) BufferFloats() int {
	return s.BatchSize * s.SeqLength * s.ModelDim
}

// TrackingStateDim is the width of one tracking state row (hidden||cell), or
// zero when no tracking unit is configured.
func (s ModelSpec) TrackingStateDim() int {
	return 2 * s.TrackingDim
}
