package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/sbl8/thinstack/kernels"
)

// Tracker is the prediction-and-tracking sub-network. At every timestep it
// consumes [top || second || bufferTop] together with its previous state
// (hidden||cell, width StateDim) and produces the next state plus action
// logits over {shift, merge}.
//
// Backward mirrors Forward: given the deltas of the new state and of the
// logits, it accumulates operand and previous-state gradients into the
// caller's buffers and parameter gradients internally. Operands must match
// the Forward call being differentiated; implementations recompute their
// internal activations from them rather than caching across timesteps.
type Tracker interface {
	StateDim() int
	Forward(newState, logits, prevState, top, second, bufTop []float64, rows int)
	Backward(dPrev, dTop, dSecond, dBufTop, prevState, top, second, bufTop, dNew, dLogits []float64, rows int)
}

// LSTMTracker is a single-layer LSTM over the concatenated stack context with
// a linear action head on the hidden state.
type LSTMTracker struct {
	W  *Param // 3*dim x 4*hidden, input -> gates
	U  *Param // hidden x 4*hidden, hidden -> gates
	B  *Param // 1 x 4*hidden
	A  *Param // hidden x numActions
	Ab *Param // 1 x numActions

	dim        int // width of each of the three operands
	hidden     int
	numActions int

	x     []float64 // rows x 3*dim concatenated input
	z     []float64 // rows x 4*hidden gate pre-activations (post-nonlinearity)
	dz    []float64
	dx    []float64
	dhTmp []float64 // rows x hidden
}

// NewLSTMTracker registers the tracking parameters for batches of at most
// maxRows rows.
func NewLSTMTracker(vs *VariableStore, name string, dim, hidden, numActions, maxRows int) *LSTMTracker {
	return &LSTMTracker{
		W:          vs.AddParam(name+"_W", 3*dim, 4*hidden, nil),
		U:          vs.AddParam(name+"_U", hidden, 4*hidden, nil),
		B:          vs.AddParam(name+"_b", 1, 4*hidden, ZeroInitializer()),
		A:          vs.AddParam(name+"_actions_W", hidden, numActions, nil),
		Ab:         vs.AddParam(name+"_actions_b", 1, numActions, ZeroInitializer()),
		dim:        dim,
		hidden:     hidden,
		numActions: numActions,
		x:          make([]float64, maxRows*3*dim),
		z:          make([]float64, maxRows*4*hidden),
		dz:         make([]float64, maxRows*4*hidden),
		dx:         make([]float64, maxRows*3*dim),
		dhTmp:      make([]float64, maxRows*hidden),
	}
}

func (t *LSTMTracker) StateDim() int { return 2 * t.hidden }

// concat packs [top || second || bufTop] into t.x.
func (t *LSTMTracker) concat(top, second, bufTop []float64, rows int) {
	d := t.dim
	for i := 0; i < rows; i++ {
		row := t.x[i*3*d : (i+1)*3*d]
		copy(row[:d], top[i*d:(i+1)*d])
		copy(row[d:2*d], second[i*d:(i+1)*d])
		copy(row[2*d:], bufTop[i*d:(i+1)*d])
	}
}

// gates computes post-nonlinearity gate values into t.z for the given inputs
// and previous hidden state.
func (t *LSTMTracker) gates(prevState []float64, rows int) {
	h := t.hidden
	g := 4 * h
	blas64.Gemm(blas.NoTrans, blas.NoTrans,
		1, general(rows, 3*t.dim, t.x), general(3*t.dim, g, t.W.Value),
		0, general(rows, g, t.z))
	for i := 0; i < rows; i++ {
		zr := t.z[i*g : (i+1)*g]
		hPrev := prevState[i*2*h : i*2*h+h]
		addMatVec(zr, t.U.Value, hPrev, h, g)
		for j := range zr {
			zr[j] += t.B.Value[j]
		}
		kernels.SigmoidInPlace(zr[:3*h])
		kernels.TanhInPlace(zr[3*h:])
	}
}

func (t *LSTMTracker) Forward(newState, logits, prevState, top, second, bufTop []float64, rows int) {
	t.concat(top, second, bufTop, rows)
	t.gates(prevState, rows)

	h := t.hidden
	g := 4 * h
	for i := 0; i < rows; i++ {
		zr := t.z[i*g : (i+1)*g]
		in, fg, og, cand := zr[:h], zr[h:2*h], zr[2*h:3*h], zr[3*h:]
		cPrev := prevState[i*2*h+h : (i+1)*2*h]
		out := newState[i*2*h : (i+1)*2*h]
		for j := 0; j < h; j++ {
			cv := fg[j]*cPrev[j] + in[j]*cand[j]
			out[h+j] = cv
			out[j] = og[j] * tanh(cv)
		}
	}
	if logits != nil {
		for i := 0; i < rows; i++ {
			hRow := newState[i*2*h : i*2*h+h]
			lRow := logits[i*t.numActions : (i+1)*t.numActions]
			copy(lRow, t.Ab.Value)
			addMatVec(lRow, t.A.Value, hRow, h, t.numActions)
		}
	}
}

func (t *LSTMTracker) Backward(dPrev, dTop, dSecond, dBufTop, prevState, top, second, bufTop, dNew, dLogits []float64, rows int) {
	// Rebuild the step's activations from the traced operands.
	t.concat(top, second, bufTop, rows)
	t.gates(prevState, rows)

	h := t.hidden
	g := 4 * h
	for i := 0; i < rows*h; i++ {
		t.dhTmp[i] = 0
	}

	for i := 0; i < rows; i++ {
		zr := t.z[i*g : (i+1)*g]
		dzr := t.dz[i*g : (i+1)*g]
		in, fg, og, cand := zr[:h], zr[h:2*h], zr[2*h:3*h], zr[3*h:]
		cPrev := prevState[i*2*h+h : (i+1)*2*h]
		dh := t.dhTmp[i*h : (i+1)*h]

		copy(dh, dNew[i*2*h:i*2*h+h])
		if dLogits != nil {
			dl := dLogits[i*t.numActions : (i+1)*t.numActions]
			// dh += dl * A^T; A.Grad += h^T dl needs the step's hidden value,
			// recomputed below together with the cell.
			addVecMatT(dh, t.A.Value, dl, h, t.numActions)
			kernels.AddInPlace(t.Ab.Grad, dl)
		}

		for j := 0; j < h; j++ {
			cv := fg[j]*cPrev[j] + in[j]*cand[j]
			tc := tanh(cv)
			if dLogits != nil {
				dl := dLogits[i*t.numActions : (i+1)*t.numActions]
				hv := og[j] * tc
				row := t.A.Grad[j*t.numActions : (j+1)*t.numActions]
				for k, d := range dl {
					row[k] += hv * d
				}
			}
			dc := dNew[i*2*h+h+j] + dh[j]*og[j]*(1-tc*tc)
			do := dh[j] * tc

			dzr[j] = dc * cand[j] * in[j] * (1 - in[j])
			dzr[h+j] = dc * cPrev[j] * fg[j] * (1 - fg[j])
			dzr[2*h+j] = do * og[j] * (1 - og[j])
			dzr[3*h+j] = dc * in[j] * (1 - cand[j]*cand[j])
			if dPrev != nil {
				dPrev[i*2*h+h+j] += dc * fg[j]
			}
		}
		if dPrev != nil {
			addVecMatT(dPrev[i*2*h:i*2*h+h], t.U.Value, dzr, h, g)
		}
		addOuter(t.U.Grad, prevState[i*2*h:i*2*h+h], dzr, g)
	}

	// Input-side gradients in one flat gemm each.
	blas64.Gemm(blas.Trans, blas.NoTrans,
		1, general(rows, 3*t.dim, t.x), general(rows, g, t.dz),
		1, general(3*t.dim, g, t.W.Grad))
	kernels.SumRowsInto(t.B.Grad, t.dz[:rows*g], g)

	for i := range t.dx[:rows*3*t.dim] {
		t.dx[i] = 0
	}
	blas64.Gemm(blas.NoTrans, blas.Trans,
		1, general(rows, g, t.dz), general(3*t.dim, g, t.W.Value),
		1, general(rows, 3*t.dim, t.dx))

	d := t.dim
	for i := 0; i < rows; i++ {
		row := t.dx[i*3*d : (i+1)*3*d]
		if dTop != nil {
			kernels.AddInPlace(dTop[i*d:(i+1)*d], row[:d])
		}
		if dSecond != nil {
			kernels.AddInPlace(dSecond[i*d:(i+1)*d], row[d:2*d])
		}
		if dBufTop != nil {
			kernels.AddInPlace(dBufTop[i*d:(i+1)*d], row[2*d:])
		}
	}
}
