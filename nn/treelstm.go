package nn

import (
	"fmt"
	"math"

	"github.com/sbl8/thinstack/kernels"
)

func tanh(x float64) float64 { return math.Tanh(x) }

// TreeLSTMComposer is a gated binary composition. Stack values of width Dim
// are treated as hidden||cell pairs of width Dim/2 each; five gates (input,
// left forget, right forget, output, candidate) are computed from both
// children's hidden halves and, when trackDim > 0, from the tracking unit's
// hidden state.
type TreeLSTMComposer struct {
	Ul, Ur *Param // Dh x 5Dh
	Ext    *Param // trackDim x 5Dh, nil without tracking input
	B      *Param // 1 x 5Dh

	Dim      int // full stack width, must be even
	half     int
	trackDim int

	z  []float64 // rows x 5Dh gate pre-activations of the last Forward
	dz []float64
}

// NewTreeLSTMComposer registers the composer parameters. trackDim is the
// tracking hidden width feeding the gates, or 0 to disable the external
// input.
func NewTreeLSTMComposer(vs *VariableStore, name string, dim, trackDim, maxRows int) (*TreeLSTMComposer, error) {
	if dim%2 != 0 {
		return nil, fmt.Errorf("nn: tree-lstm composition needs an even model dim, got %d", dim)
	}
	half := dim / 2
	c := &TreeLSTMComposer{
		Ul:       vs.AddParam(name+"_Ul", half, 5*half, nil),
		Ur:       vs.AddParam(name+"_Ur", half, 5*half, nil),
		B:        vs.AddParam(name+"_b", 1, 5*half, ZeroInitializer()),
		Dim:      dim,
		half:     half,
		trackDim: trackDim,
		z:        make([]float64, maxRows*5*half),
		dz:       make([]float64, maxRows*5*half),
	}
	if trackDim > 0 {
		c.Ext = vs.AddParam(name+"_Wext", trackDim, 5*half, nil)
	}
	return c, nil
}

// gates recomputes the five gate pre-activations into c.z. Children are
// addressed by their hidden halves; rows are strided by the full Dim.
func (c *TreeLSTMComposer) gates(top, second, tracking []float64, rows int) {
	h := c.half
	g := 5 * h
	for i := 0; i < rows; i++ {
		zr := c.z[i*g : (i+1)*g]
		copy(zr, c.B.Value)
		hl := second[i*c.Dim : i*c.Dim+h]
		hr := top[i*c.Dim : i*c.Dim+h]
		addMatVec(zr, c.Ul.Value, hl, h, g)
		addMatVec(zr, c.Ur.Value, hr, h, g)
		if c.Ext != nil && tracking != nil {
			ht := tracking[i*2*c.trackDim : i*2*c.trackDim+c.trackDim]
			addMatVec(zr, c.Ext.Value, ht, c.trackDim, g)
		}
	}
	// Nonlinearities: sigmoid on i, fl, fr, o; tanh on the candidate.
	for i := 0; i < rows; i++ {
		zr := c.z[i*g : (i+1)*g]
		kernels.SigmoidInPlace(zr[:4*h])
		kernels.TanhInPlace(zr[4*h:])
	}
}

// addMatVec computes dst += vec * W for a single row, W being inDim x outDim.
func addMatVec(dst, w, vec []float64, inDim, outDim int) {
	for k, v := range vec[:inDim] {
		if v == 0 {
			continue
		}
		row := w[k*outDim : (k+1)*outDim]
		for j := range dst {
			dst[j] += v * row[j]
		}
	}
}

func (c *TreeLSTMComposer) Forward(dst, top, second, tracking []float64, rows int) {
	c.gates(top, second, tracking, rows)
	h := c.half
	g := 5 * h
	for i := 0; i < rows; i++ {
		zr := c.z[i*g : (i+1)*g]
		in, fl, fr, o, cand := zr[:h], zr[h:2*h], zr[2*h:3*h], zr[3*h:4*h], zr[4*h:]
		cl := second[i*c.Dim+h : (i+1)*c.Dim]
		cr := top[i*c.Dim+h : (i+1)*c.Dim]
		out := dst[i*c.Dim : (i+1)*c.Dim]
		for j := 0; j < h; j++ {
			cv := fl[j]*cl[j] + fr[j]*cr[j] + in[j]*cand[j]
			out[h+j] = cv
			out[j] = o[j] * tanh(cv)
		}
	}
}

func (c *TreeLSTMComposer) Backward(dTop, dSecond, dTracking, top, second, tracking, dDst []float64, rows int) {
	// Callers recompute Forward with the traced operands immediately before
	// Backward, so c.z holds the matching gate activations.
	h := c.half
	g := 5 * h
	for i := 0; i < rows; i++ {
		zr := c.z[i*g : (i+1)*g]
		dzr := c.dz[i*g : (i+1)*g]
		in, fl, fr, o, cand := zr[:h], zr[h:2*h], zr[2*h:3*h], zr[3*h:4*h], zr[4*h:]
		cl := second[i*c.Dim+h : (i+1)*c.Dim]
		cr := top[i*c.Dim+h : (i+1)*c.Dim]
		dOut := dDst[i*c.Dim : (i+1)*c.Dim]

		for j := 0; j < h; j++ {
			cv := fl[j]*cl[j] + fr[j]*cr[j] + in[j]*cand[j]
			tc := tanh(cv)
			dh := dOut[j]
			dc := dOut[h+j] + dh*o[j]*(1-tc*tc)
			do := dh * tc

			dzr[j] = dc * cand[j] * in[j] * (1 - in[j])       // input gate
			dzr[h+j] = dc * cl[j] * fl[j] * (1 - fl[j])       // left forget
			dzr[2*h+j] = dc * cr[j] * fr[j] * (1 - fr[j])     // right forget
			dzr[3*h+j] = do * o[j] * (1 - o[j])               // output gate
			dzr[4*h+j] = dc * in[j] * (1 - cand[j]*cand[j])   // candidate
			if dSecond != nil {
				dSecond[i*c.Dim+h+j] += dc * fl[j]
			}
			if dTop != nil {
				dTop[i*c.Dim+h+j] += dc * fr[j]
			}
		}
	}

	// Gate pre-activation deltas back into children hidden halves, tracking
	// input and parameters. The hidden halves are strided inside full-width
	// rows, so this stays a per-row gemv-like loop.
	for i := 0; i < rows; i++ {
		dzr := c.dz[i*g : (i+1)*g]
		hl := second[i*c.Dim : i*c.Dim+h]
		hr := top[i*c.Dim : i*c.Dim+h]
		if dSecond != nil {
			addVecMatT(dSecond[i*c.Dim:i*c.Dim+h], c.Ul.Value, dzr, h, g)
		}
		if dTop != nil {
			addVecMatT(dTop[i*c.Dim:i*c.Dim+h], c.Ur.Value, dzr, h, g)
		}
		addOuter(c.Ul.Grad, hl, dzr, g)
		addOuter(c.Ur.Grad, hr, dzr, g)
		if c.Ext != nil && tracking != nil {
			ht := tracking[i*2*c.trackDim : i*2*c.trackDim+c.trackDim]
			if dTracking != nil {
				addVecMatT(dTracking[i*2*c.trackDim:i*2*c.trackDim+c.trackDim], c.Ext.Value, dzr, c.trackDim, g)
			}
			addOuter(c.Ext.Grad, ht, dzr, g)
		}
	}
	kernels.SumRowsInto(c.B.Grad, c.dz[:rows*g], g)
}

// addVecMatT computes dst += dz * W^T for one row, W being inDim x outDim.
func addVecMatT(dst, w, dz []float64, inDim, outDim int) {
	for k := 0; k < inDim; k++ {
		row := w[k*outDim : (k+1)*outDim]
		var sum float64
		for j, d := range dz[:outDim] {
			sum += d * row[j]
		}
		dst[k] += sum
	}
}

// addOuter accumulates grad += vec^T (outer) dz for one row.
func addOuter(grad, vec, dz []float64, outDim int) {
	for k, v := range vec {
		if v == 0 {
			continue
		}
		row := grad[k*outDim : (k+1)*outDim]
		for j, d := range dz[:outDim] {
			row[j] += v * d
		}
	}
}
