package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/sbl8/thinstack/kernels"
)

// general wraps a flat row-major buffer as a gonum BLAS matrix without
// copying.
func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// Activation selects the optional nonlinearity of a Linear layer.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
)

// Linear is an affine map over rows: dst = src*W + b, optionally followed by
// a ReLU. W is InDim x OutDim.
type Linear struct {
	W, B   *Param
	InDim  int
	OutDim int
	Act    Activation

	// pre holds the affine output before the nonlinearity, cached by Forward
	// for the most recent batch so Backward can gate through the ReLU.
	pre []float64
}

// NewLinear registers the layer's parameters in vs under name_W / name_b and
// preallocates scratch for maxRows rows.
func NewLinear(vs *VariableStore, name string, inDim, outDim, maxRows int, act Activation) *Linear {
	return &Linear{
		W:      vs.AddParam(name+"_W", inDim, outDim, nil),
		B:      vs.AddParam(name+"_b", 1, outDim, ZeroInitializer()),
		InDim:  inDim,
		OutDim: outDim,
		Act:    act,
		pre:    make([]float64, maxRows*outDim),
	}
}

// Forward computes dst = act(src*W + b) for rows rows.
func (l *Linear) Forward(dst, src []float64, rows int) {
	blas64.Gemm(blas.NoTrans, blas.NoTrans,
		1, general(rows, l.InDim, src), general(l.W.Rows, l.W.Cols, l.W.Value),
		0, general(rows, l.OutDim, dst))
	for i := 0; i < rows; i++ {
		row := dst[i*l.OutDim : (i+1)*l.OutDim]
		for j := range row {
			row[j] += l.B.Value[j]
		}
	}
	if l.Act == ActReLU {
		copy(l.pre[:rows*l.OutDim], dst[:rows*l.OutDim])
		kernels.ReluInPlace(dst[:rows*l.OutDim])
	}
}

// Backward accumulates parameter gradients and, when dSrc is non-nil, the
// gradient with respect to src. src must be the input of the matching
// Forward call; dDst is consumed read-only except for the internal ReLU gate.
func (l *Linear) Backward(dSrc, src, dDst []float64, rows int) {
	d := dDst[:rows*l.OutDim]
	if l.Act == ActReLU {
		// Gate the incoming delta by the pre-activation sign. The delta is
		// caller-owned scratch, so gating in place is safe.
		for i, x := range l.pre[:rows*l.OutDim] {
			if x < 0 {
				d[i] = 0
			}
		}
	}

	// W.Grad += src^T * dDst
	blas64.Gemm(blas.Trans, blas.NoTrans,
		1, general(rows, l.InDim, src), general(rows, l.OutDim, d),
		1, general(l.W.Rows, l.W.Cols, l.W.Grad))
	kernels.SumRowsInto(l.B.Grad, d, l.OutDim)

	if dSrc != nil {
		// dSrc += dDst * W^T
		blas64.Gemm(blas.NoTrans, blas.Trans,
			1, general(rows, l.OutDim, d), general(l.W.Rows, l.W.Cols, l.W.Value),
			1, general(rows, l.InDim, dSrc))
	}
}

// MLP chains Linear layers with ReLU between hidden layers and no final
// nonlinearity, matching the classifier head shape of the original models.
type MLP struct {
	layers []*Linear
	// acts[i] is the input of layer i for the most recent Forward; acts has
	// len(layers)+1 entries with the last holding the output.
	acts   [][]float64
	dScrat [][]float64
	rows   int
}

// NewMLP builds a classifier inDim -> hidden... -> outDim for batches of at
// most maxRows rows.
func NewMLP(vs *VariableStore, name string, inDim int, hidden []int, outDim, maxRows int) *MLP {
	dims := make([]int, 0, len(hidden)+2)
	dims = append(dims, inDim)
	dims = append(dims, hidden...)
	dims = append(dims, outDim)

	m := &MLP{}
	for i := 0; i+1 < len(dims); i++ {
		act := ActReLU
		if i == len(dims)-2 {
			act = ActNone
		}
		m.layers = append(m.layers, NewLinear(vs, nameLayer(name, i), dims[i], dims[i+1], maxRows, act))
	}
	m.acts = make([][]float64, len(dims))
	m.dScrat = make([][]float64, len(dims))
	for i, d := range dims {
		m.acts[i] = make([]float64, maxRows*d)
		m.dScrat[i] = make([]float64, maxRows*d)
	}
	return m
}

func nameLayer(name string, i int) string {
	return fmt.Sprintf("%s/%d", name, i)
}

// Forward computes dst = mlp(src).
func (m *MLP) Forward(dst, src []float64, rows int) {
	m.rows = rows
	copy(m.acts[0][:rows*m.layers[0].InDim], src[:rows*m.layers[0].InDim])
	for i, l := range m.layers {
		out := m.acts[i+1]
		if i == len(m.layers)-1 {
			out = dst
		}
		l.Forward(out, m.acts[i], rows)
	}
}

// Backward routes dDst through every layer, accumulating parameter gradients
// and writing the input gradient into dSrc (added, not overwritten).
func (m *MLP) Backward(dSrc, dDst []float64, rows int) {
	last := len(m.layers) - 1
	copy(m.dScrat[last+1][:rows*m.layers[last].OutDim], dDst[:rows*m.layers[last].OutDim])
	for i := last; i >= 0; i-- {
		l := m.layers[i]
		var below []float64
		if i > 0 {
			below = m.dScrat[i]
			for j := range below[:rows*l.InDim] {
				below[j] = 0
			}
		} else {
			below = dSrc
		}
		l.Backward(below, m.acts[i], m.dScrat[i+1], rows)
	}
}
