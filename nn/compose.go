package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/sbl8/thinstack/kernels"
)

// Composer combines the stack top and second-from-top into a merge value.
// Operands are flat row batches of width dim; second is the left child (it
// was pushed earlier), top the right child. tracking carries the tracking
// state committed at the previous timestep and may be nil for composers that
// ignore it.
//
// Backward receives the (already mask-weighted) delta of the merge output and
// accumulates into dTop/dSecond/dTracking plus the composer's own parameter
// gradients. Any of the gradient outputs may be nil when the caller does not
// need them. Operands must be exactly those of the matching Forward call.
type Composer interface {
	Forward(dst, top, second, tracking []float64, rows int)
	Backward(dTop, dSecond, dTracking, top, second, tracking, dDst []float64, rows int)
}

// SumComposer merges by element-wise addition. Its gradient is the identity
// into both children, which makes whole-tree gradients analytically
// predictable; used in tests and as a parameter-free baseline.
type SumComposer struct{ Dim int }

func (c SumComposer) Forward(dst, top, second, tracking []float64, rows int) {
	n := rows * c.Dim
	copy(dst[:n], top[:n])
	kernels.AddInPlace(dst[:n], second[:n])
}

func (c SumComposer) Backward(dTop, dSecond, dTracking, top, second, tracking, dDst []float64, rows int) {
	n := rows * c.Dim
	if dTop != nil {
		kernels.AddInPlace(dTop[:n], dDst[:n])
	}
	if dSecond != nil {
		kernels.AddInPlace(dSecond[:n], dDst[:n])
	}
}

// LeftComposer merges by returning the left child unchanged. A trivial
// deterministic composer for exercising the stack mechanics in isolation.
type LeftComposer struct{ Dim int }

func (c LeftComposer) Forward(dst, top, second, tracking []float64, rows int) {
	n := rows * c.Dim
	copy(dst[:n], second[:n])
}

func (c LeftComposer) Backward(dTop, dSecond, dTracking, top, second, tracking, dDst []float64, rows int) {
	if dSecond != nil {
		kernels.AddInPlace(dSecond[:rows*c.Dim], dDst[:rows*c.Dim])
	}
}

// AffineComposer computes act(second*Wl + top*Wr + b), the plain learned
// composition of the original models. Wl and Wr are Dim x Dim.
type AffineComposer struct {
	Wl, Wr, B *Param
	Dim       int
	Act       Activation

	pre []float64
}

// NewAffineComposer registers compose_Wl / compose_Wr / compose_b under name
// and preallocates scratch for maxRows rows.
func NewAffineComposer(vs *VariableStore, name string, dim, maxRows int, act Activation) *AffineComposer {
	return &AffineComposer{
		Wl:  vs.AddParam(name+"_Wl", dim, dim, nil),
		Wr:  vs.AddParam(name+"_Wr", dim, dim, nil),
		B:   vs.AddParam(name+"_b", 1, dim, ZeroInitializer()),
		Dim: dim,
		Act: act,
		pre: make([]float64, maxRows*dim),
	}
}

func (c *AffineComposer) Forward(dst, top, second, tracking []float64, rows int) {
	blas64.Gemm(blas.NoTrans, blas.NoTrans,
		1, general(rows, c.Dim, second), general(c.Dim, c.Dim, c.Wl.Value),
		0, general(rows, c.Dim, dst))
	blas64.Gemm(blas.NoTrans, blas.NoTrans,
		1, general(rows, c.Dim, top), general(c.Dim, c.Dim, c.Wr.Value),
		1, general(rows, c.Dim, dst))
	for i := 0; i < rows; i++ {
		row := dst[i*c.Dim : (i+1)*c.Dim]
		for j := range row {
			row[j] += c.B.Value[j]
		}
	}
	if c.Act == ActReLU {
		copy(c.pre[:rows*c.Dim], dst[:rows*c.Dim])
		kernels.ReluInPlace(dst[:rows*c.Dim])
	}
}

func (c *AffineComposer) Backward(dTop, dSecond, dTracking, top, second, tracking, dDst []float64, rows int) {
	n := rows * c.Dim
	d := dDst[:n]
	if c.Act == ActReLU {
		// The backward replay recomputes this composition before calling us,
		// so pre reflects the same operands the delta refers to.
		for i, x := range c.pre[:n] {
			if x < 0 {
				d[i] = 0
			}
		}
	}

	blas64.Gemm(blas.Trans, blas.NoTrans,
		1, general(rows, c.Dim, second), general(rows, c.Dim, d),
		1, general(c.Dim, c.Dim, c.Wl.Grad))
	blas64.Gemm(blas.Trans, blas.NoTrans,
		1, general(rows, c.Dim, top), general(rows, c.Dim, d),
		1, general(c.Dim, c.Dim, c.Wr.Grad))
	kernels.SumRowsInto(c.B.Grad, d, c.Dim)

	if dSecond != nil {
		blas64.Gemm(blas.NoTrans, blas.Trans,
			1, general(rows, c.Dim, d), general(c.Dim, c.Dim, c.Wl.Value),
			1, general(rows, c.Dim, dSecond))
	}
	if dTop != nil {
		blas64.Gemm(blas.NoTrans, blas.Trans,
			1, general(rows, c.Dim, d), general(c.Dim, c.Dim, c.Wr.Value),
			1, general(rows, c.Dim, dTop))
	}
}
