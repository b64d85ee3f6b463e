// Package kernels provides the data-parallel primitives of the thin-stack
// engine.
//
// Every kernel operates in place on flat float64 buffers with zero
// allocations. Buffers are grids of fixed-width rows, flattened so that a row
// is dim contiguous elements; per-example control flow is expressed as masked
// blends and pointer-vector gather/scatter instead of branches, which keeps
// the whole batch on a single instruction stream.
//
// Available operations:
//   - Row movement: GatherRows, ScatterAddRows, SwitchRows, CopyRows
//   - Vector arithmetic: AddInPlace, AxpyInPlace, ScaleInPlace, HadamardInPlace
//   - Activations: SigmoidInPlace, TanhInPlace, ReluInPlace
//   - Reductions: SoftmaxRows, ArgmaxRows, SumRowsInto, ClipInPlace
//
// Negative row indices are the "not yet valid" sentinel: gathers read a zero
// row and scatters drop the contribution, so callers never special-case the
// empty-stack boundary.
package kernels

import "math"

// GatherRows copies src row idxs[i] into dst row i. A negative index yields a
// zero row instead of a read.
func GatherRows(dst, src []float64, idxs []int, dim int) {
	for i, idx := range idxs {
		out := dst[i*dim : (i+1)*dim]
		if idx < 0 {
			for j := range out {
				out[j] = 0
			}
			continue
		}
		copy(out, src[idx*dim:(idx+1)*dim])
	}
}

// ScatterAddRows accumulates src row i into dst row idxs[i]. Contributions to
// the same destination row sum; negative indices are dropped.
func ScatterAddRows(dst, src []float64, idxs []int, dim int) {
	for i, idx := range idxs {
		if idx < 0 {
			continue
		}
		out := dst[idx*dim : (idx+1)*dim]
		in := src[i*dim : (i+1)*dim]
		for j := range out {
			out[j] += in[j]
		}
	}
}

// SwitchRows writes dst row i = mask[i]*merge + (1-mask[i])*push, the masked
// blend that commits one of the two precomputed outcomes per example.
func SwitchRows(dst, merge, push []float64, mask []float64, dim int) {
	for i, m := range mask {
		out := dst[i*dim : (i+1)*dim]
		mr := merge[i*dim : (i+1)*dim]
		pr := push[i*dim : (i+1)*dim]
		for j := range out {
			out[j] = m*mr[j] + (1-m)*pr[j]
		}
	}
}

// CopyRows copies n contiguous rows from src to dst.
func CopyRows(dst, src []float64, n, dim int) {
	copy(dst[:n*dim], src[:n*dim])
}

// ScaleRowsInto writes dst row i = scale[i] * src row i, used to pre-weight a
// branch delta by its per-example mask before a gradient call.
func ScaleRowsInto(dst, src []float64, scale []float64, dim int) {
	for i, s := range scale {
		out := dst[i*dim : (i+1)*dim]
		in := src[i*dim : (i+1)*dim]
		for j := range out {
			out[j] = s * in[j]
		}
	}
}

// AddInPlace performs dst += src element-wise.
func AddInPlace(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AxpyInPlace performs y += alpha*x.
func AxpyInPlace(alpha float64, x, y []float64) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}

// ScaleInPlace performs data *= alpha.
func ScaleInPlace(alpha float64, data []float64) {
	for i := range data {
		data[i] *= alpha
	}
}

// HadamardInPlace performs dst *= src element-wise.
func HadamardInPlace(dst, src []float64) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// SigmoidInPlace applies 1/(1+e^-x).
func SigmoidInPlace(data []float64) {
	for i, x := range data {
		data[i] = 1 / (1 + math.Exp(-x))
	}
}

// TanhInPlace applies the hyperbolic tangent.
func TanhInPlace(data []float64) {
	for i, x := range data {
		data[i] = math.Tanh(x)
	}
}

// ReluInPlace applies max(0, x).
func ReluInPlace(data []float64) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// SoftmaxRows applies a numerically stable softmax to each row in place.
func SoftmaxRows(data []float64, dim int) {
	for i := 0; i+dim <= len(data); i += dim {
		row := data[i : i+dim]
		maxVal := math.Inf(-1)
		for _, x := range row {
			if x > maxVal {
				maxVal = x
			}
		}
		var sum float64
		for j, x := range row {
			row[j] = math.Exp(x - maxVal)
			sum += row[j]
		}
		inv := 1 / sum
		for j := range row {
			row[j] *= inv
		}
	}
}

// ArgmaxRows writes the index of each row's maximum into dst. Ties resolve to
// the lowest index, which keeps repeated runs deterministic.
func ArgmaxRows(dst []int, data []float64, dim int) {
	for i := range dst {
		row := data[i*dim : (i+1)*dim]
		best := 0
		for j := 1; j < dim; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		dst[i] = best
	}
}

// SumRowsInto accumulates every row of data into dst (length dim). Used for
// bias gradients.
func SumRowsInto(dst, data []float64, dim int) {
	for i := 0; i+dim <= len(data); i += dim {
		row := data[i : i+dim]
		for j := range dst {
			dst[j] += row[j]
		}
	}
}

// ClipInPlace clamps every element to [-limit, limit]. A non-positive limit
// disables clipping.
func ClipInPlace(data []float64, limit float64) {
	if limit <= 0 {
		return
	}
	for i, x := range data {
		if x > limit {
			data[i] = limit
		} else if x < -limit {
			data[i] = -limit
		}
	}
}
