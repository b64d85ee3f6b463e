// Package nn implements the pluggable networks that surround the thin stack:
// composition functions, the tracking unit, and classifier layers.
//
// Every network exposes an explicit Forward/Backward method pair instead of
// relying on graph-based autodiff. Backward methods accumulate operand
// gradients into caller-provided buffers and parameter gradients into the
// parameter's own Grad slice; the stack's backward driver orchestrates the
// calls and the per-example mask blending. Dense algebra goes through gonum
// BLAS over the flat buffers, no copies.
package nn

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Initializer fills a freshly allocated parameter.
type Initializer func(r *rand.Rand, data []float64)

// UniformInitializer draws from [-scale, scale).
func UniformInitializer(scale float64) Initializer {
	return func(r *rand.Rand, data []float64) {
		for i := range data {
			data[i] = (r.Float64()*2 - 1) * scale
		}
	}
}

// NormalInitializer draws from N(0, std^2).
func NormalInitializer(std float64) Initializer {
	return func(r *rand.Rand, data []float64) {
		for i := range data {
			data[i] = r.NormFloat64() * std
		}
	}
}

// ZeroInitializer leaves the parameter at zero. Used for biases.
func ZeroInitializer() Initializer {
	return func(r *rand.Rand, data []float64) {
		for i := range data {
			data[i] = 0
		}
	}
}

// Param is one learned matrix (or vector, with Rows == 1) together with its
// gradient accumulator. Value and Grad stay the same length for the lifetime
// of the parameter.
type Param struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
	Grad  []float64
}

// Matrix returns a gonum view over the parameter value (no copy).
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows, p.Cols, p.Value)
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// VariableStore owns every learned parameter of a model, keyed by name.
// AddParam is memoized so that two layers asking for the same name share the
// parameter, mirroring how composition weights are reused across timesteps.
type VariableStore struct {
	prefix      string
	defaultInit Initializer
	rand        *rand.Rand
	params      map[string]*Param
}

// NewVariableStore creates a store seeded deterministically. All randomness
// in parameter initialization flows through the store's source.
func NewVariableStore(prefix string, defaultInit Initializer, seed int64) *VariableStore {
	if defaultInit == nil {
		defaultInit = UniformInitializer(0.1)
	}
	return &VariableStore{
		prefix:      prefix,
		defaultInit: defaultInit,
		rand:        rand.New(rand.NewSource(seed)),
		params:      make(map[string]*Param),
	}
}

// AddParam returns the named parameter, creating and initializing it on first
// use. A nil initializer falls back to the store default.
func (vs *VariableStore) AddParam(name string, rows, cols int, init Initializer) *Param {
	if p, ok := vs.params[name]; ok {
		if p.Rows != rows || p.Cols != cols {
			panic(fmt.Sprintf("nn: parameter %q re-registered with shape %dx%d, was %dx%d",
				name, rows, cols, p.Rows, p.Cols))
		}
		return p
	}
	if init == nil {
		init = vs.defaultInit
	}
	p := &Param{
		Name:  vs.prefix + "/" + name,
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, rows*cols),
		Grad:  make([]float64, rows*cols),
	}
	init(vs.rand, p.Value)
	vs.params[name] = p
	return p
}

// Params returns all parameters in a stable (name-sorted) order, for the
// optimizer.
func (vs *VariableStore) Params() []*Param {
	names := make([]string, 0, len(vs.params))
	for name := range vs.params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Param, len(names))
	for i, name := range names {
		out[i] = vs.params[name]
	}
	return out
}

// ZeroGrads clears every gradient accumulator before a new batch.
func (vs *VariableStore) ZeroGrads() {
	for _, p := range vs.params {
		p.ZeroGrad()
	}
}
