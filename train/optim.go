// Package train drives optimization: minibatch iteration, parameter updates,
// the scheduled-sampling ramp and the evaluation loop.
package train

import (
	"github.com/sbl8/thinstack/kernels"
	"github.com/sbl8/thinstack/nn"
)

// Optimizer applies one accumulated-gradient update to the parameter list.
type Optimizer interface {
	Step(params []*nn.Param)
}

// SGD is plain stochastic gradient descent with optional L2 decay and
// per-parameter gradient clipping.
type SGD struct {
	LR   float64
	L2   float64
	Clip float64 // element-wise clamp, <= 0 disables
}

func (s *SGD) Step(params []*nn.Param) {
	for _, p := range params {
		kernels.ClipInPlace(p.Grad, s.Clip)
		if s.L2 > 0 {
			kernels.AxpyInPlace(s.L2, p.Value, p.Grad)
		}
		kernels.AxpyInPlace(-s.LR, p.Grad, p.Value)
	}
}

// Momentum is SGD with classical momentum. Velocity buffers are allocated
// lazily per parameter on first use.
type Momentum struct {
	LR   float64
	Mu   float64
	L2   float64
	Clip float64

	vel map[*nn.Param][]float64
}

func (m *Momentum) Step(params []*nn.Param) {
	if m.vel == nil {
		m.vel = make(map[*nn.Param][]float64, len(params))
	}
	for _, p := range params {
		kernels.ClipInPlace(p.Grad, m.Clip)
		if m.L2 > 0 {
			kernels.AxpyInPlace(m.L2, p.Value, p.Grad)
		}
		v, ok := m.vel[p]
		if !ok {
			v = make([]float64, len(p.Value))
			m.vel[p] = v
		}
		for i := range v {
			v[i] = m.Mu*v[i] - m.LR*p.Grad[i]
			p.Value[i] += v[i]
		}
	}
}

// SamplingSchedule maps a training step to the scheduled-sampling probability
// of trusting the model's own transition predictions.
type SamplingSchedule func(step int) float64

// ConstantSampling always returns p.
func ConstantSampling(p float64) SamplingSchedule {
	return func(int) float64 { return p }
}

// LinearSampling ramps from 0 (pure ground truth) to 1 (pure prediction)
// over rampSteps steps, then stays at 1. The ramp is monotone.
func LinearSampling(rampSteps int) SamplingSchedule {
	return func(step int) float64 {
		if rampSteps <= 0 || step >= rampSteps {
			return 1
		}
		if step < 0 {
			return 0
		}
		return float64(step) / float64(rampSteps)
	}
}
