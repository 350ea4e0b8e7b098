// Package training drives generic optimization loops. The trainer owns the
// epoch and step bookkeeping, learning rate scheduling, gradient clipping
// and accumulation, periodic validation, and checkpoint cadence, while the
// model, the optimizer, and the per-batch step function stay pluggable.
package training

import "math"

// Parameter is one named, flat weight vector with its gradient buffer. It
// is the contract between a model, a step function, and an optimizer: the
// model owns the storage, the step function fills Grad during training, the
// optimizer folds Grad into Data.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParameter allocates a zero-valued parameter covering shape.
func NewParameter(name string, shape []int) *Parameter {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// NumElements returns the flat element count.
func (p *Parameter) NumElements() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Model is the trainer's view of a trainable model. Train and Eval switch
// the behavior of layers that act differently per phase; SaveState writes
// an opaque snapshot of the model to disk when a checkpoint is due.
type Model interface {
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
	SaveState(path string) error
}

// GradNorm returns the global L2 norm over every parameter's gradient.
func GradNorm(params []*Parameter) float64 {
	var sumSquares float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSquares += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sumSquares)
}

// ClipGradNorm rescales gradients in place so their global L2 norm does not
// exceed maxNorm, returning the norm measured before clipping. maxNorm <= 0
// leaves the gradients untouched.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-12))
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
