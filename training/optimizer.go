package training

// Optimizer is the update rule the trainer drives. Implementations manage a
// fixed set of parameters, reading each one's Grad and updating Data in
// place on Step. The harness never inspects the update math; it only calls
// these four methods at the points the loop dictates.
type Optimizer interface {
	Step() error      // applies one update from the current gradients
	ZeroGrad()        // clears gradients on every managed parameter
	GetLR() float64   // returns the current learning rate
	SetLR(lr float64) // sets the learning rate
}
