package training

import "math"

// LRScheduler computes the learning rate for a point in the run. The
// trainer consults it at the granularity configured on the Config, passing
// both the epoch and the global step so schedules can key on either axis,
// and pushes the result into the optimizer.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler decays the learning rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int     // epochs between decays
	Gamma    float64 // multiplicative decay factor
}

// NewStepLRScheduler creates a step decay schedule. Non-positive arguments
// fall back to the usual defaults.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

// GetLR returns the decayed learning rate for the given epoch.
func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

// GetName returns the scheduler name.
func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate by Gamma every epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential decay schedule.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

// GetLR returns the decayed learning rate for the given epoch.
func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

// GetName returns the scheduler name.
func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler sweeps the learning rate from baseLR down to
// EtaMin along a half cosine over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int     // epochs per annealing cycle
	EtaMin float64 // minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing schedule.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 50
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

// GetLR returns the annealed learning rate for the given epoch.
func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	progress := float64(epoch) / float64(s.TMax)
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

// GetName returns the scheduler name.
func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// WarmupCosineScheduler ramps linearly from zero to baseLR over the warmup
// steps, then decays along a cosine toward MinFactor*baseLR at TotalSteps.
// It keys on the global step, so it pairs with interval-mode scheduling.
type WarmupCosineScheduler struct {
	WarmupSteps int     // length of the linear ramp in steps
	TotalSteps  int     // step at which the schedule bottoms out
	MinFactor   float64 // floor as a fraction of baseLR
}

// NewWarmupCosineScheduler creates a warmup plus cosine decay schedule.
func NewWarmupCosineScheduler(warmupSteps, totalSteps int, minFactor float64) *WarmupCosineScheduler {
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if totalSteps <= warmupSteps {
		totalSteps = warmupSteps + 1
	}
	if minFactor < 0 || minFactor >= 1 {
		minFactor = 0.1
	}
	return &WarmupCosineScheduler{WarmupSteps: warmupSteps, TotalSteps: totalSteps, MinFactor: minFactor}
}

// GetLR returns the scheduled learning rate for the given global step.
func (s *WarmupCosineScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * float64(step) / float64(s.WarmupSteps)
	}
	progress := float64(step-s.WarmupSteps) / float64(s.TotalSteps-s.WarmupSteps)
	if progress > 1 {
		progress = 1
	}
	minLR := baseLR * s.MinFactor
	return minLR + 0.5*(baseLR-minLR)*(1+math.Cos(math.Pi*progress))
}

// GetName returns the scheduler name.
func (s *WarmupCosineScheduler) GetName() string {
	return "WarmupCosineLR"
}

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

// NewNoOpScheduler creates a constant schedule.
func NewNoOpScheduler() *NoOpScheduler {
	return &NoOpScheduler{}
}

// GetLR returns baseLR unchanged.
func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

// GetName returns the scheduler name.
func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
