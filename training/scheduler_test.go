package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(10, 0.5)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{9, 0.1},
		{10, 0.05},
		{19, 0.05},
		{20, 0.025},
		{35, 0.0125},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, 0.1)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestStepLRSchedulerDefaults(t *testing.T) {
	scheduler := NewStepLRScheduler(0, 2.0)
	if scheduler.StepSize != 30 {
		t.Errorf("Default step size = %d, want 30", scheduler.StepSize)
	}
	if scheduler.Gamma != 0.1 {
		t.Errorf("Default gamma = %v, want 0.1", scheduler.Gamma)
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 1.0},
		{1, 0.9},
		{2, 0.81},
		{10, 0.3486784401},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, 1.0)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(10, 0.01)

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 1.0},
		{5, 0.505},
		{10, 0.01},
		{15, 0.01},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, 1.0)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestWarmupCosineScheduler(t *testing.T) {
	scheduler := NewWarmupCosineScheduler(10, 110, 0.1)

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.0},
		{5, 0.5},
		{10, 1.0},
		{60, 0.55},
		{110, 0.1},
		{200, 0.1},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(0, tt.step, 1.0)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestWarmupCosineSchedulerDefaults(t *testing.T) {
	scheduler := NewWarmupCosineScheduler(-5, 0, 3.0)
	if scheduler.WarmupSteps != 0 {
		t.Errorf("Default warmup steps = %d, want 0", scheduler.WarmupSteps)
	}
	if scheduler.TotalSteps != 1 {
		t.Errorf("Default total steps = %d, want 1", scheduler.TotalSteps)
	}
	if scheduler.MinFactor != 0.1 {
		t.Errorf("Default min factor = %v, want 0.1", scheduler.MinFactor)
	}
}

func TestNoOpScheduler(t *testing.T) {
	scheduler := NewNoOpScheduler()
	for _, epoch := range []int{0, 10, 1000} {
		if lr := scheduler.GetLR(epoch, epoch*7, 0.05); lr != 0.05 {
			t.Errorf("Epoch %d: expected LR 0.05, got %f", epoch, lr)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		name      string
	}{
		{NewStepLRScheduler(10, 0.5), "StepLR"},
		{NewExponentialLRScheduler(0.9), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(10, 0), "CosineAnnealingLR"},
		{NewWarmupCosineScheduler(10, 100, 0.1), "WarmupCosineLR"},
		{NewNoOpScheduler(), "ConstantLR"},
	}

	for _, tt := range tests {
		if got := tt.scheduler.GetName(); got != tt.name {
			t.Errorf("GetName = %q, want %q", got, tt.name)
		}
	}
}
