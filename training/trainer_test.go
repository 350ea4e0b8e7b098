package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/kilnml/kiln/runlog/tfevent"
)

func TestNewTrainerValidation(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.1)
	step := quadStep(model)
	logger := newTestLogger(t)

	tests := []struct {
		name    string
		build   func() (*Trainer, error)
		wantErr bool
	}{
		{
			name: "valid",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, step, logger, Config{LR: 0.1})
			},
		},
		{
			name: "nil model",
			build: func() (*Trainer, error) {
				return NewTrainer(nil, opt, step, logger, Config{})
			},
			wantErr: true,
		},
		{
			name: "nil optimizer",
			build: func() (*Trainer, error) {
				return NewTrainer(model, nil, step, logger, Config{})
			},
			wantErr: true,
		},
		{
			name: "nil step function",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, nil, logger, Config{})
			},
			wantErr: true,
		},
		{
			name: "nil logger",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, step, nil, Config{})
			},
			wantErr: true,
		},
		{
			name: "negative accumulation",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, step, logger, Config{AccumulateGradBatches: -1})
			},
			wantErr: true,
		},
		{
			name: "epoch mode without scheduler",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, step, logger, Config{LRMode: LRStepEpoch})
			},
			wantErr: true,
		},
		{
			name: "interval mode without interval",
			build: func() (*Trainer, error) {
				return NewTrainer(model, opt, step, logger, Config{LRMode: LRStepInterval, Scheduler: NewNoOpScheduler()})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestNewTrainerLearningRate(t *testing.T) {
	model := newQuadModel(1, 0)
	step := quadStep(model)

	// An explicit rate is pushed into the optimizer.
	opt := newCountingSGD(model.Parameters(), 0.25)
	if _, err := NewTrainer(model, opt, step, newTestLogger(t), Config{LR: 0.5}); err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if opt.GetLR() != 0.5 {
		t.Errorf("Optimizer LR = %v, want 0.5", opt.GetLR())
	}

	// A zero rate adopts the optimizer's current one.
	opt = newCountingSGD(model.Parameters(), 0.25)
	if _, err := NewTrainer(model, opt, step, newTestLogger(t), Config{}); err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if opt.GetLR() != 0.25 {
		t.Errorf("Optimizer LR = %v, want 0.25", opt.GetLR())
	}
}

func TestFitStopsAtMaxSteps(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(10), intBatches(2))
	if err := trainer.Fit(3, 4, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if trainer.GlobalStep() != 4 {
		t.Errorf("GlobalStep = %d, want 4", trainer.GlobalStep())
	}
	if opt.steps != 4 {
		t.Errorf("Optimizer stepped %d times, want 4", opt.steps)
	}
	// The cap hit mid-epoch, so no later epoch begins.
	if trainer.Epoch() != 0 {
		t.Errorf("Epoch = %d, want 0", trainer.Epoch())
	}
}

func TestFitZeroMaxSteps(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(10), intBatches(2))
	if err := trainer.Fit(3, 0, 2, 1, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if trainer.GlobalStep() != 0 {
		t.Errorf("GlobalStep = %d, want 0", trainer.GlobalStep())
	}
	if opt.steps != 0 {
		t.Errorf("Optimizer stepped %d times, want 0", opt.steps)
	}
	if model.w.Data[0] != 5 {
		t.Errorf("Weight moved to %v without any update", model.w.Data[0])
	}
}

func TestFitRunsAllEpochs(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(4), intBatches(2))
	if err := trainer.Fit(3, 100, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	if trainer.GlobalStep() != 12 {
		t.Errorf("GlobalStep = %d, want 12", trainer.GlobalStep())
	}
	if trainer.Epoch() != 2 {
		t.Errorf("Epoch = %d, want 2", trainer.Epoch())
	}
}

func TestFitEmptyTrainSource(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(nil, intBatches(1))
	if err := trainer.Fit(2, 5, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if trainer.GlobalStep() != 0 {
		t.Errorf("GlobalStep = %d, want 0", trainer.GlobalStep())
	}
}

func TestFitCheckpointCadence(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	logger := newTestLogger(t)
	trainer, err := NewTrainer(model, opt, quadStep(model), logger, Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(20), intBatches(2))
	if err := trainer.Fit(1, 17, 0, 5, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(logger.Dir(), "checkpoints"))
	if err != nil {
		t.Fatalf("Failed to read checkpoints directory: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	want := []string{"model_10.ckpt", "model_15.ckpt", "model_5.ckpt"}
	if len(names) != len(want) {
		t.Fatalf("Checkpoint files %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("Checkpoint %d = %q, want %q", i, names[i], name)
		}
	}
}

func TestFitAccumulationGate(t *testing.T) {
	model := newQuadModel(5, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{
		LR:                    0.01,
		AccumulateGradBatches: 4,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(9), intBatches(2))
	if err := trainer.Fit(1, 9, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// The gate divides the pre-increment counter, so updates land on
	// steps 0, 4 and 8.
	if opt.steps != 3 {
		t.Errorf("Optimizer stepped %d times, want 3", opt.steps)
	}
}

func TestFitValidationCadence(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	logger := newTestLogger(t)

	var phases []bool
	var valBatches []Batch
	step := func(batch Batch, batchIdx int) (float64, map[string]float64, error) {
		phases = append(phases, model.IsTraining())
		if model.IsTraining() {
			model.w.Grad[0] = 2 * model.w.Data[0]
		} else {
			valBatches = append(valBatches, batch)
		}
		return 1, map[string]float64{"loss": 1}, nil
	}

	trainer, err := NewTrainer(model, opt, step, logger, Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(6), []Batch{"v0", "v1"})
	if err := trainer.Fit(1, 100, 2, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	evals := 0
	for _, training := range phases {
		if !training {
			evals++
		}
	}
	// Batch indices 0, 2 and 4 trigger validation.
	if evals != 3 {
		t.Errorf("Ran %d validation steps, want 3", evals)
	}
	if !model.IsTraining() {
		t.Error("Model left in evaluation mode after Fit")
	}

	// A two-batch validation set cycles: v0, v1, then v0 again.
	want := []Batch{"v0", "v1", "v0"}
	if len(valBatches) != len(want) {
		t.Fatalf("Validation batches %v, want %v", valBatches, want)
	}
	for i, batch := range want {
		if valBatches[i] != batch {
			t.Errorf("Validation batch %d = %v, want %v", i, valBatches[i], batch)
		}
	}
}

func TestFitSchedulerEpochMode(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 1.0)
	logger := newTestLogger(t)
	trainer, err := NewTrainer(model, opt, quadStep(model), logger, Config{
		LR:        1.0,
		Scheduler: NewStepLRScheduler(1, 0.1),
		LRMode:    LRStepEpoch,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(2), intBatches(1))
	if err := trainer.Fit(2, 100, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if err := logger.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// Two completed epochs decay twice past the base rate.
	if math.Abs(opt.GetLR()-0.01) > 1e-12 {
		t.Errorf("Final LR = %v, want 0.01", opt.GetLR())
	}

	// The rate logged during epoch 1 reflects the first advance.
	var lrs []float64
	events, err := tfevent.ReadAll(logger.EventFile())
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	for _, event := range events {
		for _, s := range event.Scalars {
			if s.Tag == "train/lr" {
				lrs = append(lrs, s.Value)
			}
		}
	}
	wantLRs := []float64{1.0, 1.0, 0.1, 0.1}
	if len(lrs) != len(wantLRs) {
		t.Fatalf("Logged %d learning rates %v, want %d", len(lrs), lrs, len(wantLRs))
	}
	for i, want := range wantLRs {
		if math.Abs(lrs[i]-want) > 1e-6 {
			t.Errorf("train/lr %d = %v, want %v", i, lrs[i], want)
		}
	}
}

func TestFitSchedulerIntervalMode(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 1.0)
	scheduler := &recordingScheduler{}
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{
		LR:         1.0,
		Scheduler:  scheduler,
		LRMode:     LRStepInterval,
		LRInterval: 3,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(10), intBatches(1))
	if err := trainer.Fit(1, 100, 0, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	want := [][2]int{{0, 3}, {0, 6}, {0, 9}}
	if len(scheduler.calls) != len(want) {
		t.Fatalf("Scheduler consulted %d times %v, want %d", len(scheduler.calls), scheduler.calls, len(want))
	}
	for i, call := range want {
		if scheduler.calls[i] != call {
			t.Errorf("Scheduler call %d = %v, want %v", i, scheduler.calls[i], call)
		}
	}
	if opt.GetLR() != 0.5 {
		t.Errorf("Final LR = %v, want 0.5", opt.GetLR())
	}
}

func TestFitLogsPhasePrefixes(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	logger := newTestLogger(t)
	trainer, err := NewTrainer(model, opt, quadStep(model), logger, Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(4), intBatches(2))
	if err := trainer.Fit(1, 100, 2, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if err := logger.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	events, err := tfevent.ReadAll(logger.EventFile())
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	steps := make(map[string][]int64)
	for _, event := range events {
		for _, s := range event.Scalars {
			steps[s.Tag] = append(steps[s.Tag], event.Step)
		}
	}

	// Training logs land at the pre-increment step; validation runs after
	// the increment.
	wantTrain := []int64{0, 1, 2, 3}
	if fmt.Sprint(steps["train/loss"]) != fmt.Sprint(wantTrain) {
		t.Errorf("train/loss steps = %v, want %v", steps["train/loss"], wantTrain)
	}
	if fmt.Sprint(steps["train/lr"]) != fmt.Sprint(wantTrain) {
		t.Errorf("train/lr steps = %v, want %v", steps["train/lr"], wantTrain)
	}
	wantVal := []int64{1, 3}
	if fmt.Sprint(steps["val/loss"]) != fmt.Sprint(wantVal) {
		t.Errorf("val/loss steps = %v, want %v", steps["val/loss"], wantVal)
	}
	if len(steps["val/lr"]) != 0 {
		t.Errorf("val/lr logged %v, want none", steps["val/lr"])
	}
}

func TestTrainingStepClipsGradients(t *testing.T) {
	model := newQuadModel(10, 0)
	opt := newCountingSGD(model.Parameters(), 0.1)
	trainer, err := NewTrainer(model, opt, quadStep(model), newTestLogger(t), Config{
		LR:           0.1,
		ClipGradNorm: 1.0,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	if err := trainer.TrainingStep(0, 0); err != nil {
		t.Fatalf("TrainingStep failed: %v", err)
	}

	// The raw gradient of 20 is clipped to norm 1 before the update.
	if got := float64(model.w.Data[0]); math.Abs(got-9.9) > 1e-5 {
		t.Errorf("Weight = %v, want 9.9", got)
	}
}

func TestFitPropagatesStepError(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	step := func(batch Batch, batchIdx int) (float64, map[string]float64, error) {
		return 0, nil, fmt.Errorf("bad batch")
	}
	trainer, err := NewTrainer(model, opt, step, newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule(intBatches(3), intBatches(1))
	err = trainer.Fit(1, 100, 0, 0, dm)
	if err == nil {
		t.Fatal("Expected Fit to fail when the step function fails")
	}
	if !strings.Contains(err.Error(), "training step") {
		t.Errorf("Error = %v, want training step failure", err)
	}
}

type moverBatch struct {
	device Device
}

func (b moverBatch) To(device Device) (Batch, error) {
	return moverBatch{device: device}, nil
}

func TestFitMovesBatchesToDevice(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)

	var devices []Device
	step := func(batch Batch, batchIdx int) (float64, map[string]float64, error) {
		devices = append(devices, batch.(moverBatch).device)
		if model.IsTraining() {
			model.w.Grad[0] = 1
		}
		return 0, nil, nil
	}
	trainer, err := NewTrainer(model, opt, step, newTestLogger(t), Config{LR: 0.01, Device: GPU})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	dm := NewSliceDataModule([]Batch{moverBatch{}}, []Batch{moverBatch{}})
	if err := trainer.Fit(1, 1, 1, 0, dm); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// One training batch and one validation batch, both placed.
	if len(devices) != 2 {
		t.Fatalf("Step saw %d batches, want 2", len(devices))
	}
	for i, device := range devices {
		if device != GPU {
			t.Errorf("Batch %d placed on %q, want %q", i, device, GPU)
		}
	}
}

func TestValidationStepRestoresTrainingMode(t *testing.T) {
	model := newQuadModel(1, 0)
	opt := newCountingSGD(model.Parameters(), 0.01)
	step := func(batch Batch, batchIdx int) (float64, map[string]float64, error) {
		return 0, nil, fmt.Errorf("validation blew up")
	}
	trainer, err := NewTrainer(model, opt, step, newTestLogger(t), Config{LR: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	if err := trainer.ValidationStep(0, 0); err == nil {
		t.Fatal("Expected ValidationStep to propagate the step error")
	}
	if !model.IsTraining() {
		t.Error("Model left in evaluation mode after a failed validation step")
	}
}
