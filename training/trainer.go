package training

import (
	"fmt"

	"github.com/kilnml/kiln/runlog"
)

// Device names the placement target batches are moved to before each step.
type Device string

const (
	// CPU leaves batches where they are. It is the default.
	CPU Device = "cpu"
	// GPU marks batches for an accelerator-backed step function.
	GPU Device = "gpu"
)

// DeviceMover is implemented by batches that relocate themselves onto a
// device ahead of a step. Batches without it pass through untouched.
type DeviceMover interface {
	To(device Device) (Batch, error)
}

// StepFunc computes one batch's loss and metrics. In training mode it must
// also leave fresh gradients on the model's parameters; in evaluation mode
// it must leave them alone. The returned logs are forwarded to the run
// logger under the phase prefix.
type StepFunc func(batch Batch, batchIdx int) (loss float64, logs map[string]float64, err error)

// LRStepMode selects when the scheduler advances.
type LRStepMode int

const (
	// LRStepNone never consults the scheduler.
	LRStepNone LRStepMode = iota
	// LRStepEpoch advances the schedule once per completed epoch.
	LRStepEpoch
	// LRStepInterval advances every Config.LRInterval global steps.
	LRStepInterval
)

// Config holds the knobs of one Trainer.
type Config struct {
	LR                    float64     // base learning rate; 0 adopts the optimizer's current rate
	Scheduler             LRScheduler // required when LRMode is not LRStepNone
	LRMode                LRStepMode  // scheduler granularity
	LRInterval            int         // steps between advances in LRStepInterval mode
	ClipGradNorm          float64     // max global gradient norm, 0 disables clipping
	AccumulateGradBatches int         // steps between optimizer updates, 0 means every step
	Device                Device      // placement target for batches, default CPU
	Progress              bool        // render a progress bar during Fit
}

// Trainer drives the generic loop: epochs over a training source, per-batch
// delegation to the step function, clipped and accumulated optimizer
// updates, scheduler advances, periodic validation, and checkpoint cadence.
// One Fit call at a time; a Trainer is not safe for concurrent use.
type Trainer struct {
	model  Model
	opt    Optimizer
	step   StepFunc
	logger *runlog.Logger
	cfg    Config

	globalStep int
	epoch      int
}

// NewTrainer validates the wiring and returns a ready Trainer.
func NewTrainer(model Model, opt Optimizer, step StepFunc, logger *runlog.Logger, cfg Config) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer requires a model")
	}
	if opt == nil {
		return nil, fmt.Errorf("trainer requires an optimizer")
	}
	if step == nil {
		return nil, fmt.Errorf("trainer requires a step function")
	}
	if logger == nil {
		return nil, fmt.Errorf("trainer requires a logger")
	}
	if cfg.AccumulateGradBatches < 0 {
		return nil, fmt.Errorf("accumulate grad batches must not be negative, got %d", cfg.AccumulateGradBatches)
	}
	if cfg.AccumulateGradBatches == 0 {
		cfg.AccumulateGradBatches = 1
	}
	if cfg.LRMode != LRStepNone && cfg.Scheduler == nil {
		return nil, fmt.Errorf("lr step mode requires a scheduler")
	}
	if cfg.LRMode == LRStepInterval && cfg.LRInterval <= 0 {
		return nil, fmt.Errorf("lr step interval must be positive, got %d", cfg.LRInterval)
	}
	if cfg.Device == "" {
		cfg.Device = CPU
	}
	if cfg.LR == 0 {
		cfg.LR = opt.GetLR()
	} else {
		opt.SetLR(cfg.LR)
	}
	return &Trainer{model: model, opt: opt, step: step, logger: logger, cfg: cfg}, nil
}

// TrainingStep runs one training batch: cleared gradients, fresh gradients
// from the step function, then a clipped optimizer update whenever the
// global step divides by AccumulateGradBatches. The counter is taken before
// it advances, so the very first batch always applies an update. The step's
// logs plus the current learning rate land under train/ at the current
// global step.
func (t *Trainer) TrainingStep(batch Batch, batchIdx int) error {
	t.opt.ZeroGrad()

	_, logs, err := t.step(batch, batchIdx)
	if err != nil {
		return fmt.Errorf("training step %d failed: %v", batchIdx, err)
	}

	if t.globalStep%t.cfg.AccumulateGradBatches == 0 {
		ClipGradNorm(t.model.Parameters(), t.cfg.ClipGradNorm)
		if err := t.opt.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %v", err)
		}
	}

	if logs == nil {
		logs = make(map[string]float64, 1)
	}
	logs["lr"] = t.opt.GetLR()

	prefixed := make(map[string]float64, len(logs))
	for key, value := range logs {
		prefixed["train/"+key] = value
	}
	if err := t.logger.LogScalars(prefixed, int64(t.globalStep)); err != nil {
		return fmt.Errorf("failed to log training metrics: %v", err)
	}
	return nil
}

// ValidationStep evaluates one batch and logs the step's metrics under
// val/ at the current global step. The model is flipped into evaluation
// mode for the call and put back into training mode afterwards, error or
// not.
func (t *Trainer) ValidationStep(batch Batch, batchIdx int) error {
	t.model.Eval()
	defer t.model.Train()

	_, logs, err := t.step(batch, batchIdx)
	if err != nil {
		return fmt.Errorf("validation step %d failed: %v", batchIdx, err)
	}

	prefixed := make(map[string]float64, len(logs))
	for key, value := range logs {
		prefixed["val/"+key] = value
	}
	if err := t.logger.LogScalars(prefixed, int64(t.globalStep)); err != nil {
		return fmt.Errorf("failed to log validation metrics: %v", err)
	}
	return nil
}

// Fit runs the full loop: up to maxEpochs passes over the training source,
// halting as soon as maxSteps training steps have completed, mid-epoch if
// necessary. One validation batch is pulled from the cycled validation
// source whenever the batch index within the epoch divides by
// validateEveryN; a checkpoint is cut whenever the global step divides by
// saveEveryN. Passing 0 for either cadence disables that duty.
func (t *Trainer) Fit(maxEpochs, maxSteps, validateEveryN, saveEveryN int, dm DataModule) error {
	if dm == nil {
		return fmt.Errorf("fit requires a data module")
	}

	t.globalStep = 0
	t.epoch = 0

	trainSrc := dm.TrainSource()
	valSrc := Cycle(dm.ValidationSource())

	stop := false
	for epoch := 0; epoch < maxEpochs && !stop; epoch++ {
		t.epoch = epoch
		fmt.Printf("Epoch: %d / %d\n", epoch, maxEpochs)

		if err := trainSrc.Reset(); err != nil {
			return fmt.Errorf("failed to reset training source for epoch %d: %v", epoch, err)
		}

		var bar *ProgressBar
		if t.cfg.Progress {
			if sized, ok := trainSrc.(Sized); ok {
				bar = NewProgressBar("Training", sized.Len())
			}
		}

		for batchIdx := 0; ; batchIdx++ {
			if t.globalStep >= maxSteps {
				stop = true
				break
			}

			batch, err := trainSrc.Next()
			if err != nil {
				return fmt.Errorf("training source failed at epoch %d batch %d: %v", epoch, batchIdx, err)
			}
			if batch == nil {
				break
			}
			batch, err = t.place(batch)
			if err != nil {
				return err
			}

			if err := t.TrainingStep(batch, batchIdx); err != nil {
				return err
			}
			t.globalStep++

			if bar != nil {
				bar.Update(batchIdx+1, nil)
			}

			if t.cfg.LRMode == LRStepInterval && t.globalStep%t.cfg.LRInterval == 0 {
				t.applySchedule(t.epoch, t.globalStep)
			}

			if saveEveryN > 0 && t.globalStep%saveEveryN == 0 {
				if _, err := t.logger.SaveCheckpoint(t.model, int64(t.globalStep)); err != nil {
					return err
				}
			}

			if validateEveryN > 0 && batchIdx%validateEveryN == 0 {
				valBatch, err := valSrc.Next()
				if err != nil {
					return fmt.Errorf("validation source failed: %v", err)
				}
				valBatch, err = t.place(valBatch)
				if err != nil {
					return err
				}
				if err := t.ValidationStep(valBatch, batchIdx); err != nil {
					return err
				}
			}
		}

		if bar != nil {
			bar.Finish()
		}

		// Advance to the next epoch's rate. This fires even when the
		// step cap truncated the epoch just run.
		if t.cfg.LRMode == LRStepEpoch {
			t.applySchedule(epoch+1, t.globalStep)
		}
	}
	return nil
}

// GlobalStep returns the number of training steps completed by the current
// or most recent Fit call.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// Epoch returns the zero-based index of the epoch last entered.
func (t *Trainer) Epoch() int {
	return t.epoch
}

// applySchedule recomputes the learning rate for the given position and
// pushes it into the optimizer. Callers pass completed counts, so the rate
// a scheduler computes for epoch e is the one in effect while epoch e runs.
func (t *Trainer) applySchedule(epoch, step int) {
	t.opt.SetLR(t.cfg.Scheduler.GetLR(epoch, step, t.cfg.LR))
}

// place moves a batch onto the configured device when the batch knows how.
func (t *Trainer) place(batch Batch) (Batch, error) {
	mover, ok := batch.(DeviceMover)
	if !ok {
		return batch, nil
	}
	moved, err := mover.To(t.cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to move batch to %s: %v", t.cfg.Device, err)
	}
	return moved, nil
}
