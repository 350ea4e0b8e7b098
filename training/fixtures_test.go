package training

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/kilnml/kiln/runlog"
)

// quadModel is a one-parameter fixture whose loss is (w - target)^2. The
// gradient is exact, so every optimizer update is easy to predict.
type quadModel struct {
	w        *Parameter
	target   float32
	training bool
}

func newQuadModel(initial, target float32) *quadModel {
	m := &quadModel{w: NewParameter("w", []int{1}), target: target, training: true}
	m.w.Data[0] = initial
	return m
}

func (m *quadModel) Parameters() []*Parameter { return []*Parameter{m.w} }
func (m *quadModel) Train()                   { m.training = true }
func (m *quadModel) Eval()                    { m.training = false }
func (m *quadModel) IsTraining() bool         { return m.training }

func (m *quadModel) SaveState(path string) error {
	data, err := json.Marshal(map[string][]float32{"w": m.w.Data})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// quadStep computes the quadratic loss, filling the gradient only while the
// model is in training mode.
func quadStep(m *quadModel) StepFunc {
	return func(batch Batch, batchIdx int) (float64, map[string]float64, error) {
		diff := float64(m.w.Data[0] - m.target)
		loss := diff * diff
		if m.IsTraining() {
			m.w.Grad[0] = float32(2 * diff)
		}
		return loss, map[string]float64{"loss": loss}, nil
	}
}

// countingSGD is plain gradient descent that counts its updates.
type countingSGD struct {
	params []*Parameter
	lr     float64
	steps  int
}

func newCountingSGD(params []*Parameter, lr float64) *countingSGD {
	return &countingSGD{params: params, lr: lr}
}

func (o *countingSGD) Step() error {
	o.steps++
	for _, p := range o.params {
		for i := range p.Data {
			p.Data[i] -= float32(o.lr) * p.Grad[i]
		}
	}
	return nil
}

func (o *countingSGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *countingSGD) GetLR() float64   { return o.lr }
func (o *countingSGD) SetLR(lr float64) { o.lr = lr }

// recordingScheduler notes every consultation and halves the base rate.
type recordingScheduler struct {
	calls [][2]int
}

func (s *recordingScheduler) GetLR(epoch, step int, baseLR float64) float64 {
	s.calls = append(s.calls, [2]int{epoch, step})
	return baseLR * 0.5
}

func (s *recordingScheduler) GetName() string { return "Recording" }

func newTestLogger(t *testing.T) *runlog.Logger {
	t.Helper()
	logger, err := runlog.New(runlog.Config{BaseDir: t.TempDir(), Name: "test"})
	if err != nil {
		t.Fatalf("Failed to create run logger: %v", err)
	}
	return logger
}

func intBatches(n int) []Batch {
	batches := make([]Batch, n)
	for i := range batches {
		batches[i] = i
	}
	return batches
}
