// Package checkpoints snapshots model parameters to disk and restores them.
// A checkpoint is a self-contained JSON document: every parameter's values
// plus the training position the snapshot was taken at, so a run can resume
// or a model can be inspected without the code that produced it.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kilnml/kiln/training"
)

// Checkpoint is one saved snapshot.
type Checkpoint struct {
	Weights  []WeightTensor `json:"weights"`
	State    TrainingState  `json:"training_state"`
	Metadata Metadata       `json:"metadata"`
}

// WeightTensor holds one named parameter's values.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures where in the run the snapshot was taken.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int64   `json:"step"`
	LearningRate float64 `json:"learning_rate"`
}

// Metadata describes the producing harness.
type Metadata struct {
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot copies the model's current parameters into a new checkpoint.
func Snapshot(m training.Model, state TrainingState) *Checkpoint {
	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		})
	}
	return &Checkpoint{
		Weights: weights,
		State:   state,
		Metadata: Metadata{
			Framework: "kiln",
			Version:   "1.0.0",
			CreatedAt: time.Now(),
		},
	}
}

// Save writes the checkpoint to path as indented JSON, replacing any
// previous file.
func (c *Checkpoint) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// Restore writes the snapshot's weights back into the matching model
// parameters. Every stored tensor must find a parameter with the same name
// and shape.
func (c *Checkpoint) Restore(m training.Model) error {
	params := make(map[string]*training.Parameter)
	for _, p := range m.Parameters() {
		params[p.Name] = p
	}
	for _, w := range c.Weights {
		p, ok := params[w.Name]
		if !ok {
			return fmt.Errorf("model has no parameter named %q", w.Name)
		}
		if !sameShape(p.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for %q: model %v, checkpoint %v", w.Name, p.Shape, w.Shape)
		}
		if len(p.Data) != len(w.Data) {
			return fmt.Errorf("size mismatch for %q: model %d, checkpoint %d", w.Name, len(p.Data), len(w.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
