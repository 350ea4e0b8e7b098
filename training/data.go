package training

import (
	"errors"
	"fmt"
)

// Batch is an opaque unit of training data. The trainer never looks inside
// a batch; it only moves batches from a source, through optional device
// placement, into the step function.
type Batch any

// BatchSource produces a finite, restartable sequence of batches. Next
// returns (nil, nil) once the sequence is exhausted; Reset rewinds it to
// the beginning for the next pass.
type BatchSource interface {
	Next() (Batch, error)
	Reset() error
}

// Sized is implemented by sources that know their batch count up front.
// The trainer uses it to size progress bars; everything else works without
// it.
type Sized interface {
	Len() int
}

// DataModule bundles the two sources one fit consumes: the training
// sequence walked once per epoch and the validation sequence sampled
// periodically.
type DataModule interface {
	TrainSource() BatchSource
	ValidationSource() BatchSource
}

// ErrEmptySource reports a source that produced no batches over a full
// pass.
var ErrEmptySource = errors.New("training: batch source is empty")

// Cycle wraps src into an endless sequence, rewinding it whenever it runs
// out. Validation uses this so a short validation set can be sampled one
// batch at a time indefinitely.
func Cycle(src BatchSource) *CycleSource {
	return &CycleSource{src: src}
}

// CycleSource repeats a finite source forever.
type CycleSource struct {
	src BatchSource
}

// Next returns the next batch, restarting the underlying source at its
// end. An empty source yields ErrEmptySource instead of spinning.
func (c *CycleSource) Next() (Batch, error) {
	batch, err := c.src.Next()
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}
	if err := c.src.Reset(); err != nil {
		return nil, fmt.Errorf("failed to restart cycled source: %v", err)
	}
	batch, err = c.src.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrEmptySource
	}
	return batch, nil
}

// Reset rewinds the underlying source.
func (c *CycleSource) Reset() error {
	return c.src.Reset()
}

// SliceSource serves an in-memory slice of prepared batches in order.
type SliceSource struct {
	batches []Batch
	pos     int
}

// NewSliceSource creates a source over batches.
func NewSliceSource(batches []Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Next returns the next batch, (nil, nil) past the end.
func (s *SliceSource) Next() (Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	batch := s.batches[s.pos]
	s.pos++
	return batch, nil
}

// Reset rewinds to the first batch.
func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}

// Len returns the total batch count.
func (s *SliceSource) Len() int {
	return len(s.batches)
}

// SliceDataModule is the in-memory DataModule used by examples and tests.
type SliceDataModule struct {
	train      *SliceSource
	validation *SliceSource
}

// NewSliceDataModule creates a data module over prepared batch slices.
func NewSliceDataModule(train, validation []Batch) *SliceDataModule {
	return &SliceDataModule{
		train:      NewSliceSource(train),
		validation: NewSliceSource(validation),
	}
}

// TrainSource returns the training sequence.
func (m *SliceDataModule) TrainSource() BatchSource {
	return m.train
}

// ValidationSource returns the validation sequence.
func (m *SliceDataModule) ValidationSource() BatchSource {
	return m.validation
}
