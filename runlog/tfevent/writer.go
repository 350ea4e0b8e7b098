// Package tfevent reads and writes TensorBoard event files. It covers the
// two record shapes a training run produces, scalar summaries and the
// hparams plugin's experiment summaries, and encodes them wire-level with
// protowire rather than carrying the full generated TensorFlow API.
package tfevent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Writer appends event records to a single tfevents file.
type Writer struct {
	file    *os.File
	path    string
	start   time.Time
	closed  bool
	written int
}

// Create opens a new event file in dir, named the way TensorBoard discovers
// them: events.out.tfevents.<unix seconds>.<hostname>. The stream header
// identifying the format version is written immediately.
func Create(dir string) (*Writer, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%010d.%s", now.Unix(), hostname))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event file: %v", err)
	}

	w := &Writer{file: file, path: path, start: now}
	if err := w.writeEvent(encodeFileVersionEvent(secs(now))); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// Path returns the event file's location on disk.
func (w *Writer) Path() string {
	return w.path
}

// WriteScalar appends one scalar point under tag at the given step.
func (w *Writer) WriteScalar(tag string, value float64, step int64) error {
	if w.closed {
		return fmt.Errorf("event file %s is closed", w.path)
	}
	summary := encodeScalarSummary(tag, float32(value))
	return w.writeEvent(encodeEvent(secs(time.Now()), step, summary))
}

// WriteHParams emits the three summaries the hparams dashboard assembles a
// session from: the experiment declaring hyperparameter and metric columns,
// the session start carrying the concrete values, and a successful session
// end. Hyperparameter columns are written in sorted order.
func (w *Writer) WriteHParams(hparams map[string]string, metricTags []string) error {
	if w.closed {
		return fmt.Errorf("event file %s is closed", w.path)
	}

	names := make([]string, 0, len(hparams))
	for name := range hparams {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	summaries := [][]byte{
		encodeHParamsSummary(experimentTag, encodeExperiment(names, metricTags)),
		encodeHParamsSummary(sessionStartInfoTag, encodeSessionStart(hparams, secs(w.start))),
		encodeHParamsSummary(sessionEndInfoTag, encodeSessionEnd(secs(now))),
	}
	for _, summary := range summaries {
		if err := w.writeEvent(encodeEvent(secs(now), 0, summary)); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes written records to stable storage.
func (w *Writer) Sync() error {
	if w.closed {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event file: %v", err)
	}
	return nil
}

// Close syncs and closes the file. Further writes fail.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync event file: %v", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close event file: %v", err)
	}
	return nil
}

func (w *Writer) writeEvent(event []byte) error {
	if err := writeRecord(w.file, event); err != nil {
		return err
	}
	w.written++
	return nil
}

func secs(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
