// Package runlog manages experiment run directories: auto-versioned folders
// that collect a configuration snapshot, a TensorBoard event stream, and
// model checkpoints for a single training run, with an optional registry
// recording every run's lifecycle.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/runlog/tfevent"
)

// ErrFinalized is returned by every Logger operation after Finalize.
var ErrFinalized = errors.New("runlog: logger already finalized")

// Checkpointer is the model-side half of checkpointing. The logger decides
// where a snapshot lives; the model decides what goes into it.
type Checkpointer interface {
	SaveState(path string) error
}

// RunRecorder receives run lifecycle notifications. A registry
// implementation persists them; a nil recorder disables recording.
type RunRecorder interface {
	RecordStart(ctx context.Context, id, name, version, dir string, hparams map[string]string) error
	RecordFinish(ctx context.Context, id string, metrics map[string]float64) error
}

// Config describes the run a Logger should open.
type Config struct {
	BaseDir string         // root under which run directories are numbered
	Name    string         // experiment name
	Version string         // experiment version label
	Params  map[string]any // configuration to snapshot and report as hyperparameters
	Store   RunRecorder    // optional run registry
}

// Logger owns one run directory. It writes scalar metrics to the run's
// event stream, places checkpoints under checkpoints/, and accumulates the
// hyperparameters and final metrics reported when the run is finalized.
// A Logger is not safe for concurrent use.
type Logger struct {
	id        string
	name      string
	version   string
	dir       string
	events    *tfevent.Writer
	store     RunRecorder
	hparams   map[string]string
	metrics   map[string]float64
	finalized bool
}

// New claims the next free run directory under cfg.BaseDir, snapshots the
// configuration into it, and opens the event stream. Run directories are
// named run0, run1, ... and the first unused index wins, so successive runs
// never overwrite one another.
func New(cfg Config) (*Logger, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	dir, err := nextRunDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %v", err)
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfg.Params); err != nil {
		return nil, err
	}

	events, err := tfevent.Create(dir)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		id:      uuid.New().String(),
		name:    cfg.Name,
		version: cfg.Version,
		dir:     dir,
		events:  events,
		store:   cfg.Store,
		hparams: Flatten(cfg.Params),
		metrics: make(map[string]float64),
	}
	if l.store != nil {
		if err := l.store.RecordStart(context.Background(), l.id, l.name, l.version, l.dir, l.hparams); err != nil {
			events.Close()
			return nil, fmt.Errorf("failed to register run: %v", err)
		}
	}
	return l, nil
}

// nextRunDir claims the first unused runN directory under baseDir. The
// directory itself is the claim, so two loggers racing on the same base end
// up with distinct runs.
func nextRunDir(baseDir string) (string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create base directory: %v", err)
	}
	for i := 0; ; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("run%d", i))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if os.IsExist(err) {
			continue
		}
		return "", fmt.Errorf("failed to create run directory: %v", err)
	}
}

func writeConfig(path string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config snapshot: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(params); err != nil {
		return fmt.Errorf("failed to encode config snapshot: %v", err)
	}
	return nil
}

// LogScalars writes each entry as one scalar point at step. Keys are
// written in sorted order so identical runs produce identical streams.
func (l *Logger) LogScalars(scalars map[string]float64, step int64) error {
	if l.finalized {
		return ErrFinalized
	}
	for _, key := range sortedKeys(scalars) {
		if err := l.events.WriteScalar(key, scalars[key], step); err != nil {
			return fmt.Errorf("failed to log %s: %v", key, err)
		}
	}
	return nil
}

// SaveCheckpoint has the model serialize itself into the run's checkpoints
// directory and returns the written path. Checkpoints are named
// model_<step>.ckpt; saving the same step again overwrites.
func (l *Logger) SaveCheckpoint(model Checkpointer, step int64) (string, error) {
	if l.finalized {
		return "", ErrFinalized
	}
	path := filepath.Join(l.dir, "checkpoints", fmt.Sprintf("model_%d.ckpt", step))
	if err := model.SaveState(path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint at step %d: %v", step, err)
	}
	return path, nil
}

// UpdateHyperparams merges additional hyperparameters and final metrics
// into the summary reported at Finalize. Hyperparameter values pass through
// the same flattening and string coercion as the constructor's config.
func (l *Logger) UpdateHyperparams(hparams map[string]any, metrics map[string]float64) error {
	if l.finalized {
		return ErrFinalized
	}
	for key, value := range Flatten(hparams) {
		l.hparams[key] = value
	}
	for key, value := range metrics {
		l.metrics[key] = value
	}
	return nil
}

// Finalize writes the hparams session summaries and the final metric
// values, closes the event stream, and marks the run finished in the
// registry. It succeeds once; afterwards every operation, Finalize
// included, reports ErrFinalized.
func (l *Logger) Finalize(ctx context.Context) error {
	if l.finalized {
		return ErrFinalized
	}
	l.finalized = true

	metricKeys := sortedKeys(l.metrics)
	if err := l.events.WriteHParams(l.hparams, metricKeys); err != nil {
		l.events.Close()
		return err
	}
	// Final metric values land at step 0, where the hparams dashboard
	// reads session results from.
	for _, key := range metricKeys {
		if err := l.events.WriteScalar(key, l.metrics[key], 0); err != nil {
			l.events.Close()
			return fmt.Errorf("failed to log final metric %s: %v", key, err)
		}
	}
	if err := l.events.Close(); err != nil {
		return err
	}

	if l.store != nil {
		if err := l.store.RecordFinish(ctx, l.id, l.metrics); err != nil {
			return fmt.Errorf("failed to mark run finished: %v", err)
		}
	}
	return nil
}

// Dir returns the run directory this logger owns.
func (l *Logger) Dir() string { return l.dir }

// ID returns the unique run identifier.
func (l *Logger) ID() string { return l.id }

// Name returns the experiment name.
func (l *Logger) Name() string { return l.name }

// Version returns the experiment version label.
func (l *Logger) Version() string { return l.version }

// EventFile returns the path of the run's event stream.
func (l *Logger) EventFile() string { return l.events.Path() }

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
