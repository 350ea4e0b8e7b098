package training

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders an in-place console bar for one pass over a batch
// source: percentage, fill, counts, elapsed and remaining time, throughput,
// and an optional metric tail.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a bar expecting total updates.
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update moves the bar to step and redraws. A nil metrics map keeps the
// previous tail.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	if metrics != nil {
		pb.metrics = metrics
	}
	pb.render()
}

// Finish redraws at the final position and terminates the line.
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Println()
}

func (pb *ProgressBar) render() {
	fraction := 0.0
	if pb.total > 0 {
		fraction = float64(pb.current) / float64(pb.total)
	}
	if fraction > 1 {
		fraction = 1
	}

	filled := int(fraction * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var remaining time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if fraction > 0 {
			remaining = time.Duration(float64(elapsed)/fraction) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, fraction*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(remaining))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}
	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s=%.4f", key, pb.metrics[key])
	}
	line += "]"
	fmt.Print(line)
}

// formatDuration renders a duration as MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
