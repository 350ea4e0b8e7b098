// Package async overlaps data loading with training. A Prefetcher pulls
// batches from a source in the background and hands them over through a
// bounded channel, so a slow source keeps filling the buffer while the
// trainer is busy inside a step. It implements training.BatchSource and
// preserves batch order, making it a drop-in wrapper around any source.
package async

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilnml/kiln/training"
)

// DefaultDepth is the buffer size used when none is given.
const DefaultDepth = 2

// Prefetcher runs one background producer over an underlying source.
type Prefetcher struct {
	src   training.BatchSource
	depth int

	mu      sync.Mutex
	started bool
	batches chan training.Batch
	group   *errgroup.Group
	cancel  context.CancelFunc
	fetched uint64
}

// Stats reports pipeline occupancy.
type Stats struct {
	Fetched  uint64 // batches handed to the consumer so far
	Queued   int    // batches sitting in the buffer right now
	Capacity int    // buffer size
}

// NewPrefetcher wraps src with a background stage buffering up to depth
// batches. The pipeline starts lazily on the first Next.
func NewPrefetcher(src training.BatchSource, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Prefetcher{src: src, depth: depth}
}

// Next returns the next prefetched batch, (nil, nil) once the underlying
// source is exhausted, or the first error the producer hit.
func (p *Prefetcher) Next() (training.Batch, error) {
	p.mu.Lock()
	if !p.started {
		p.start()
	}
	ch := p.batches
	group := p.group
	p.mu.Unlock()

	batch, ok := <-ch
	if !ok {
		if err := group.Wait(); err != nil && err != context.Canceled {
			return nil, err
		}
		return nil, nil
	}

	p.mu.Lock()
	p.fetched++
	p.mu.Unlock()
	return batch, nil
}

// Reset tears the pipeline down, rewinds the underlying source, and arms a
// fresh pipeline for the next pass.
func (p *Prefetcher) Reset() error {
	p.drain()
	if err := p.src.Reset(); err != nil {
		return fmt.Errorf("failed to reset prefetch source: %v", err)
	}
	return nil
}

// Stop cancels the background stage and waits for it to exit. A stopped
// prefetcher restarts on the next Next, continuing from wherever the
// underlying source stands; use Reset to also rewind it.
func (p *Prefetcher) Stop() {
	p.drain()
}

// Len reports the underlying source's batch count when it is known, so a
// wrapped source still sizes progress bars.
func (p *Prefetcher) Len() int {
	if sized, ok := p.src.(training.Sized); ok {
		return sized.Len()
	}
	return 0
}

// Stats returns a snapshot of pipeline occupancy.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Fetched: p.fetched, Capacity: p.depth}
	if p.batches != nil {
		stats.Queued = len(p.batches)
	}
	return stats
}

// start launches the producer. Callers hold p.mu.
func (p *Prefetcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	batches := make(chan training.Batch, p.depth)
	p.batches = batches
	p.group = group
	p.cancel = cancel
	p.started = true

	src := p.src
	group.Go(func() error {
		defer close(batches)
		for {
			batch, err := src.Next()
			if err != nil {
				return fmt.Errorf("prefetch source failed: %v", err)
			}
			if batch == nil {
				return nil
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// drain cancels the producer, consumes whatever it already buffered, and
// waits for it to exit.
func (p *Prefetcher) drain() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	group := p.group
	ch := p.batches
	p.started = false
	p.mu.Unlock()

	cancel()
	for range ch {
	}
	group.Wait()
}
