// Package memory provides the in-process crawl frontier.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// Frontier is a deduplicating FIFO of crawl entries shared by all workers.
//
// The visited set, the pending queue and the outstanding-work counter live
// under one mutex, so a visited check and its insert can never interleave with
// another worker's. Waiters block on a channel that is closed and replaced on
// every state change, which lets Dequeue also select on ctx.Done().
type Frontier struct {
	maxDepth int

	mu          sync.Mutex
	visited     map[string]struct{}
	pending     []crawler.URLEntry
	outstanding int
	closed      bool
	changed     chan struct{}
}

// NewFrontier returns an empty frontier that refuses entries deeper than maxDepth.
// A negative maxDepth disables the cap.
func NewFrontier(maxDepth int) *Frontier {
	return &Frontier{
		maxDepth: maxDepth,
		visited:  make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// Enqueue adds entry if its normalized URL has not been seen and its depth is
// within the cap. It reports whether the entry was queued. Invalid URLs are
// an error.
func (f *Frontier) Enqueue(entry crawler.URLEntry) (bool, error) {
	key, err := crawler.NormalizeURL(entry.URL)
	if err != nil {
		return false, fmt.Errorf("enqueue %q: %w", entry.URL, err)
	}
	if f.maxDepth >= 0 && entry.Depth > f.maxDepth {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, nil
	}
	if _, seen := f.visited[key]; seen {
		return false, nil
	}
	f.visited[key] = struct{}{}
	f.pending = append(f.pending, entry)
	f.broadcastLocked()
	return true, nil
}

// Dequeue pops the oldest pending entry. It blocks while the queue is empty
// but work is still outstanding, returns crawler.ErrFrontierDrained once the
// queue is empty with nothing outstanding (or after Close), and returns the
// context error on cancellation. Every successful Dequeue must be paired with
// Complete.
func (f *Frontier) Dequeue(ctx context.Context) (crawler.URLEntry, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return crawler.URLEntry{}, crawler.ErrFrontierDrained
		}
		if len(f.pending) > 0 {
			entry := f.pending[0]
			f.pending[0] = crawler.URLEntry{}
			f.pending = f.pending[1:]
			f.outstanding++
			f.mu.Unlock()
			return entry, nil
		}
		if f.outstanding == 0 {
			f.mu.Unlock()
			return crawler.URLEntry{}, crawler.ErrFrontierDrained
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.URLEntry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Complete marks one dequeued entry as finished, including any links it
// enqueued.
func (f *Frontier) Complete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding > 0 {
		f.outstanding--
	}
	f.broadcastLocked()
}

// Close wakes every waiter; later Dequeue calls report the frontier drained
// and Enqueue becomes a no-op.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.broadcastLocked()
}

// Drain closes the frontier and returns the pending entries in FIFO order,
// leaving the queue empty. The entries stay in the visited set.
func (f *Frontier) Drain() []crawler.URLEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	left := f.pending
	f.pending = nil
	if !f.closed {
		f.closed = true
		f.broadcastLocked()
	}
	return left
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Outstanding returns the number of dequeued entries not yet completed.
func (f *Frontier) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

// Visited returns the number of distinct normalized URLs ever accepted.
func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

func (f *Frontier) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

var _ crawler.Frontier = (*Frontier)(nil)
