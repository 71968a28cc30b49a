package comet

import (
	"sync"
	"time"
)

// Pool holds active sources in arrival order.
// Add may run on ingress goroutines while the frame loop prunes; every
// operation takes the same lock so a tick sees a source completely or not at all.
type Pool struct {
	mu      sync.Mutex
	sources []*Source
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add appends a validated source.
func (p *Pool) Add(s *Source) {
	p.mu.Lock()
	p.sources = append(p.sources, s)
	p.mu.Unlock()
}

// Prune drops every source that is no longer live at now and returns them.
func (p *Pool) Prune(now time.Time) []*Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(now)
}

// Snapshot returns a copy of the current members.
func (p *Pool) Snapshot() []*Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Source(nil), p.sources...)
}

// PruneAndSnapshot prunes and copies the survivors under one lock.
func (p *Pool) PruneAndSnapshot(now time.Time) (live, expired []*Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	expired = p.pruneLocked(now)
	return append([]*Source(nil), p.sources...), expired
}

// Len returns the number of sources currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

// pruneLocked filters in place: survivors are compacted to the front so
// adjacent expired sources can't be skipped.
func (p *Pool) pruneLocked(now time.Time) []*Source {
	var expired []*Source
	kept := p.sources[:0]
	for _, s := range p.sources {
		if s.IsLive(now) {
			kept = append(kept, s)
		} else {
			expired = append(expired, s)
		}
	}
	clear(p.sources[len(kept):])
	p.sources = kept
	return expired
}
