package memfs

import (
	"context"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
)

// freeSectionsLocked counts fully free sections. Caller holds fs.mu.
func (fs *FS) freeSectionsLocked() int {
	n := 0
	for sec := uint32(0); sec < fs.geo.MainSecs(); sec++ {
		start := fs.geo.SecStart(layout.Secno(sec))
		free := true
		for i := uint32(0); i < fs.geo.SegsPerSec; i++ {
			if fs.usage[start+layout.Segno(i)] != segFree {
				free = false
				break
			}
		}
		if free {
			n++
		}
	}
	return n
}

// HasNotEnoughFreeSecs reports free-section pressure, crediting extra
// sections the caller is about to free.
func (fs *FS) HasNotEnoughFreeSecs(extra int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.freeSectionsLocked()+extra < fs.reservedSecs
}

// HasEnoughInvalidBlocks reports whether reclaimable garbage passed the
// background threshold.
func (fs *FS) HasEnoughInvalidBlocks() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.invalidBlocks >= fs.invalidBlockThresh
}

// PrefreeSegments counts segments waiting on a checkpoint.
func (fs *FS) PrefreeSegments() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.prefreeSegs
}

// FreeSegments counts immediately reusable segments.
func (fs *FS) FreeSegments() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.freeSegs
}

// IsIdle reports whether the I/O subsystem is quiescent.
func (fs *FS) IsIdle() bool {
	return fs.writebackPages.Load() == 0 && fs.queuedIO.Load() == 0
}

// AddQueuedIO adjusts the simulated device queue depth; load tests use
// it to hold the pacer off.
func (fs *FS) AddQueuedIO(n int64) { fs.queuedIO.Add(n) }

// Active reports whether the filesystem accepts writes.
func (fs *FS) Active() bool { return fs.active.Load() }

// SetActive toggles the active flag.
func (fs *FS) SetActive(v bool) { fs.active.Store(v) }

// Frozen reports write-freeze state.
func (fs *FS) Frozen() bool { return fs.frozen.Load() }

// SetFrozen toggles the freeze flag.
func (fs *FS) SetFrozen(v bool) { fs.frozen.Store(v) }

// BalanceBG runs background metadata balancing. The in-memory backend
// has no NAT/SIT journals to shrink; it only counts invocations so the
// worker loop can be observed.
func (fs *FS) BalanceBG() { fs.balances.Add(1) }

// Balances returns how many times BalanceBG ran.
func (fs *FS) Balances() int64 { return fs.balances.Load() }

// ============================================================================
// Summaries
// ============================================================================

// GetSumPage returns the summary of segno with its backing page locked.
func (fs *FS) GetSumPage(_ context.Context, segno layout.Segno) (*gc.SumPage, error) {
	fs.mu.Lock()
	blk := fs.summaries[segno]
	fs.mu.Unlock()
	if blk == nil {
		return nil, errNoSummary(segno)
	}

	p := newPage(uint64(segno), nil)
	p.setUptodate(true)
	p.Lock()
	return gc.NewSumPage(blk, p), nil
}

// ReadaheadSSA starts asynchronous reads of summary blocks. Summaries
// live in memory here, so there is nothing to prefetch.
func (fs *FS) ReadaheadSSA(layout.Segno, uint32) {}
