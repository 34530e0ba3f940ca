package memfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/layout"
)

// ErrNoSpace indicates no free section is left to open a new log head.
var ErrNoSpace = errors.New("no free section")

// openCursegLocked moves a log head to a fresh, fully free section.
// Caller holds fs.mu.
func (fs *FS) openCursegLocked(cs cursegType) error {
	segno, err := fs.newSectionLocked()
	if err != nil {
		return err
	}

	sumType := layout.SumTypeData
	if cs == cursegNode {
		sumType = layout.SumTypeNode
	}
	for i := uint32(0); i < fs.geo.SegsPerSec; i++ {
		s := segno + layout.Segno(i)
		fs.usage[s] = segInUse
		fs.freeSegs--
		fs.summaries[s] = layout.NewSummaryBlock(sumType, fs.geo.BlocksPerSeg)
		fs.sit.SegEntry(s).IsNode = cs == cursegNode
	}
	fs.cursegs[cs] = curseg{segno: segno, nextBlk: 0}
	fs.curSegnos[cs].Store(uint32(segno))
	return nil
}

// newSectionLocked finds the first fully free section. Caller holds fs.mu.
func (fs *FS) newSectionLocked() (layout.Segno, error) {
	for sec := uint32(0); sec < fs.geo.MainSecs(); sec++ {
		start := fs.geo.SecStart(layout.Secno(sec))
		ok := true
		for i := uint32(0); i < fs.geo.SegsPerSec; i++ {
			if fs.usage[start+layout.Segno(i)] != segFree {
				ok = false
				break
			}
		}
		if ok {
			return start, nil
		}
	}
	return layout.NullSegno, ErrNoSpace
}

// allocBlockLocked takes the next block of a log head, records sum at
// the new position, and advances the head (opening a new section when
// the current one fills). Caller holds fs.mu.
func (fs *FS) allocBlockLocked(cs cursegType, sum layout.Summary) (layout.BlockAddr, error) {
	head := &fs.cursegs[cs]
	if head.nextBlk == fs.geo.BlocksPerSeg {
		cur := head.segno
		next := cur + 1
		if uint32(next)%fs.geo.SegsPerSec != 0 && fs.usage[next] == segInUse {
			// next segment of the same section
			head.segno = next
			head.nextBlk = 0
			fs.curSegnos[cs].Store(uint32(next))
			fs.closeSegmentLocked(cur)
		} else {
			if err := fs.openCursegLocked(cs); err != nil {
				return layout.NullAddr, err
			}
			head = &fs.cursegs[cs]
			fs.closeSegmentLocked(cur)
		}
	}

	segno := head.segno
	off := head.nextBlk
	head.nextBlk++

	fs.clock++
	ent := fs.sit.SegEntry(segno)

	fs.sit.Lock()
	ent.ValidMap.Set(off)
	ent.ValidBlocks++
	ent.Mtime = fs.clock
	fs.sit.Unlock()

	fs.written[segno]++
	fs.summaries[segno].Entries[off] = sum

	// append target: stays out of the dirty maps until the head moves on
	return fs.geo.StartBlock(segno) + layout.BlockAddr(off), nil
}

// closeSegmentLocked retires a filled append target and reclassifies it
// in the dirty maps. Caller holds fs.mu.
func (fs *FS) closeSegmentLocked(segno layout.Segno) {
	fs.locateDirtyLocked(segno)
}

// invalidateLocked drops one block: its valid bit, the segment's count,
// and the payload. Caller holds fs.mu.
func (fs *FS) invalidateLocked(addr layout.BlockAddr) {
	segno, off := fs.geo.SegnoOf(addr)
	ent := fs.sit.SegEntry(segno)

	fs.sit.Lock()
	if !ent.ValidMap.Test(off) {
		fs.sit.Unlock()
		return
	}
	ent.ValidMap.Clear(off)
	ent.ValidBlocks--
	fs.clock++
	ent.Mtime = fs.clock
	fs.sit.Unlock()

	delete(fs.blocks, addr)
	fs.invalidBlocks++
	fs.locateDirtyLocked(segno)
}

// locateDirtyLocked reclassifies segno in the dirty maps: dirty while it
// holds valid blocks and is not an append target, prefree once drained.
// Caller holds fs.mu.
func (fs *FS) locateDirtyLocked(segno layout.Segno) {
	if fs.isCurSegLocked(segno) {
		return
	}

	valid := fs.sit.ValidBlocks(segno, 1)

	fs.dirty.Lock()
	defer fs.dirty.Unlock()

	kind := layout.DirtyHotData
	if fs.sit.SegEntry(segno).IsNode {
		kind = layout.DirtyHotNode
	}

	switch {
	case valid == 0 && fs.usage[segno] == segInUse:
		fs.dirty.ClearDirty(segno, layout.Dirty)
		fs.dirty.ClearDirty(segno, kind)
		if fs.written[segno] > 0 {
			fs.usage[segno] = segPrefree
			fs.prefreeSegs++
		} else {
			// opened but never written; hand it straight back
			fs.usage[segno] = segFree
			fs.freeSegs++
			fs.summaries[segno] = nil
		}
	case valid > 0:
		fs.dirty.SetDirty(segno, layout.Dirty)
		fs.dirty.SetDirty(segno, kind)
	}
}

func (fs *FS) isCurSegLocked(segno layout.Segno) bool {
	for cs := cursegType(0); cs < nrCursegs; cs++ {
		if fs.cursegs[cs].segno == segno {
			return true
		}
	}
	return false
}

// AllocateDataBlock reserves the next cold-data log block for a
// relocated block: old is retired, sum describes the block at its new
// position.
func (fs *FS) AllocateDataBlock(old layout.BlockAddr, sum layout.Summary) layout.BlockAddr {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	addr, err := fs.allocBlockLocked(cursegColdData, sum)
	if err != nil {
		logger.Error("cold data allocation failed", logger.KeyError, err)
		return layout.NullAddr
	}
	if old != layout.NullAddr {
		fs.invalidateLocked(old)
	}
	return addr
}

// IsCurSec reports whether secno holds any current append target.
// Reads the lock-free mirror: callers hold the sentry and seglist
// locks, which must never nest over fs.mu.
func (fs *FS) IsCurSec(secno layout.Secno) bool {
	for cs := cursegType(0); cs < nrCursegs; cs++ {
		if fs.geo.SecnoOf(layout.Segno(fs.curSegnos[cs].Load())) == secno {
			return true
		}
	}
	return false
}

// SealLogs moves every append head to a fresh section, so the segments
// written so far become regular reclaim candidates. Image construction
// and tests use it to settle the layout before running GC.
func (fs *FS) SealLogs() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for cs := cursegType(0); cs < nrCursegs; cs++ {
		old := fs.cursegs[cs]
		if err := fs.openCursegLocked(cs); err != nil {
			return fmt.Errorf("sealing log %d: %w", cs, err)
		}
		start := fs.geo.AlignToSec(old.segno)
		for i := uint32(0); i < fs.geo.SegsPerSec; i++ {
			fs.locateDirtyLocked(start + layout.Segno(i))
		}
	}
	return nil
}

// WriteCheckpoint makes a durable consistency point: dirty node and
// data pages are written back, prefree segments become free, and the
// checkpointed valid counts catch up with reality.
func (fs *FS) WriteCheckpoint(ctx context.Context) error {
	if fs.cpError.Load() {
		return errors.New("checkpoint subsystem in error state")
	}
	if err := fs.SyncNodePages(ctx); err != nil {
		return err
	}
	if err := fs.flushDirtyData(ctx); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for segno := layout.Segno(0); uint32(segno) < fs.geo.MainSegs; segno++ {
		ent := fs.sit.SegEntry(segno)

		fs.sit.Lock()
		ent.CkptValidBlocks = ent.ValidBlocks
		fs.sit.Unlock()

		if fs.usage[segno] == segPrefree {
			fs.usage[segno] = segFree
			fs.prefreeSegs--
			fs.freeSegs++
			fs.invalidBlocks -= fs.written[segno]
			fs.written[segno] = 0
			fs.summaries[segno] = nil
		}
	}

	logger.Debug("checkpoint written",
		logger.KeyFreeSegs, fs.freeSegs,
		logger.KeyPrefree, fs.prefreeSegs,
	)
	return nil
}

// CPError reports whether the checkpoint subsystem failed.
func (fs *FS) CPError() bool { return fs.cpError.Load() }

// SetCPError simulates a checkpoint failure.
func (fs *FS) SetCPError(v bool) { fs.cpError.Store(v) }
