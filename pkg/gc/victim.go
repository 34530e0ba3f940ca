package gc

import (
	"math"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/layout"
)

// Mode selects foreground (reclaim-now) or background (opportunistic)
// collection.
type Mode int

const (
	// BG is paced, opportunistic collection from the worker.
	BG Mode = iota
	// FG is synchronous collection under free-space pressure.
	FG
)

func (m Mode) String() string {
	if m == FG {
		return "fg"
	}
	return "bg"
}

// costModel selects how a candidate segment is priced.
type costModel int

const (
	gcGreedy costModel = iota
	gcCB
	nrCostModels
)

// AllocMode distinguishes the two callers of victim selection: log
// allocation (LFS, section-sized victims) and slack-space recycling
// (SSR, single segments).
type AllocMode int

const (
	AllocLFS AllocMode = iota
	AllocSSR
)

// Policy tags a victim-selection policy. Exactly one policy ships;
// the indirection leaves room for alternatives.
type Policy int

const (
	// PolicyDefault is the greedy/cost-benefit selector.
	PolicyDefault Policy = iota
)

// victimSelPolicy carries the resolved parameters of one selection pass.
type victimSelPolicy struct {
	allocMode AllocMode
	gcMode    costModel
	segmap    *layout.Bitmap
	maxSearch uint32
	ofsUnit   uint32
	offset    layout.Segno
	minSegno  layout.Segno
	minCost   uint32
}

// selectGCType resolves the cost model for LFS selection: greedy for
// foreground, cost-benefit for background, overridable by the gc_idle
// tuning knob.
func (m *Manager) selectGCType(gcType Mode) costModel {
	mode := gcGreedy
	if gcType == BG {
		mode = gcCB
	}
	switch m.gcIdle() {
	case gcIdleCB:
		mode = gcCB
	case gcIdleGreedy:
		mode = gcGreedy
	}
	return mode
}

// selectPolicy fills p for one selection pass. Caller holds the seglist
// lock.
func (m *Manager) selectPolicy(gcType Mode, dtype layout.DirtyType, p *victimSelPolicy) {
	dirty := m.fs.Dirty()

	if p.allocMode == AllocSSR {
		p.gcMode = gcGreedy
		p.segmap = dirty.Segmap[dtype]
		p.maxSearch = uint32(dirty.NrDirty[dtype])
		p.ofsUnit = 1
	} else {
		p.gcMode = m.selectGCType(gcType)
		p.segmap = dirty.Segmap[layout.Dirty]
		p.maxSearch = uint32(dirty.NrDirty[layout.Dirty])
		p.ofsUnit = m.geo.SegsPerSec
	}

	if p.maxSearch > m.maxVictimSearch {
		p.maxSearch = m.maxVictimSearch
	}

	p.offset = m.lastVictim[p.gcMode]
}

// maxCost is the cost ceiling for the pass; candidates priced exactly at
// the ceiling are not worth reclaiming.
func (m *Manager) maxCost(p *victimSelPolicy) uint32 {
	if p.allocMode == AllocSSR {
		return m.geo.BlocksPerSeg
	}
	switch p.gcMode {
	case gcGreedy:
		return m.geo.BlocksPerSeg * p.ofsUnit
	case gcCB:
		return math.MaxUint32
	default:
		return 0
	}
}

// checkBGVictims scans the victim-section map for a candidate previously
// vetted by background GC. The first usable bit is consumed and its
// section returned. Caller holds the seglist lock.
func (m *Manager) checkBGVictims() layout.Segno {
	dirty := m.fs.Dirty()
	for secno := dirty.VictimSecmap.NextSet(0); secno < dirty.VictimSecmap.Size(); secno = dirty.VictimSecmap.NextSet(secno + 1) {
		if m.secUsageCheck(layout.Secno(secno)) {
			continue
		}
		dirty.VictimSecmap.Clear(secno)
		return m.geo.SecStart(layout.Secno(secno))
	}
	return layout.NullSegno
}

// cbCost prices the section containing segno under the cost-benefit
// model: old, mostly-empty sections are cheapest. Caller holds the
// sentry lock; the observed mtime extends the SIT's min/max range so a
// changed system clock cannot wedge the aging term.
func (m *Manager) cbCost(segno layout.Segno) uint32 {
	sit := m.fs.SIT()
	start := m.geo.SecStart(m.geo.SecnoOf(segno))

	var mtime uint64
	for i := uint32(0); i < m.geo.SegsPerSec; i++ {
		mtime += sit.SegEntry(start + layout.Segno(i)).Mtime
	}
	vblocks := sit.ValidBlocks(segno, m.geo.SegsPerSec)

	mtime /= uint64(m.geo.SegsPerSec)
	vblocks /= m.geo.SegsPerSec

	u := vblocks * 100 / m.geo.BlocksPerSeg

	if mtime < sit.MinMtime {
		sit.MinMtime = mtime
	}
	if mtime > sit.MaxMtime {
		sit.MaxMtime = mtime
	}
	var age uint64
	if sit.MaxMtime != sit.MinMtime {
		age = 100 - 100*(mtime-sit.MinMtime)/(sit.MaxMtime-sit.MinMtime)
	}

	return math.MaxUint32 - uint32(uint64(100*(100-u))*age/uint64(100+u))
}

// gcCost prices one candidate under the pass's cost model.
func (m *Manager) gcCost(segno layout.Segno, p *victimSelPolicy) uint32 {
	if p.allocMode == AllocSSR {
		return m.fs.SIT().SegEntry(segno).CkptValidBlocks
	}
	if p.gcMode == gcGreedy {
		return m.fs.SIT().ValidBlocks(segno, m.geo.SegsPerSec)
	}
	return m.cbCost(segno)
}

// secUsageCheck reports whether secno cannot be reclaimed right now:
// it holds a current append target or is already the foreground victim.
func (m *Manager) secUsageCheck(secno layout.Secno) bool {
	return m.fs.IsCurSec(secno) || m.curVictimSec == secno
}

// getVictimByDefault walks the dirty-segment bitmap and returns the
// cheapest reclaimable candidate, aligned to the allocation unit.
//
// Both GC and SSR segment selection land here. The scan starts at the
// previous pass's stopping point, wraps at most once, and gives up after
// maxSearch candidates, recording where it stopped so the next call
// resumes there. Runs entirely under the seglist lock; the caller holds
// the sentry lock around the whole selection.
func (m *Manager) getVictimByDefault(gcType Mode, dtype layout.DirtyType, allocMode AllocMode) (layout.Segno, bool) {
	dirty := m.fs.Dirty()
	dirty.Lock()
	defer dirty.Unlock()

	p := victimSelPolicy{allocMode: allocMode}
	m.selectPolicy(gcType, dtype, &p)

	p.minSegno = layout.NullSegno
	maxCost := m.maxCost(&p)
	p.minCost = maxCost

	lastSegment := m.geo.MainSegs
	nsearched := 0

	if p.maxSearch == 0 {
		return layout.NullSegno, false
	}

	if p.allocMode == AllocLFS && gcType == FG {
		if segno := m.checkBGVictims(); segno != layout.NullSegno {
			p.minSegno = segno
			return m.foundVictim(gcType, &p), true
		}
	}

	for {
		segno := layout.Segno(p.segmap.NextSet(uint32(p.offset)))
		if uint32(segno) >= lastSegment {
			if m.lastVictim[p.gcMode] != 0 {
				lastSegment = uint32(m.lastVictim[p.gcMode])
				m.lastVictim[p.gcMode] = 0
				p.offset = 0
				continue
			}
			break
		}

		p.offset = segno + layout.Segno(p.ofsUnit)
		if p.ofsUnit > 1 {
			p.offset -= segno % layout.Segno(p.ofsUnit)
		}

		secno := m.geo.SecnoOf(segno)

		if m.secUsageCheck(secno) {
			continue
		}
		if gcType == BG && dirty.VictimSecmap.Test(uint32(secno)) {
			continue
		}

		cost := m.gcCost(segno, &p)

		if p.minCost > cost {
			p.minSegno = segno
			p.minCost = cost
		} else if cost == maxCost {
			continue
		}

		nsearched++
		if nsearched >= int(p.maxSearch) {
			m.lastVictim[p.gcMode] = segno
			break
		}
	}

	if p.minSegno == layout.NullSegno {
		return layout.NullSegno, false
	}
	return m.foundVictim(gcType, &p), true
}

// foundVictim records selection bookkeeping and returns the victim
// aligned down to its allocation unit. Caller holds the seglist lock.
func (m *Manager) foundVictim(gcType Mode, p *victimSelPolicy) layout.Segno {
	if p.allocMode == AllocLFS {
		secno := m.geo.SecnoOf(p.minSegno)
		if gcType == FG {
			m.curVictimSec = secno
		} else {
			m.fs.Dirty().VictimSecmap.Set(uint32(secno))
		}
	}
	victim := layout.Segno(uint32(p.minSegno) / p.ofsUnit * p.ofsUnit)

	logger.Debug("victim selected",
		logger.KeySegno, victim,
		logger.KeyMode, gcType.String(),
		logger.KeyCost, p.minCost,
	)
	return victim
}

// GetVictim runs the installed victim-selection policy. It is also the
// entry point for SSR segment selection, which passes AllocSSR and the
// dirty kind matching the allocation target.
func (m *Manager) GetVictim(gcType Mode, dtype layout.DirtyType, allocMode AllocMode) (layout.Segno, bool) {
	switch m.policy {
	case PolicyDefault:
		return m.getVictimByDefault(gcType, dtype, allocMode)
	default:
		return layout.NullSegno, false
	}
}

// getVictim picks an LFS victim for one GC pass under the sentry lock.
func (m *Manager) getVictim(gcType Mode) (layout.Segno, bool) {
	sit := m.fs.SIT()
	sit.Lock()
	defer sit.Unlock()
	return m.GetVictim(gcType, layout.Dirty, AllocLFS)
}
