// Package gc implements the garbage-collector core of the filesystem:
// victim selection over the dirty-segment maps, relocation of surviving
// node and data blocks to new log positions, the section-at-a-time
// reclamation loop, and the pacing worker that schedules background
// passes against I/O load and free-space pressure.
//
// The GC is a reader of SIT and NAT state and a producer of writes
// through the normal log allocation path; it never mutates segment
// accounting directly.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/metrics"
)

// Config carries the GC tuning knobs.
type Config struct {
	// MinSleep and MaxSleep bound the worker's adaptive pause.
	MinSleep time.Duration
	MaxSleep time.Duration

	// NoGCSleep is the long back-off applied when victim selection
	// itself failed, so the worker does not spin on an exhausted
	// dirty set.
	NoGCSleep time.Duration

	// GCIdle overrides the LFS cost model of both foreground and
	// background selection: 0 default, 1 forces cost-benefit, 2 forces
	// greedy.
	GCIdle int

	// MaxVictimSearch bounds how many candidates one selection pass
	// examines.
	MaxVictimSearch uint32
}

// Default worker pacing, in line with flash-friendly reclaim cadence.
const (
	DefMinSleep        = 30 * time.Second
	DefMaxSleep        = 60 * time.Second
	DefNoGCSleep       = 300 * time.Second
	DefMaxVictimSearch = 4096
)

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MinSleep:        DefMinSleep,
		MaxSleep:        DefMaxSleep,
		NoGCSleep:       DefNoGCSleep,
		GCIdle:          gcIdleNone,
		MaxVictimSearch: DefMaxVictimSearch,
	}
}

// Manager is the per-filesystem GC instance. One Manager serves one
// mounted filesystem; the background worker and synchronous callers
// serialize on its mutex.
type Manager struct {
	fs  Filesystem
	geo layout.Geometry

	// mu is the global GC lock, held across an entire GC call.
	mu sync.Mutex

	policy Policy

	// lastVictim persists each cost model's scan position across
	// selection calls.
	lastVictim [nrCostModels]layout.Segno

	// curVictimSec is the section foreground GC is working on, so
	// selection never hands it out twice.
	curVictimSec layout.Secno

	maxVictimSearch uint32
	idleMode        atomic.Int32

	met *metrics.GCMetrics

	cfg    Config
	worker *worker
}

// BuildManager creates the GC manager for fs and installs the default
// victim-selection policy.
func BuildManager(fs Filesystem, cfg Config, met *metrics.GCMetrics) *Manager {
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = DefMinSleep
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefMaxSleep
	}
	if cfg.NoGCSleep <= 0 {
		cfg.NoGCSleep = DefNoGCSleep
	}
	if cfg.MaxVictimSearch == 0 {
		cfg.MaxVictimSearch = DefMaxVictimSearch
	}

	m := &Manager{
		fs:              fs,
		geo:             fs.Geometry(),
		policy:          PolicyDefault,
		curVictimSec:    layout.NullSecno,
		maxVictimSearch: cfg.MaxVictimSearch,
		met:             met,
		cfg:             cfg,
	}
	m.idleMode.Store(int32(cfg.GCIdle))
	return m
}

// SetGCIdle changes the gc_idle knob at runtime.
func (m *Manager) SetGCIdle(v int) { m.idleMode.Store(int32(v)) }

func (m *Manager) gcIdle() int32 { return m.idleMode.Load() }

// Run performs one synchronous GC call. With syncMode the collection is
// foreground from the start and the return value reports whether a
// section was freed: nil when at least one was, ErrAgain when victims
// were processed but nothing came free, ErrNoVictim when selection
// found nothing.
func (m *Manager) Run(ctx context.Context, syncMode bool) error {
	m.mu.Lock()
	return m.gcLocked(ctx, syncMode)
}

// gcLocked runs the reclamation loop. The caller holds m.mu; it is
// released here, after which all pinned inodes are dropped.
func (m *Manager) gcLocked(ctx context.Context, syncMode bool) error {
	gcType := BG
	if syncMode {
		gcType = FG
	}
	secFreed := 0
	victimSelected := false
	gcList := newGCInodeList()
	var err error

	defer func() {
		m.mu.Unlock()
		gcList.put(m.fs)
	}()

	m.met.Pass(gcType.String())

	for {
		segno := layout.NullSegno

		if !m.fs.Active() {
			err = ErrInactive
			break
		}
		if m.fs.CPError() {
			err = ErrCheckpoint
			break
		}

		// Background collection escalates to foreground when free
		// space stays short even crediting what this call already
		// freed. A checkpoint first turns prefree segments into
		// usable ones.
		if gcType == BG && m.fs.HasNotEnoughFreeSecs(secFreed) {
			gcType = FG
			if v, ok := m.getVictim(FG); ok {
				segno = v
				victimSelected = true
				if cerr := m.fs.WriteCheckpoint(ctx); cerr != nil {
					err = fmt.Errorf("%w: %v", ErrCheckpoint, cerr)
					break
				}
			} else if m.fs.PrefreeSegments() > 0 {
				if cerr := m.fs.WriteCheckpoint(ctx); cerr != nil {
					err = fmt.Errorf("%w: %v", ErrCheckpoint, cerr)
					break
				}
			}
		}

		if segno == layout.NullSegno {
			v, ok := m.getVictim(gcType)
			if !ok {
				if !victimSelected {
					err = ErrNoVictim
					m.met.NoVictim()
				}
				break
			}
			segno = v
			victimSelected = true
		}

		// summary blocks of one section are adjacent on flash
		if m.geo.SegsPerSec > 1 {
			m.fs.ReadaheadSSA(segno, m.geo.SegsPerSec)
		}

		var i uint32
		for i = 0; i < m.geo.SegsPerSec; i++ {
			nfree := m.doGarbageCollect(ctx, segno+layout.Segno(i), gcList, gcType)

			// halt the section once one segment fails to empty,
			// to keep foreground latency bounded
			if nfree == 0 && gcType == FG {
				break
			}
		}
		if i == m.geo.SegsPerSec && gcType == FG {
			secFreed++
			m.met.SectionFreed()
		}

		if gcType == FG {
			m.curVictimSec = layout.NullSecno
		}

		if !syncMode {
			if m.fs.HasNotEnoughFreeSecs(secFreed) {
				continue
			}
			if gcType == FG {
				if cerr := m.fs.WriteCheckpoint(ctx); cerr != nil {
					err = fmt.Errorf("%w: %v", ErrCheckpoint, cerr)
				}
			}
		}
		break
	}

	if err == nil && syncMode && secFreed == 0 {
		err = ErrAgain
	}

	logger.Debug("gc pass done",
		logger.KeyMode, gcType.String(),
		logger.KeySecFreed, secFreed,
		logger.KeyFreeSegs, m.fs.FreeSegments(),
		logger.KeyPrefree, m.fs.PrefreeSegments(),
	)
	return err
}

// doGarbageCollect reclaims one segment: read its summary, dispatch to
// the node or data relocator, report whether the segment came free.
func (m *Manager) doGarbageCollect(ctx context.Context, segno layout.Segno, gcList *gcInodeList, gcType Mode) int {
	sumPage, err := m.fs.GetSumPage(ctx, segno)
	if err != nil {
		return 0
	}

	// Unlock before any further work. The concurrent block-replace
	// path takes the sentry lock and then the summary page lock;
	// holding the page across our valid-map checks would close a
	// lock cycle with it.
	sumPage.Unlock()

	var nfree int
	switch sumPage.Block.Footer {
	case layout.SumTypeNode:
		nfree = m.gcNodeSegment(ctx, sumPage.Block, segno, gcType)
	case layout.SumTypeData:
		classify := AlwaysMove
		if gcType == FG {
			classify = ClassifyByCacheState
		}
		nfree = m.gcDataSegment(ctx, sumPage.Block, gcList, segno, gcType, classify)
	}

	sumPage.Put()
	return nfree
}
