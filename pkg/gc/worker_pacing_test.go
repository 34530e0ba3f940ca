package gc

import (
	"testing"
	"time"

	"github.com/watersir/logfs/pkg/layout"
)

// geomOnlyFS satisfies Filesystem for construction-only tests; every
// method beyond Geometry panics if reached.
type geomOnlyFS struct{ Filesystem }

func (geomOnlyFS) Geometry() layout.Geometry {
	return layout.Geometry{BlocksPerSeg: 512, SegsPerSec: 1, MainSegs: 8}
}

func TestPacerStepBounds(t *testing.T) {
	minS := 30 * time.Second
	maxS := 60 * time.Second

	w := &worker{minSleep: minS, maxSleep: maxS}

	// repeated increases are non-decreasing and never pass maxSleep
	wait := minS
	prev := wait
	for i := 0; i < 5; i++ {
		wait = w.increase(wait)
		if wait < prev {
			t.Fatalf("increase step %d went backwards: %v -> %v", i, prev, wait)
		}
		if wait > maxS {
			t.Fatalf("increase step %d exceeded max: %v", i, wait)
		}
		prev = wait
	}
	if wait != maxS {
		t.Errorf("five increases from min ended at %v, want clamp at %v", wait, maxS)
	}

	// decreases bottom out at minSleep
	for i := 0; i < 5; i++ {
		wait = w.decrease(wait)
		if wait < minS {
			t.Fatalf("decrease step %d undershot min: %v", i, wait)
		}
	}
	if wait != minS {
		t.Errorf("decreases ended at %v, want clamp at %v", wait, minS)
	}
}

func TestDefaultConfigFillsZeroes(t *testing.T) {
	m := BuildManager(geomOnlyFS{}, Config{}, nil)
	if m.cfg.MinSleep != DefMinSleep || m.cfg.MaxSleep != DefMaxSleep {
		t.Errorf("zero config not defaulted: %+v", m.cfg)
	}
	if m.cfg.NoGCSleep != DefNoGCSleep {
		t.Errorf("NoGCSleep not defaulted: %v", m.cfg.NoGCSleep)
	}
	if m.maxVictimSearch != DefMaxVictimSearch {
		t.Errorf("MaxVictimSearch not defaulted: %d", m.maxVictimSearch)
	}
}
