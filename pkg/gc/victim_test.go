package gc_test

import (
	"testing"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/memfs"
)

func testGeometry(mainSegs uint32) layout.Geometry {
	return layout.Geometry{
		BlocksPerSeg: 512,
		SegsPerSec:   1,
		MainSegs:     mainSegs,
	}
}

func newTestFS(t testing.TB, geo layout.Geometry) *memfs.FS {
	t.Helper()
	fs, err := memfs.New(geo, memfs.Options{
		ReservedSecs: 1,
		CanRemap:     true,
		DeviceID:     "test:0",
	})
	if err != nil {
		t.Fatalf("memfs.New failed: %v", err)
	}
	return fs
}

func newTestManager(t testing.TB, fs *memfs.FS, cfg gc.Config) *gc.Manager {
	t.Helper()
	return gc.BuildManager(fs, cfg, nil)
}

func TestVictim_GreedyFirstMinimum(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	// append heads live in segments 0..2; victims go beyond them
	fs.SeedSegment(10, 100, 10, layout.SumTypeData)
	fs.SeedSegment(20, 50, 20, layout.SumTypeData)
	fs.SeedSegment(30, 50, 30, layout.SumTypeData)

	segno, ok := m.VictimForTest(gc.FG)
	if !ok {
		t.Fatal("expected a victim")
	}
	if segno != 20 {
		t.Errorf("greedy picked segment %d, want 20 (first minimum)", segno)
	}
}

func TestVictim_CostBenefitPrefersOlder(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	// pin the mtime range so ages are exact: age = 100 - mtime/10
	sit := fs.SIT()
	sit.MinMtime = 0
	sit.MaxMtime = 1000

	// equal utilization (50%), different age: 200 -> age 80, 100 -> age 90
	fs.SeedSegment(10, 256, 200, layout.SumTypeData)
	fs.SeedSegment(20, 256, 100, layout.SumTypeData)

	if c10, c20 := m.CBCostForTest(10), m.CBCostForTest(20); c20 >= c10 {
		t.Fatalf("cost(20)=%d should be below cost(10)=%d", c20, c10)
	}

	segno, ok := m.VictimForTest(gc.BG) // background defaults to cost-benefit
	if !ok {
		t.Fatal("expected a victim")
	}
	if segno != 20 {
		t.Errorf("cost-benefit picked segment %d, want 20 (larger age)", segno)
	}

	// background selection queues the section for foreground pickup
	if !fs.Dirty().VictimSecmap.Test(20) {
		t.Error("victim secmap bit not set for background victim")
	}
}

func TestVictim_ForegroundFastPath(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	// plenty of cheaper candidates in the dirty map
	for segno := layout.Segno(10); segno < 30; segno++ {
		fs.SeedSegment(segno, 5, uint64(segno), layout.SumTypeData)
	}
	fs.SeedSegment(40, 400, 40, layout.SumTypeData)
	fs.Dirty().VictimSecmap.Set(40)

	segno, ok := m.VictimForTest(gc.FG)
	if !ok {
		t.Fatal("expected a victim")
	}
	if segno != 40 {
		t.Errorf("fast path picked segment %d, want the queued section 40", segno)
	}
	if fs.Dirty().VictimSecmap.Test(40) {
		t.Error("consumed victim secmap bit not cleared")
	}
}

func TestVictim_BoundedScanRecordsPosition(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{MaxVictimSearch: 2})

	fs.SeedSegment(10, 5, 10, layout.SumTypeData)
	fs.SeedSegment(20, 7, 20, layout.SumTypeData)
	fs.SeedSegment(30, 3, 30, layout.SumTypeData)
	fs.SeedSegment(40, 2, 40, layout.SumTypeData)

	segno, ok := m.VictimForTest(gc.FG)
	if !ok {
		t.Fatal("expected a victim")
	}
	// only two candidates were examined; the cheapest overall (40)
	// was beyond the bound
	if segno != 10 {
		t.Errorf("bounded scan picked %d, want 10", segno)
	}
	if got := m.LastVictimForTest(0); got != 20 {
		t.Errorf("scan stopped at %d, want 20 recorded for resume", got)
	}
}

func TestVictim_SkipsWorstCaseCost(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	// a fully valid segment prices at max cost and is never worth it
	fs.SeedSegment(10, 512, 10, layout.SumTypeData)

	if _, ok := m.VictimForTest(gc.FG); ok {
		t.Error("expected no victim when every candidate is at max cost")
	}
}

func TestVictim_NoDirtySegments(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	if segno, ok := m.VictimForTest(gc.FG); ok {
		t.Errorf("empty dirty map returned victim %d", segno)
	}
}

func TestVictim_ForegroundExcludesCurrentVictim(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	fs.SeedSegment(10, 5, 10, layout.SumTypeData)

	first, ok := m.VictimForTest(gc.FG)
	if !ok || first != 10 {
		t.Fatalf("first selection = %d/%v, want 10", first, ok)
	}

	// section 10 is now cur_victim_sec; a second pass must not
	// hand it out again
	if segno, ok := m.VictimForTest(gc.FG); ok {
		t.Errorf("second selection returned %d while 10 is in flight", segno)
	}
}

func TestVictim_SSRUsesCheckpointedCounts(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})

	// SSR prices by checkpointed counts and hands out single segments
	fs.SeedSegment(10, 6, 10, layout.SumTypeData)
	fs.SeedSegment(20, 4, 20, layout.SumTypeData)

	fs.SIT().Lock()
	segno, ok := m.GetVictim(gc.FG, layout.DirtyHotData, gc.AllocSSR)
	fs.SIT().Unlock()

	if !ok {
		t.Fatal("expected an SSR victim")
	}
	if segno != 20 {
		t.Errorf("SSR picked %d, want 20 (fewest checkpointed blocks)", segno)
	}
	// SSR selection leaves the LFS bookkeeping alone
	if fs.Dirty().VictimSecmap.Count() != 0 {
		t.Error("SSR selection touched the victim secmap")
	}
}

func TestVictim_GCIdleOverridesModel(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{GCIdle: 2}) // force greedy for BG

	fs.SeedSegment(10, 5, 10, layout.SumTypeData)
	fs.SeedSegment(20, 3, 20, layout.SumTypeData)

	segno, ok := m.VictimForTest(gc.BG)
	if !ok {
		t.Fatal("expected a victim")
	}
	if segno != 20 {
		t.Errorf("forced greedy picked %d, want 20 (fewest valid blocks)", segno)
	}
}
