package gc_test

import (
	"errors"
	"testing"
	"time"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/memfs"
)

func fastWorkerConfig() gc.Config {
	return gc.Config{
		MinSleep:  time.Millisecond,
		MaxSleep:  5 * time.Millisecond,
		NoGCSleep: 20 * time.Millisecond,
	}
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWorker_StartStop(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, fastWorkerConfig())

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(); !errors.Is(err, gc.ErrWorkerRunning) {
		t.Errorf("second Start returned %v, want ErrWorkerRunning", err)
	}

	m.Stop()
	m.Stop() // idempotent on absence

	if err := m.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	m.Stop()
}

func TestWorker_SkipsWhileBusy(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, fastWorkerConfig())

	fs.SeedSegment(10, 5, 10, layout.SumTypeData)
	fs.AddQueuedIO(1) // device queue never drains

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	// the orchestrator never ran: the balancing hook that follows
	// every background pass was never reached
	if n := fs.Balances(); n != 0 {
		t.Errorf("background gc ran %d times under I/O load, want 0", n)
	}
}

func TestWorker_CollectsWhenIdle(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, fastWorkerConfig())

	ino, err := fs.CreateFile(8, memfs.FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	for bidx := uint64(0); bidx < 4; bidx++ {
		if err := fs.OverwriteBlock(ino, bidx); err != nil {
			t.Fatalf("OverwriteBlock failed: %v", err)
		}
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, func() bool { return fs.Balances() > 0 },
		"idle worker never ran a background pass")
	waitFor(t, func() bool { return fs.Dirty().VictimSecmap.Count() > 0 },
		"background pass queued no victim")
}

func TestWorker_FrozenFilesystemHoldsOff(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, fastWorkerConfig())

	fs.SeedSegment(10, 5, 10, layout.SumTypeData)
	fs.SetFrozen(true)

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := fs.Balances(); n != 0 {
		t.Errorf("background gc ran %d times while frozen, want 0", n)
	}

	// thawing lets the worker proceed
	fs.SetFrozen(false)
	waitFor(t, func() bool { return fs.Balances() > 0 },
		"worker never resumed after thaw")
	m.Stop()
}
