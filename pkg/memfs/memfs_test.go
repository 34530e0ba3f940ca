package memfs

import (
	"context"
	"testing"

	"github.com/watersir/logfs/pkg/layout"
)

func testGeo() layout.Geometry {
	return layout.Geometry{BlocksPerSeg: 8, SegsPerSec: 1, MainSegs: 16}
}

func newFS(t testing.TB) *FS {
	t.Helper()
	fs, err := New(testGeo(), Options{ReservedSecs: 1, CanRemap: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fs
}

func TestCreateFile_Accounting(t *testing.T) {
	fs := newFS(t)

	ino, err := fs.CreateFile(3, FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	// inode block in the node log, data in the hot log
	if v := fs.sit.ValidBlocks(fs.cursegs[cursegNode].segno, 1); v != 1 {
		t.Errorf("node segment has %d valid blocks, want 1", v)
	}
	if v := fs.sit.ValidBlocks(fs.cursegs[cursegHotData].segno, 1); v != 3 {
		t.Errorf("data segment has %d valid blocks, want 3", v)
	}

	// summary entries name the parent node
	seg := fs.cursegs[cursegHotData].segno
	for off := 0; off < 3; off++ {
		ent := fs.summaries[seg].Entries[off]
		if ent.Nid != layout.Nid(ino) || int(ent.OfsInNode) != off {
			t.Errorf("summary[%d] = %+v, want nid %d ofs %d", off, ent, ino, off)
		}
	}
}

func TestOverwriteInvalidatesOldBlock(t *testing.T) {
	fs := newFS(t)

	ino, err := fs.CreateFile(2, FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	seg := fs.cursegs[cursegHotData].segno

	if err := fs.OverwriteBlock(ino, 0); err != nil {
		t.Fatalf("OverwriteBlock failed: %v", err)
	}

	ent := fs.sit.SegEntry(seg)
	if ent.ValidMap.Test(0) {
		t.Error("old block still marked valid after overwrite")
	}
	if fs.invalidBlocks == 0 {
		t.Error("invalid block count did not grow")
	}
}

func TestSealThenCheckpointFreesDrainedSegments(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	ino, err := fs.CreateFile(2, FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	dataSeg := fs.cursegs[cursegHotData].segno

	// drain the data segment entirely, then seal so it is no longer
	// an append target
	if err := fs.OverwriteBlock(ino, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.OverwriteBlock(ino, 1); err != nil {
		t.Fatal(err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	// rewrites landed in the same segment while it was the target, so
	// it still holds their blocks; drain them after sealing
	if err := fs.OverwriteBlock(ino, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.OverwriteBlock(ino, 1); err != nil {
		t.Fatal(err)
	}

	if fs.PrefreeSegments() == 0 {
		t.Fatal("fully drained segment did not turn prefree")
	}
	if fs.dirty.Segmap[layout.Dirty].Test(uint32(dataSeg)) {
		t.Error("prefree segment still in dirty map")
	}

	free := fs.FreeSegments()
	if err := fs.WriteCheckpoint(ctx); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}
	if fs.FreeSegments() <= free {
		t.Error("checkpoint freed nothing")
	}
	if fs.PrefreeSegments() != 0 {
		t.Errorf("%d prefree segments survived the checkpoint", fs.PrefreeSegments())
	}
}

func TestDirtyMapTracksAppendTarget(t *testing.T) {
	fs := newFS(t)

	if _, err := fs.CreateFile(2, FileOpts{}); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	dataSeg := fs.cursegs[cursegHotData].segno

	// an open append target stays out of the dirty map
	if fs.dirty.Segmap[layout.Dirty].Test(uint32(dataSeg)) {
		t.Error("append target marked dirty")
	}

	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}
	if !fs.dirty.Segmap[layout.Dirty].Test(uint32(dataSeg)) {
		t.Error("sealed segment with valid blocks not marked dirty")
	}
}

func TestImageRoundTrip(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()

	ino, err := fs.CreateFile(5, FileOpts{Encrypted: true})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.OverwriteBlock(ino, 2); err != nil {
		t.Fatal(err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteCheckpoint(ctx); err != nil {
		t.Fatal(err)
	}

	img := fs.Export()
	restored, err := FromImage(img, Options{ReservedSecs: 1, CanRemap: true})
	if err != nil {
		t.Fatalf("FromImage failed: %v", err)
	}

	if restored.FreeSegments() != fs.FreeSegments() {
		t.Errorf("free segments: restored %d, original %d", restored.FreeSegments(), fs.FreeSegments())
	}
	for segno := layout.Segno(0); uint32(segno) < fs.geo.MainSegs; segno++ {
		if a, b := fs.sit.ValidBlocks(segno, 1), restored.sit.ValidBlocks(segno, 1); a != b {
			t.Errorf("segment %d: valid blocks %d != %d", segno, a, b)
		}
	}

	// the restored inode still reads
	in, err := restored.Iget(ino)
	if err != nil {
		t.Fatalf("Iget on restored fs failed: %v", err)
	}
	p, err := restored.GetLockedDataPage(ctx, in, 1)
	if err != nil {
		t.Fatalf("GetLockedDataPage failed: %v", err)
	}
	want := blockPattern(ino, 1)
	if string(p.Data()) != string(want) {
		t.Error("restored payload does not match")
	}
	p.Unlock()
	p.Put()
	restored.Iput(in)
}
