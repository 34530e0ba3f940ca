package gc_test

import (
	"context"
	"testing"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/memfs"
	"github.com/watersir/logfs/pkg/store/meta"
)

// The append heads of a fresh filesystem open on segments 0 (hot data),
// 1 (cold data), and 2 (node); the first file's data lands in segment 0
// and its inode block in segment 2.
const (
	hotDataSeg = layout.Segno(0)
	nodeSeg    = layout.Segno(2)
)

// blockAt returns the payload stored for (nid, ofs) per the image.
func blockAt(img *meta.Image, nid layout.Nid, ofs int) []byte {
	for _, n := range img.Nodes {
		if n.Nid == nid {
			return img.Blocks[n.Addrs[ofs]]
		}
	}
	return nil
}

func addrOf(img *meta.Image, nid layout.Nid, ofs int) layout.BlockAddr {
	for _, n := range img.Nodes {
		if n.Nid == nid {
			return n.Addrs[ofs]
		}
	}
	return layout.NullAddr
}

func TestIsAlive_VersionMismatchSkips(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	ino, err := fs.CreateFile(2, memfs.FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	nid := layout.Nid(ino) // the inode block carries the data pointers
	before := fs.Export()
	addr := addrOf(before, nid, 0)

	sum := layout.Summary{Nid: nid, Version: 0, OfsInNode: 0}
	if alive, _, _ := m.IsAliveForTest(ctx, sum, addr); !alive {
		t.Fatal("fresh block should be alive")
	}

	// a NAT version ahead of the summary means the summary is stale
	if err := fs.BumpNATVersion(nid); err != nil {
		t.Fatalf("BumpNATVersion failed: %v", err)
	}
	if alive, _, _ := m.IsAliveForTest(ctx, sum, addr); alive {
		t.Error("stale summary version reported alive")
	}

	// a stale block is skipped without any relocation
	if n := m.RelocateForTest(ctx, hotDataSeg, gc.FG); n != 0 {
		t.Errorf("relocation of stale segment returned %d, want 0", n)
	}
	after := fs.Export()
	if addrOf(after, nid, 0) != addr {
		t.Error("stale block was relocated")
	}
}

func TestIsAlive_AddressMismatchSkips(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	ino, err := fs.CreateFile(2, memfs.FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	nid := layout.Nid(ino)
	before := fs.Export()
	oldAddr := addrOf(before, nid, 0)

	// rewrite block 0 the way a user write would; the dnode now points
	// elsewhere and the old summary entry no longer describes a live block
	if err := fs.OverwriteBlock(ino, 0); err != nil {
		t.Fatalf("OverwriteBlock failed: %v", err)
	}

	sum := layout.Summary{Nid: nid, Version: 0, OfsInNode: 0}
	if alive, _, _ := m.IsAliveForTest(ctx, sum, oldAddr); alive {
		t.Error("block rewritten elsewhere reported alive")
	}
}

func TestRelocate_DataSegmentMove(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	ino, err := fs.CreateFile(2, memfs.FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	nid := layout.Ino(ino)
	before := fs.Export()
	payload0 := append([]byte(nil), blockAt(before, layout.Nid(nid), 0)...)
	payload1 := append([]byte(nil), blockAt(before, layout.Nid(nid), 1)...)

	// dirty both blocks in the page cache so classification says MOVE
	in, err := fs.Iget(ino)
	if err != nil {
		t.Fatalf("Iget failed: %v", err)
	}
	for bidx := uint64(0); bidx < 2; bidx++ {
		p, err := fs.GetLockedDataPage(ctx, in, bidx)
		if err != nil {
			t.Fatalf("GetLockedDataPage(%d) failed: %v", bidx, err)
		}
		p.SetDirty()
		p.Unlock()
		p.Put()
	}
	fs.Iput(in)

	if n := m.RelocateForTest(ctx, hotDataSeg, gc.FG); n != 1 {
		t.Fatalf("relocation returned %d, want 1 (segment emptied)", n)
	}
	if v := fs.SIT().ValidBlocks(hotDataSeg, 1); v != 0 {
		t.Errorf("victim segment still has %d valid blocks", v)
	}

	after := fs.Export()
	if got := blockAt(after, layout.Nid(nid), 0); string(got) != string(payload0) {
		t.Error("block 0 payload changed across relocation")
	}
	if got := blockAt(after, layout.Nid(nid), 1); string(got) != string(payload1) {
		t.Error("block 1 payload changed across relocation")
	}
	if addrOf(after, layout.Nid(nid), 0) == addrOf(before, layout.Nid(nid), 0) {
		t.Error("block 0 kept its address; nothing moved")
	}
	if fs.PinnedInodes() != 0 {
		t.Errorf("%d inode pins leaked by relocation", fs.PinnedInodes())
	}
}

func TestRelocate_DataSegmentRemapUncached(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	ino, err := fs.CreateFile(3, memfs.FileOpts{})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	before := fs.Export()
	payload := append([]byte(nil), blockAt(before, layout.Nid(ino), 2)...)

	// nothing cached: every block takes the remap path
	if n := m.RelocateForTest(ctx, hotDataSeg, gc.FG); n != 1 {
		t.Fatalf("relocation returned %d, want 1", n)
	}

	after := fs.Export()
	if addrOf(after, layout.Nid(ino), 2) == addrOf(before, layout.Nid(ino), 2) {
		t.Error("uncached block kept its address")
	}
	if got := blockAt(after, layout.Nid(ino), 2); string(got) != string(payload) {
		t.Error("remap lost the payload")
	}
}

func TestRelocate_NodeSegment(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	if _, err := fs.CreateFile(2, memfs.FileOpts{}); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	if v := fs.SIT().ValidBlocks(nodeSeg, 1); v != 1 {
		t.Fatalf("node segment has %d valid blocks before gc, want 1", v)
	}

	if n := m.RelocateForTest(ctx, nodeSeg, gc.FG); n != 1 {
		t.Fatalf("node relocation returned %d, want 1", n)
	}
	if v := fs.SIT().ValidBlocks(nodeSeg, 1); v != 0 {
		t.Errorf("node segment still has %d valid blocks", v)
	}
}

func TestRelocate_EncryptedFile(t *testing.T) {
	fs := newTestFS(t, testGeometry(64))
	m := newTestManager(t, fs, gc.Config{})
	ctx := context.Background()

	ino, err := fs.CreateFile(2, memfs.FileOpts{Encrypted: true})
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fs.SealLogs(); err != nil {
		t.Fatalf("SealLogs failed: %v", err)
	}

	before := fs.Export()
	payload := append([]byte(nil), blockAt(before, layout.Nid(ino), 0)...)

	if n := m.RelocateForTest(ctx, hotDataSeg, gc.FG); n != 1 {
		t.Fatalf("encrypted relocation returned %d, want 1", n)
	}

	after := fs.Export()
	newAddr := addrOf(after, layout.Nid(ino), 0)
	if newAddr == addrOf(before, layout.Nid(ino), 0) {
		t.Error("ciphertext block kept its address")
	}
	if got := after.Blocks[newAddr]; string(got) != string(payload) {
		t.Error("ciphertext changed across relocation")
	}
	if fs.PinnedInodes() != 0 {
		t.Errorf("%d inode pins leaked", fs.PinnedInodes())
	}
}
