package memfs

import (
	"encoding/binary"
	"fmt"

	"github.com/watersir/logfs/pkg/layout"
)

// This file holds the construction surface: creating files through the
// normal allocation path, mutating them the way user writes would, and
// seeding raw segment state for images and tests that need an exact
// on-flash layout.

// FileOpts configures CreateFile.
type FileOpts struct {
	Encrypted bool
}

// CreateFile allocates an inode and nblocks data blocks through the hot
// data log, building the node tree (inode block plus direct nodes) as
// it goes. Payloads are a deterministic per-block pattern.
func (fs *FS) CreateFile(nblocks uint64, opts FileOpts) (layout.Ino, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino := layout.Ino(fs.nextNid)
	i := &inode{
		ino:       ino,
		encrypted: opts.Encrypted,
		regular:   true,
	}

	// inode block first, then as many direct nodes as the size needs
	nodesNeeded := 1
	if nblocks > layout.AddrsPerInode {
		nodesNeeded += int((nblocks - layout.AddrsPerInode + layout.AddrsPerBlock - 1) / layout.AddrsPerBlock)
	}
	for n := 0; n < nodesNeeded; n++ {
		nid := fs.nextNid
		fs.nextNid++
		// direct node d = n-1 keeps tree offset d+1 for the first two;
		// later ones sit past the indirect slots of the node tree
		nodeOfs := uint32(n)
		if n > 2 {
			const nids = layout.NidsPerBlock
			d := uint32(n - 1)
			switch {
			case d < 2+nids:
				nodeOfs = d + 2
			case d < 2+2*nids:
				nodeOfs = d + 3
			default:
				e := d - 2 - 2*nids
				nodeOfs = 2*nids + 7 + e/nids*(nids+1) + e%nids
			}
		}
		node := &nodeBlock{nid: nid, ino: ino, nodeOfs: nodeOfs}
		node.addrs = make([]layout.BlockAddr, node.addrSpan())
		fs.nodes[nid] = node

		sum := layout.Summary{Nid: nid}
		addr, err := fs.allocBlockLocked(cursegNode, sum)
		if err != nil {
			return 0, fmt.Errorf("allocating node %d: %w", nid, err)
		}
		fs.nat[nid] = layout.NodeInfo{Ino: ino, BlkAddr: addr}
		i.nids = append(i.nids, nid)
	}

	for bidx := uint64(0); bidx < nblocks; bidx++ {
		node, ofs, err := fs.dnodeForLocked(i, bidx)
		if err != nil {
			return 0, err
		}
		ni := fs.nat[node.nid]
		sum := layout.Summary{Nid: node.nid, Version: ni.Version, OfsInNode: uint16(ofs)}
		addr, err := fs.allocBlockLocked(cursegHotData, sum)
		if err != nil {
			return 0, fmt.Errorf("allocating block %d of inode %d: %w", bidx, ino, err)
		}
		fs.blocks[addr] = blockPattern(ino, bidx)
		node.addrs[ofs] = addr
	}

	fs.inodes[ino] = i
	return ino, nil
}

// OverwriteBlock simulates a user rewrite of one block: a fresh hot-log
// position, the old one invalidated.
func (fs *FS) OverwriteBlock(ino layout.Ino, bidx uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	i, ok := fs.inodes[ino]
	if !ok {
		return fmt.Errorf("inode %d: not found", ino)
	}
	node, ofs, err := fs.dnodeForLocked(i, bidx)
	if err != nil {
		return err
	}
	old := node.addrs[ofs]
	if old == layout.NullAddr {
		return fmt.Errorf("inode %d: block %d is a hole", ino, bidx)
	}

	ni := fs.nat[node.nid]
	sum := layout.Summary{Nid: node.nid, Version: ni.Version, OfsInNode: uint16(ofs)}
	addr, err := fs.allocBlockLocked(cursegHotData, sum)
	if err != nil {
		return err
	}
	fs.blocks[addr] = blockPattern(ino, bidx)
	fs.invalidateLocked(old)
	node.addrs[ofs] = addr
	return nil
}

// BumpNATVersion advances nid's version counter, making any summary
// written with the old version stale.
func (fs *FS) BumpNATVersion(nid layout.Nid) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ni, ok := fs.nat[nid]
	if !ok {
		return fmt.Errorf("nat entry %d: not found", nid)
	}
	ni.Version++
	fs.nat[nid] = ni
	return nil
}

// SeedSegment installs raw per-segment state: valid-block count (bits
// set from offset zero), mtime, and kind. Image loading and selection
// tests use it to lay out exact utilization patterns without writing
// files.
func (fs *FS) SeedSegment(segno layout.Segno, valid uint32, mtime uint64, kind layout.SumType) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ent := fs.sit.SegEntry(segno)

	fs.sit.Lock()
	for off := uint32(0); off < valid; off++ {
		ent.ValidMap.Set(off)
	}
	ent.ValidBlocks = valid
	ent.CkptValidBlocks = valid
	ent.Mtime = mtime
	ent.IsNode = kind == layout.SumTypeNode
	fs.sit.Unlock()

	if fs.usage[segno] == segFree {
		fs.usage[segno] = segInUse
		fs.freeSegs--
	}
	fs.written[segno] = fs.geo.BlocksPerSeg
	fs.invalidBlocks += fs.geo.BlocksPerSeg - valid
	if fs.summaries[segno] == nil {
		fs.summaries[segno] = layout.NewSummaryBlock(kind, fs.geo.BlocksPerSeg)
	}
	if mtime > fs.clock {
		fs.clock = mtime
	}
	fs.locateDirtyLocked(segno)
}

// blockPattern produces a recognizable 4K payload for (ino, bidx).
func blockPattern(ino layout.Ino, bidx uint64) []byte {
	b := make([]byte, 4096)
	binary.LittleEndian.PutUint32(b[0:4], uint32(ino))
	binary.LittleEndian.PutUint64(b[4:12], bidx)
	for i := 12; i < len(b); i++ {
		b[i] = byte(i)
	}
	return b
}
