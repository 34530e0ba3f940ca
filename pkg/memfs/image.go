package memfs

import (
	"fmt"

	"github.com/watersir/logfs/pkg/bufpool"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/store/meta"
)

// Export snapshots the filesystem into a serializable image. Dirty
// pages are not part of an image; call WriteCheckpoint first for a
// clean cut.
func (fs *FS) Export() *meta.Image {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	img := &meta.Image{
		Geometry:      fs.geo,
		NAT:           make(map[layout.Nid]layout.NodeInfo, len(fs.nat)),
		Blocks:        make(map[layout.BlockAddr][]byte, len(fs.blocks)),
		Clock:         fs.clock,
		InvalidBlocks: fs.invalidBlocks,
	}

	for nid, ni := range fs.nat {
		img.NAT[nid] = ni
	}
	for _, n := range fs.nodes {
		img.Nodes = append(img.Nodes, meta.NodeRec{
			Nid:     n.nid,
			Ino:     n.ino,
			NodeOfs: n.nodeOfs,
			Addrs:   append([]layout.BlockAddr(nil), n.addrs...),
		})
	}
	for _, i := range fs.inodes {
		img.Inodes = append(img.Inodes, meta.InodeRec{
			Ino:       i.ino,
			Encrypted: i.encrypted,
			Regular:   i.regular,
			Nids:      append([]layout.Nid(nil), i.nids...),
		})
	}
	for addr, payload := range fs.blocks {
		img.Blocks[addr] = append([]byte(nil), payload...)
	}

	for segno := layout.Segno(0); uint32(segno) < fs.geo.MainSegs; segno++ {
		ent := fs.sit.SegEntry(segno)
		vm, _ := ent.ValidMap.MarshalBinary()
		rec := meta.SegRec{
			Segno:           segno,
			ValidBlocks:     ent.ValidBlocks,
			CkptValidBlocks: ent.CkptValidBlocks,
			Mtime:           ent.Mtime,
			ValidMap:        vm,
			IsNode:          ent.IsNode,
			Usage:           int(fs.usage[segno]),
			Written:         fs.written[segno],
		}
		if blk := fs.summaries[segno]; blk != nil {
			rec.Summary = &meta.SumRec{
				Footer:  blk.Footer,
				Entries: append([]layout.Summary(nil), blk.Entries...),
			}
		}
		img.Segments = append(img.Segments, rec)
	}

	for cs := cursegType(0); cs < nrCursegs; cs++ {
		img.Cursegs[cs] = meta.CursegRec{
			Segno:   fs.cursegs[cs].segno,
			NextBlk: fs.cursegs[cs].nextBlk,
		}
	}
	return img
}

// FromImage reconstructs a filesystem from an image.
func FromImage(img *meta.Image, opts Options) (*FS, error) {
	geo := img.Geometry
	if geo.BlocksPerSeg == 0 || geo.SegsPerSec == 0 || geo.MainSegs == 0 {
		return nil, fmt.Errorf("image has invalid geometry %+v", geo)
	}
	if opts.ReservedSecs <= 0 {
		opts.ReservedSecs = 2
	}
	if opts.InvalidBlockThresh == 0 {
		opts.InvalidBlockThresh = geo.BlocksPerSeg * geo.SegsPerSec
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "memfs:0"
	}

	fs := &FS{
		geo:                geo,
		sit:                layout.NewSITInfo(geo.MainSegs, geo.BlocksPerSeg),
		dirty:              layout.NewDirtyInfo(geo),
		nat:                make(map[layout.Nid]layout.NodeInfo, len(img.NAT)),
		nodes:              make(map[layout.Nid]*nodeBlock, len(img.Nodes)),
		nextNid:            1,
		summaries:          make([]*layout.SummaryBlock, geo.MainSegs),
		blocks:             make(map[layout.BlockAddr][]byte, len(img.Blocks)),
		nodePages:          make(map[layout.Nid]*page),
		dataPages:          make(map[dataKey]*page),
		metaPages:          make(map[layout.BlockAddr]*page),
		inodes:             make(map[layout.Ino]*inode),
		usage:              make([]segUsage, geo.MainSegs),
		written:            make([]uint32, geo.MainSegs),
		clock:              img.Clock,
		invalidBlocks:      img.InvalidBlocks,
		reservedSecs:       opts.ReservedSecs,
		invalidBlockThresh: opts.InvalidBlockThresh,
		canRemap:           opts.CanRemap,
		deviceID:           opts.DeviceID,
		pool:               bufpool.New(bufpool.DefaultBlockSize),
	}
	fs.active.Store(true)

	for nid, ni := range img.NAT {
		fs.nat[nid] = ni
		if nid >= fs.nextNid {
			fs.nextNid = nid + 1
		}
	}
	for _, n := range img.Nodes {
		fs.nodes[n.Nid] = &nodeBlock{
			nid:     n.Nid,
			ino:     n.Ino,
			nodeOfs: n.NodeOfs,
			addrs:   append([]layout.BlockAddr(nil), n.Addrs...),
		}
	}
	for _, rec := range img.Inodes {
		fs.inodes[rec.Ino] = &inode{
			ino:       rec.Ino,
			encrypted: rec.Encrypted,
			regular:   rec.Regular,
			nids:      append([]layout.Nid(nil), rec.Nids...),
		}
	}
	for addr, payload := range img.Blocks {
		fs.blocks[addr] = append([]byte(nil), payload...)
	}

	for _, rec := range img.Segments {
		ent := fs.sit.SegEntry(rec.Segno)
		if err := ent.ValidMap.UnmarshalBinary(rec.ValidMap); err != nil {
			return nil, fmt.Errorf("segment %d: %w", rec.Segno, err)
		}
		ent.ValidBlocks = rec.ValidBlocks
		ent.CkptValidBlocks = rec.CkptValidBlocks
		ent.Mtime = rec.Mtime
		ent.IsNode = rec.IsNode

		fs.usage[rec.Segno] = segUsage(rec.Usage)
		fs.written[rec.Segno] = rec.Written
		switch segUsage(rec.Usage) {
		case segFree:
			fs.freeSegs++
		case segPrefree:
			fs.prefreeSegs++
		}
		if rec.Summary != nil {
			fs.summaries[rec.Segno] = &layout.SummaryBlock{
				Entries: append([]layout.Summary(nil), rec.Summary.Entries...),
				Footer:  rec.Summary.Footer,
			}
		}
	}

	for cs := cursegType(0); cs < nrCursegs; cs++ {
		fs.cursegs[cs] = curseg{
			segno:   img.Cursegs[cs].Segno,
			nextBlk: img.Cursegs[cs].NextBlk,
		}
		fs.curSegnos[cs].Store(uint32(img.Cursegs[cs].Segno))
	}

	// rebuild the dirty maps from the restored accounting
	fs.mu.Lock()
	for segno := layout.Segno(0); uint32(segno) < geo.MainSegs; segno++ {
		if fs.usage[segno] == segInUse {
			fs.locateDirtyLocked(segno)
		}
	}
	fs.mu.Unlock()

	return fs, nil
}
