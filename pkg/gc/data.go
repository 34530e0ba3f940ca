package gc

import (
	"context"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/layout"
)

// ClassifyPolicy decides how surviving data blocks are relocated.
type ClassifyPolicy int

const (
	// AlwaysMove rewrites every block through the normal write path.
	AlwaysMove ClassifyPolicy = iota

	// ClassifyByCacheState remaps blocks that are clean in the page
	// cache or not cached at all, and moves only dirty ones.
	ClassifyByCacheState
)

// blockClass is the per-block relocation decision taken in phase 2.
type blockClass uint8

const (
	classNone blockClass = iota
	classMove
	classRemap
)

// gcDataSegment relocates the surviving data blocks of one segment.
//
// Four phases over the summary, so each dependent read (parent node,
// inode, data page) is issued as readahead one level before it is
// needed:
//
//	0: readahead the parent node page of each valid block
//	1: liveness check; readahead the owning inode's page
//	2: pin the inode, probe the page cache, classify the block
//	3: relocate via the encrypted, move, or remap path
//
// Inodes pinned in phase 2 stay in gcList until the whole GC call ends.
// Returns 1 when foreground GC verifiably emptied the segment.
func (m *Manager) gcDataSegment(ctx context.Context, sum *layout.SummaryBlock, gcList *gcInodeList,
	segno layout.Segno, gcType Mode, classify ClassifyPolicy) int {

	startAddr := m.geo.StartBlock(segno)
	classes := make([]blockClass, m.geo.BlocksPerSeg)

	for phase := 0; phase < 4; phase++ {
		for off := uint32(0); off < m.geo.BlocksPerSeg; off++ {
			entry := sum.Entries[off]

			// stop BG_GC if free sections ran out under us
			if gcType == BG && m.fs.HasNotEnoughFreeSecs(0) {
				return 0
			}

			if !m.checkValidMap(segno, off) {
				continue
			}

			if phase == 0 {
				m.fs.ReadaheadNodePage(entry.Nid)
				continue
			}

			alive, dni, nofs := m.isAlive(ctx, entry, startAddr+layout.BlockAddr(off))
			if !alive {
				continue
			}

			if phase == 1 {
				m.fs.ReadaheadNodePage(layout.Nid(dni.Ino))
				continue
			}

			ofsInNode := uint32(entry.OfsInNode)

			if phase == 2 {
				inode, err := m.fs.Iget(dni.Ino)
				if err != nil {
					continue
				}

				// encrypted regular files take their own path in phase 3
				if inode.Encrypted() && inode.Regular() {
					classes[off] = classMove
					gcList.add(m.fs, inode)
					continue
				}

				classes[off] = m.classifyBlock(inode, nofs, ofsInNode, classify)
				gcList.add(m.fs, inode)
				continue
			}

			// phase 3
			inode := gcList.find(dni.Ino)
			if inode == nil {
				continue
			}
			bidx := StartBidxOfNode(nofs) + uint64(ofsInNode)
			switch {
			case inode.Encrypted() && inode.Regular():
				m.moveEncryptedBlock(ctx, inode, bidx)
			case classes[off] == classRemap:
				m.remapDataBlock(ctx, inode, bidx)
			default:
				m.moveDataPage(ctx, inode, bidx, gcType)
			}
			m.met.DataBlock(gcType.String())
		}
	}

	if gcType == FG {
		if err := m.fs.SubmitMergedData(ctx); err != nil {
			logger.Warn("merged data submit failed during gc", logger.KeySegno, segno, logger.KeyError, err)
		}

		// return 1 only if FG_GC reclaimed the whole segment
		if m.fs.SIT().ValidBlocks(segno, 1) == 0 {
			return 1
		}
	}
	return 0
}

// classifyBlock probes the page cache to decide between move and remap:
// dirty pages must travel the write path; clean or uncached blocks can
// keep their payload and take a new address by remap.
func (m *Manager) classifyBlock(inode Inode, nofs, ofsInNode uint32, classify ClassifyPolicy) blockClass {
	if classify == AlwaysMove || !m.fs.CanRemap() {
		return classMove
	}

	bidx := StartBidxOfNode(nofs) + uint64(ofsInNode)
	page, ok := m.fs.PeekDataPage(inode, bidx)
	if !ok {
		return classRemap
	}
	cls := classRemap
	if page.Dirty() {
		cls = classMove
	}
	putPage(page, false)
	return cls
}

// moveDataPage rewrites one block through the normal write path.
//
// Foreground waits out prior writeback and submits immediately through
// the merged batch; background only dirties the page and leaves it to
// the regular writeback path. The cold hint steers allocation to the
// cold data log for the duration of the write.
func (m *Manager) moveDataPage(ctx context.Context, inode Inode, bidx uint64, gcType Mode) {
	page, err := m.fs.GetLockedDataPage(ctx, inode, bidx)
	if err != nil {
		return
	}
	defer putPage(page, true)

	if gcType == BG {
		if page.Writeback() {
			return
		}
		page.SetDirty()
		m.fs.SetColdData(page)
		return
	}

	page.SetDirty()
	page.WaitWriteback()
	page.ClearDirtyForIO()
	m.fs.SetColdData(page)
	if err := m.fs.WriteDataPage(ctx, inode, page); err != nil {
		logger.Debug("data page write failed during gc",
			logger.KeyIno, inode.Ino(), logger.KeyBidx, bidx, logger.KeyError, err)
	}
	m.fs.ClearColdData(page)
}

// remapDataBlock assigns the block a new log address without touching
// its payload. The dnode pointer and the extent cache are updated; the
// device-level remap is the backend's business.
func (m *Manager) remapDataBlock(ctx context.Context, inode Inode, bidx uint64) {
	dn, err := m.fs.GetDnode(ctx, inode, bidx)
	if err != nil {
		return
	}
	defer dn.Put()

	// already truncated
	if dn.DataBlkAddr == layout.NullAddr {
		return
	}

	if err := m.fs.RemapDataBlock(ctx, dn); err != nil {
		logger.Debug("remap failed, falling back to move",
			logger.KeyIno, inode.Ino(), logger.KeyBidx, bidx, logger.KeyError, err)
		m.moveDataPage(ctx, inode, bidx, FG)
	}
}

// moveEncryptedBlock relocates one block of an encrypted file without
// decrypting it: the ciphertext is staged through the meta page space,
// a new address is assigned, and the cipher page is submitted directly.
func (m *Manager) moveEncryptedBlock(ctx context.Context, inode Inode, bidx uint64) {
	page, err := m.fs.GrabCachePage(inode, bidx)
	if err != nil {
		return
	}
	defer putPage(page, true)

	dn, err := m.fs.GetDnode(ctx, inode, bidx)
	if err != nil {
		return
	}
	defer dn.Put()

	if dn.DataBlkAddr == layout.NullAddr {
		return
	}

	// don't stage ciphertext until prior dirty data hit the flash,
	// otherwise GC races the flush path
	page.WaitWriteback()

	ni, err := m.fs.NodeInfo(dn.Nid)
	if err != nil {
		return
	}
	sum := layout.Summary{
		Nid:       dn.Nid,
		Version:   ni.Version,
		OfsInNode: uint16(dn.OfsInNode),
	}

	encPage, err := m.fs.MetaPage(dn.DataBlkAddr)
	if err != nil {
		return
	}
	defer putPage(encPage, true)

	if err := m.fs.SubmitPageRead(ctx, encPage, dn.DataBlkAddr); err != nil {
		return
	}
	if !encPage.Uptodate() {
		return
	}

	encPage.SetDirty()
	encPage.WaitWriteback()
	encPage.ClearDirtyForIO()

	newAddr := m.fs.AllocateDataBlock(dn.DataBlkAddr, sum)
	if newAddr == layout.NullAddr {
		return
	}
	if err := m.fs.SubmitPageWrite(ctx, encPage, newAddr); err != nil {
		return
	}

	dn.DataBlkAddr = newAddr
	m.fs.SetDataBlockAddr(dn)
	m.fs.UpdateExtentCache(dn)
}
