package gc

import (
	"context"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/layout"
)

// gcNodeSegment relocates the surviving node blocks of one segment.
//
// Two passes over the summary: the first issues readahead for every
// valid entry, the second revalidates each block and marks its page
// dirty so the node writeback path rewrites it at a new log position.
// Returns 1 when foreground GC verifiably emptied the segment.
func (m *Manager) gcNodeSegment(ctx context.Context, sum *layout.SummaryBlock, segno layout.Segno, gcType Mode) int {
	startAddr := m.geo.StartBlock(segno)

	for pass := 0; pass < 2; pass++ {
		for off := uint32(0); off < m.geo.BlocksPerSeg; off++ {
			entry := sum.Entries[off]

			// stop BG_GC if free sections ran out under us
			if gcType == BG && m.fs.HasNotEnoughFreeSecs(0) {
				return 0
			}

			if !m.checkValidMap(segno, off) {
				continue
			}

			if pass == 0 {
				m.fs.ReadaheadNodePage(entry.Nid)
				continue
			}

			nodePage, err := m.fs.GetNodePage(ctx, entry.Nid)
			if err != nil {
				continue
			}

			// block may have become invalid while we read the page
			if !m.checkValidMap(segno, off) {
				putPage(nodePage, true)
				continue
			}

			ni, err := m.fs.NodeInfo(entry.Nid)
			if err != nil || ni.BlkAddr != startAddr+layout.BlockAddr(off) {
				putPage(nodePage, true)
				continue
			}

			if gcType == FG {
				nodePage.WaitWriteback()
				nodePage.SetDirty()
			} else if !nodePage.Writeback() {
				nodePage.SetDirty()
			}
			putPage(nodePage, true)

			m.met.NodeBlock(gcType.String())
		}
	}

	if gcType == FG {
		if err := m.fs.SyncNodePages(ctx); err != nil {
			logger.Warn("node sync failed during gc", logger.KeySegno, segno, logger.KeyError, err)
		}

		// return 1 only if FG_GC reclaimed the whole segment
		if m.fs.SIT().ValidBlocks(segno, 1) == 0 {
			return 1
		}
	}
	return 0
}
