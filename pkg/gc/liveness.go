package gc

import (
	"context"

	"github.com/watersir/logfs/pkg/layout"
)

// checkValidMap reads the SIT valid bitmap for (segno, off) under the
// sentry lock. It is a cheap pre-filter; the relocators re-run it after
// acquiring a page because the bit can flip in between.
func (m *Manager) checkValidMap(segno layout.Segno, off uint32) bool {
	sit := m.fs.SIT()
	sit.Lock()
	ok := sit.SegEntry(segno).ValidMap.Test(off)
	sit.Unlock()
	return ok
}

// isAlive resolves a summary entry through the NAT and the node page to
// decide whether the block at blkaddr is still referenced.
//
// A version mismatch between summary and NAT means the summary is stale;
// a pointer mismatch means the dnode was rewritten elsewhere. Neither is
// an error: the block is simply no longer this segment's to move.
// On success it also reports the node offset recorded on the node page,
// which the data path needs to compute the block index.
func (m *Manager) isAlive(ctx context.Context, sum layout.Summary, blkaddr layout.BlockAddr) (bool, layout.NodeInfo, uint32) {
	var dni layout.NodeInfo

	nodePage, err := m.fs.GetNodePage(ctx, sum.Nid)
	if err != nil {
		return false, dni, 0
	}

	dni, err = m.fs.NodeInfo(sum.Nid)
	if err != nil {
		putPage(nodePage, true)
		return false, dni, 0
	}

	if sum.Version != dni.Version {
		putPage(nodePage, true)
		return false, dni, 0
	}

	nofs := m.fs.OfsOfNode(nodePage)
	source := m.fs.DatablockAddr(nodePage, uint32(sum.OfsInNode))
	putPage(nodePage, true)

	if source != blkaddr {
		return false, dni, 0
	}
	return true, dni, nofs
}
