package gc

import (
	"context"

	"github.com/watersir/logfs/pkg/layout"
)

// Hooks for the external test package. Tests drive the relocators and
// the pacer arithmetic directly; everything else goes through the
// exported API.

// RelocateForTest reclaims one segment with a throwaway inode list.
func (m *Manager) RelocateForTest(ctx context.Context, segno layout.Segno, gcType Mode) int {
	list := newGCInodeList()
	defer list.put(m.fs)
	return m.doGarbageCollect(ctx, segno, list, gcType)
}

// IsAliveForTest exposes the liveness oracle.
func (m *Manager) IsAliveForTest(ctx context.Context, sum layout.Summary, addr layout.BlockAddr) (bool, layout.NodeInfo, uint32) {
	return m.isAlive(ctx, sum, addr)
}

// VictimForTest runs one LFS victim selection under the sentry lock.
func (m *Manager) VictimForTest(gcType Mode) (layout.Segno, bool) {
	return m.getVictim(gcType)
}

// LastVictimForTest reads the recorded scan position for a cost model:
// 0 greedy, 1 cost-benefit.
func (m *Manager) LastVictimForTest(model int) layout.Segno {
	return m.lastVictim[costModel(model)]
}

// CBCostForTest prices one section under cost-benefit.
func (m *Manager) CBCostForTest(segno layout.Segno) uint32 {
	m.fs.SIT().Lock()
	defer m.fs.SIT().Unlock()
	return m.cbCost(segno)
}
