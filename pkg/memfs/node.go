package memfs

import (
	"context"
	"fmt"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
)

// GetNodePage reads the current page of nid, returning it locked.
func (fs *FS) GetNodePage(_ context.Context, nid layout.Nid) (gc.Page, error) {
	fs.mu.Lock()
	p, ok := fs.nodePages[nid]
	if !ok {
		node, exists := fs.nodes[nid]
		if !exists {
			fs.mu.Unlock()
			return nil, fmt.Errorf("node %d: not found", nid)
		}
		p = newPage(uint64(nid), nil)
		p.node = node
		p.setUptodate(true)
		fs.nodePages[nid] = p
	}
	p.get()
	fs.mu.Unlock()

	p.Lock()
	return p, nil
}

// ReadaheadNodePage starts an asynchronous read of nid's page. The
// in-memory backend completes it inline; the point is populating the
// page cache ahead of the blocking getter.
func (fs *FS) ReadaheadNodePage(nid layout.Nid) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.nodePages[nid]; ok {
		return
	}
	node, exists := fs.nodes[nid]
	if !exists {
		return
	}
	p := newPage(uint64(nid), nil)
	p.node = node
	p.setUptodate(true)
	fs.nodePages[nid] = p
}

// NodeInfo returns the NAT entry for nid.
func (fs *FS) NodeInfo(nid layout.Nid) (layout.NodeInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ni, ok := fs.nat[nid]
	if !ok {
		return layout.NodeInfo{}, fmt.Errorf("nat entry %d: not found", nid)
	}
	return ni, nil
}

// OfsOfNode returns the node offset recorded on a node page.
func (fs *FS) OfsOfNode(p gc.Page) uint32 {
	return p.(*page).node.nodeOfs
}

// DatablockAddr returns the data pointer at ofsInNode on a node page.
func (fs *FS) DatablockAddr(p gc.Page, ofsInNode uint32) layout.BlockAddr {
	n := p.(*page).node
	if ofsInNode >= uint32(len(n.addrs)) {
		return layout.NullAddr
	}
	return n.addrs[ofsInNode]
}

// SyncNodePages rewrites every dirty node page at a new position in the
// node log, updating the NAT as the write path would.
func (fs *FS) SyncNodePages(_ context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for nid, p := range fs.nodePages {
		if !p.ClearDirtyForIO() {
			continue
		}
		p.setWriteback(true)
		fs.writebackPages.Add(1)
		if err := fs.writeNodeLocked(nid); err != nil {
			fs.writebackPages.Add(-1)
			p.setWriteback(false)
			return err
		}
		fs.writebackPages.Add(-1)
		p.setWriteback(false)
	}
	return nil
}

// writeNodeLocked relocates nid's block to the node log head and points
// the NAT at it. Caller holds fs.mu.
func (fs *FS) writeNodeLocked(nid layout.Nid) error {
	ni, ok := fs.nat[nid]
	if !ok {
		return fmt.Errorf("nat entry %d: not found", nid)
	}
	sum := layout.Summary{Nid: nid, Version: ni.Version}
	addr, err := fs.allocBlockLocked(cursegNode, sum)
	if err != nil {
		return err
	}
	if ni.BlkAddr != layout.NullAddr {
		fs.invalidateLocked(ni.BlkAddr)
	}
	ni.BlkAddr = addr
	fs.nat[nid] = ni
	return nil
}

// ============================================================================
// Inodes
// ============================================================================

// inode is the in-core inode. Pins are counted; Iput only drops a pin
// and never removes the inode from the table.
type inode struct {
	ino       layout.Ino
	encrypted bool
	regular   bool
	refs      int64

	// node tree: nids[0] is the inode block, nids[1..] direct nodes
	// in node-offset order.
	nids []layout.Nid

	// extent is a one-slot extent cache.
	extent struct {
		bidx uint64
		addr layout.BlockAddr
		len  uint32
	}
}

func (i *inode) Ino() layout.Ino { return i.ino }
func (i *inode) Encrypted() bool { return i.encrypted }
func (i *inode) Regular() bool   { return i.regular }

// Iget pins the in-core inode for ino.
func (fs *FS) Iget(ino layout.Ino) (gc.Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i, ok := fs.inodes[ino]
	if !ok {
		return nil, fmt.Errorf("inode %d: not found", ino)
	}
	i.refs++
	fs.pins.Add(1)
	return i, nil
}

// Iput releases one pin.
func (fs *FS) Iput(in gc.Inode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i := in.(*inode)
	if i.refs > 0 {
		i.refs--
		fs.pins.Add(-1)
	}
}
