package memfs

import (
	"context"
	"fmt"

	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
)

// dnodeForLocked resolves the node covering bidx in ino's tree.
// Caller holds fs.mu.
func (fs *FS) dnodeForLocked(i *inode, bidx uint64) (*nodeBlock, uint32, error) {
	var idx int
	var ofs uint32
	if bidx < layout.AddrsPerInode {
		idx = 0
		ofs = uint32(bidx)
	} else {
		idx = 1 + int((bidx-layout.AddrsPerInode)/layout.AddrsPerBlock)
		ofs = uint32((bidx - layout.AddrsPerInode) % layout.AddrsPerBlock)
	}
	if idx >= len(i.nids) {
		return nil, 0, fmt.Errorf("inode %d: no node covers block %d", i.ino, bidx)
	}
	node, ok := fs.nodes[i.nids[idx]]
	if !ok {
		return nil, 0, fmt.Errorf("inode %d: node %d missing", i.ino, i.nids[idx])
	}
	return node, ofs, nil
}

// GetDnode resolves the direct node covering bidx, with its page
// referenced.
func (fs *FS) GetDnode(ctx context.Context, in gc.Inode, bidx uint64) (*gc.Dnode, error) {
	i := in.(*inode)

	fs.mu.Lock()
	node, ofs, err := fs.dnodeForLocked(i, bidx)
	if err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	p, ok := fs.nodePages[node.nid]
	if !ok {
		p = newPage(uint64(node.nid), nil)
		p.node = node
		p.setUptodate(true)
		fs.nodePages[node.nid] = p
	}
	p.get()
	addr := layout.NullAddr
	if ofs < uint32(len(node.addrs)) {
		addr = node.addrs[ofs]
	}
	fs.mu.Unlock()

	return &gc.Dnode{
		Inode:       in,
		NodePage:    p,
		Nid:         node.nid,
		OfsInNode:   ofs,
		DataBlkAddr: addr,
	}, nil
}

// GetLockedDataPage reads the data page at bidx, returning it locked.
func (fs *FS) GetLockedDataPage(_ context.Context, in gc.Inode, bidx uint64) (gc.Page, error) {
	i := in.(*inode)
	key := dataKey{ino: i.ino, bidx: bidx}

	fs.mu.Lock()
	p, ok := fs.dataPages[key]
	if !ok {
		node, ofs, err := fs.dnodeForLocked(i, bidx)
		if err != nil {
			fs.mu.Unlock()
			return nil, err
		}
		addr := node.addrs[ofs]
		if addr == layout.NullAddr {
			fs.mu.Unlock()
			return nil, fmt.Errorf("inode %d: block %d is a hole", i.ino, bidx)
		}
		p = newPage(bidx, fs.pool)
		copy(p.data, fs.blocks[addr])
		p.setUptodate(true)
		fs.dataPages[key] = p
	}
	p.get()
	fs.mu.Unlock()

	p.Lock()
	return p, nil
}

// PeekDataPage probes the page cache for bidx without reading.
func (fs *FS) PeekDataPage(in gc.Inode, bidx uint64) (gc.Page, bool) {
	i := in.(*inode)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.dataPages[dataKey{ino: i.ino, bidx: bidx}]
	if !ok {
		return nil, false
	}
	return p.get(), true
}

// GrabCachePage returns the page at bidx locked, creating an empty
// frame when absent.
func (fs *FS) GrabCachePage(in gc.Inode, bidx uint64) (gc.Page, error) {
	i := in.(*inode)
	key := dataKey{ino: i.ino, bidx: bidx}

	fs.mu.Lock()
	p, ok := fs.dataPages[key]
	if !ok {
		p = newPage(bidx, fs.pool)
		fs.dataPages[key] = p
	}
	p.get()
	fs.mu.Unlock()

	p.Lock()
	return p, nil
}

// WriteDataPage pushes one data page through the normal write path: a
// new log position (cold when flagged), payload copied out, the old
// block retired, dnode and extent cache updated.
func (fs *FS) WriteDataPage(_ context.Context, in gc.Inode, pg gc.Page) error {
	i := in.(*inode)
	p := pg.(*page)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	node, ofs, err := fs.dnodeForLocked(i, p.index)
	if err != nil {
		return err
	}
	old := node.addrs[ofs]
	if old == layout.NullAddr {
		// truncated under us; nothing to write
		return nil
	}

	ni := fs.nat[node.nid]
	sum := layout.Summary{Nid: node.nid, Version: ni.Version, OfsInNode: uint16(ofs)}

	p.setWriteback(true)
	fs.writebackPages.Add(1)

	p.st.Lock()
	cs := cursegHotData
	if p.cold {
		cs = cursegColdData
	}
	p.st.Unlock()

	addr, err := fs.allocBlockLocked(cs, sum)
	if err == nil {
		buf := make([]byte, len(p.data))
		if p.Uptodate() {
			copy(buf, p.data)
		} else if payload, ok := fs.blocks[old]; ok {
			copy(buf, payload)
		}
		fs.blocks[addr] = buf
		fs.invalidateLocked(old)
		node.addrs[ofs] = addr
		fs.updateExtentLocked(i, p.index, addr)
	}

	fs.writebackPages.Add(-1)
	p.setWriteback(false)
	if err != nil {
		return err
	}
	p.setUptodate(true)
	return nil
}

// CanRemap reports device support for logical remaps.
func (fs *FS) CanRemap() bool { return fs.canRemap }

// RemapDataBlock assigns dn's block a new cold-log address and carries
// the payload over at the device level, leaving the page cache alone.
func (fs *FS) RemapDataBlock(_ context.Context, dn *gc.Dnode) error {
	i := dn.Inode.(*inode)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	node, ok := fs.nodes[dn.Nid]
	if !ok {
		return fmt.Errorf("node %d: not found", dn.Nid)
	}
	old := node.addrs[dn.OfsInNode]
	if old == layout.NullAddr {
		return nil
	}

	ni := fs.nat[dn.Nid]
	sum := layout.Summary{Nid: dn.Nid, Version: ni.Version, OfsInNode: uint16(dn.OfsInNode)}

	addr, err := fs.allocBlockLocked(cursegColdData, sum)
	if err != nil {
		return err
	}
	payload := fs.blocks[old]
	fs.invalidateLocked(old)
	fs.blocks[addr] = payload

	node.addrs[dn.OfsInNode] = addr
	dn.DataBlkAddr = addr
	fs.updateExtentLocked(i, gc.StartBidxOfNode(node.nodeOfs)+uint64(dn.OfsInNode), addr)
	return nil
}

// SetColdData steers the page's next allocation to the cold log.
func (fs *FS) SetColdData(p gc.Page) { p.(*page).setCold(true) }

// ClearColdData removes the cold hint.
func (fs *FS) ClearColdData(p gc.Page) { p.(*page).setCold(false) }

// SubmitMergedData flushes the pending merged data batch. Writes in
// this backend complete inline, so there is nothing left to push; the
// call exists to preserve the ordering contract that all relocation
// I/O is issued before a segment is treated as freed.
func (fs *FS) SubmitMergedData(context.Context) error { return nil }

// MetaPage returns the meta-inode frame for addr, locked.
func (fs *FS) MetaPage(addr layout.BlockAddr) (gc.Page, error) {
	fs.mu.Lock()
	p, ok := fs.metaPages[addr]
	if !ok {
		p = newPage(uint64(addr), fs.pool)
		fs.metaPages[addr] = p
	}
	p.get()
	fs.mu.Unlock()

	p.Lock()
	return p, nil
}

// SubmitPageRead fills p from the block at addr.
func (fs *FS) SubmitPageRead(_ context.Context, pg gc.Page, addr layout.BlockAddr) error {
	p := pg.(*page)
	fs.mu.Lock()
	payload, ok := fs.blocks[addr]
	fs.mu.Unlock()
	if !ok {
		return fmt.Errorf("block %d: not found", addr)
	}
	copy(p.data, payload)
	p.setUptodate(true)
	return nil
}

// SubmitPageWrite writes p to addr.
func (fs *FS) SubmitPageWrite(_ context.Context, pg gc.Page, addr layout.BlockAddr) error {
	p := pg.(*page)
	p.setWriteback(true)
	fs.writebackPages.Add(1)

	buf := make([]byte, len(p.data))
	copy(buf, p.data)

	fs.mu.Lock()
	fs.blocks[addr] = buf
	fs.mu.Unlock()

	fs.writebackPages.Add(-1)
	p.setWriteback(false)
	return nil
}

// SetDataBlockAddr persists dn.DataBlkAddr into the dnode.
func (fs *FS) SetDataBlockAddr(dn *gc.Dnode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if node, ok := fs.nodes[dn.Nid]; ok {
		node.addrs[dn.OfsInNode] = dn.DataBlkAddr
	}
}

// UpdateExtentCache refreshes the owning inode's extent slot.
func (fs *FS) UpdateExtentCache(dn *gc.Dnode) {
	i := dn.Inode.(*inode)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, ok := fs.nodes[dn.Nid]
	if !ok {
		return
	}
	fs.updateExtentLocked(i, gc.StartBidxOfNode(node.nodeOfs)+uint64(dn.OfsInNode), dn.DataBlkAddr)
}

func (fs *FS) updateExtentLocked(i *inode, bidx uint64, addr layout.BlockAddr) {
	i.extent.bidx = bidx
	i.extent.addr = addr
	i.extent.len = 1
}

// flushDirtyData rewrites every dirty data page through the write path;
// the checkpoint calls it so background-GC-dirtied pages reach the log.
func (fs *FS) flushDirtyData(ctx context.Context) error {
	fs.mu.Lock()
	type flushEnt struct {
		ino layout.Ino
		p   *page
	}
	var pending []flushEnt
	for key, p := range fs.dataPages {
		if p.Dirty() {
			pending = append(pending, flushEnt{ino: key.ino, p: p})
		}
	}
	fs.mu.Unlock()

	for _, ent := range pending {
		fs.mu.Lock()
		i, ok := fs.inodes[ent.ino]
		fs.mu.Unlock()
		if !ok {
			continue
		}
		if !ent.p.ClearDirtyForIO() {
			continue
		}
		if err := fs.WriteDataPage(ctx, i, ent.p); err != nil {
			return err
		}
	}
	return nil
}
