package memfs

import (
	"sync"

	"github.com/watersir/logfs/pkg/bufpool"
	"github.com/watersir/logfs/pkg/layout"
)

// page is one cached block frame. The page lock (mu) serializes
// content access the way a kernel page lock would; the state fields are
// guarded separately so flag reads never contend with a held page lock.
type page struct {
	mu sync.Mutex // page lock

	st        sync.Mutex
	wbDone    *sync.Cond
	dirty     bool
	writeback bool
	uptodate  bool
	cold      bool

	refs  int64
	index uint64
	data  []byte
	node  *nodeBlock
}

func newPage(index uint64, pool *bufpool.Pool) *page {
	p := &page{index: index, refs: 1}
	p.wbDone = sync.NewCond(&p.st)
	if pool != nil {
		p.data = pool.GetZeroed()
	}
	return p
}

func (p *page) Index() uint64 { return p.index }
func (p *page) Data() []byte  { return p.data }

func (p *page) Lock()   { p.mu.Lock() }
func (p *page) Unlock() { p.mu.Unlock() }

func (p *page) SetDirty() {
	p.st.Lock()
	p.dirty = true
	p.uptodate = true
	p.st.Unlock()
}

func (p *page) Dirty() bool {
	p.st.Lock()
	defer p.st.Unlock()
	return p.dirty
}

func (p *page) ClearDirtyForIO() bool {
	p.st.Lock()
	defer p.st.Unlock()
	was := p.dirty
	p.dirty = false
	return was
}

func (p *page) Writeback() bool {
	p.st.Lock()
	defer p.st.Unlock()
	return p.writeback
}

func (p *page) setWriteback(on bool) {
	p.st.Lock()
	p.writeback = on
	if !on {
		p.wbDone.Broadcast()
	}
	p.st.Unlock()
}

func (p *page) WaitWriteback() {
	p.st.Lock()
	for p.writeback {
		p.wbDone.Wait()
	}
	p.st.Unlock()
}

func (p *page) Uptodate() bool {
	p.st.Lock()
	defer p.st.Unlock()
	return p.uptodate
}

func (p *page) setUptodate(on bool) {
	p.st.Lock()
	p.uptodate = on
	p.st.Unlock()
}

func (p *page) setCold(on bool) {
	p.st.Lock()
	p.cold = on
	p.st.Unlock()
}

func (p *page) get() *page {
	p.st.Lock()
	p.refs++
	p.st.Unlock()
	return p
}

// Put drops one reference. Frames stay in the owning cache map, so the
// count never reaches zero while the filesystem is live; the check
// guards against double puts in relocation paths.
func (p *page) Put() {
	p.st.Lock()
	if p.refs > 0 {
		p.refs--
	}
	p.st.Unlock()
}

// nodeBlock is the in-core image of one node: the inode it belongs to,
// its offset in the inode's node tree, and its data pointers. The inode
// block itself is node offset zero.
type nodeBlock struct {
	nid     layout.Nid
	ino     layout.Ino
	nodeOfs uint32
	addrs   []layout.BlockAddr
}

// addrSpan returns the number of data pointers a node at this offset
// carries.
func (n *nodeBlock) addrSpan() uint32 {
	if n.nodeOfs == 0 {
		return layout.AddrsPerInode
	}
	return layout.AddrsPerBlock
}
