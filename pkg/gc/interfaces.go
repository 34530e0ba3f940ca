package gc

import (
	"context"

	"github.com/watersir/logfs/pkg/layout"
)

// The GC never mutates SIT or NAT state directly. It reads them through
// the interfaces below and produces new writes through the allocator and
// the normal write path, which update the tables as a side effect.

// Page is one cached block frame. Node, data, and meta pages all expose
// the same lock/dirty/writeback surface the relocators drive.
//
// Reference counting is explicit: every page obtained from a getter must
// be released with Put exactly once. Lock and Unlock bracket mutation;
// getters document whether they return the page locked.
type Page interface {
	// Index is the page's offset key in its owning address space
	// (block index for data pages, nid for node pages).
	Index() uint64

	// Data exposes the page payload.
	Data() []byte

	Lock()
	Unlock()

	// SetDirty marks the page dirty for writeback.
	SetDirty()

	// Dirty reports whether the page is dirty.
	Dirty() bool

	// ClearDirtyForIO clears the dirty bit ahead of a write submission
	// and reports whether it was set.
	ClearDirtyForIO() bool

	// Writeback reports whether a writeback is in flight.
	Writeback() bool

	// WaitWriteback blocks until any in-flight writeback completes.
	WaitWriteback()

	// Uptodate reports whether the payload reflects on-flash content.
	Uptodate() bool

	// Put drops the caller's reference.
	Put()
}

// putPage releases a page reference, unlocking first when the caller
// still holds the page lock.
func putPage(p Page, unlock bool) {
	if unlock {
		p.Unlock()
	}
	p.Put()
}

// Inode is a pinned in-core inode. Iget/Iput manage the pin.
type Inode interface {
	Ino() layout.Ino

	// Encrypted reports whether file content is stored encrypted.
	Encrypted() bool

	// Regular reports whether this is a regular file.
	Regular() bool
}

// NodeReader resolves node pages and NAT entries.
type NodeReader interface {
	// GetNodePage reads the current page of nid, returning it locked.
	GetNodePage(ctx context.Context, nid layout.Nid) (Page, error)

	// ReadaheadNodePage starts an asynchronous read of nid's page.
	ReadaheadNodePage(nid layout.Nid)

	// NodeInfo returns the NAT entry for nid.
	NodeInfo(nid layout.Nid) (layout.NodeInfo, error)

	// OfsOfNode returns the node offset recorded on a node page.
	OfsOfNode(p Page) uint32

	// DatablockAddr returns the data pointer at ofsInNode on a node page.
	DatablockAddr(p Page, ofsInNode uint32) layout.BlockAddr

	// SyncNodePages writes back all dirty node pages synchronously.
	SyncNodePages(ctx context.Context) error
}

// InodeStore pins and releases in-core inodes.
type InodeStore interface {
	Iget(ino layout.Ino) (Inode, error)
	Iput(Inode)
}

// Dnode addresses one data block through its direct node: the pinned
// inode, the node page holding the pointer, and the pointer itself.
type Dnode struct {
	Inode       Inode
	NodePage    Page
	Nid         layout.Nid
	OfsInNode   uint32
	DataBlkAddr layout.BlockAddr
}

// Put releases the dnode's node page reference.
func (dn *Dnode) Put() {
	if dn.NodePage != nil {
		dn.NodePage.Put()
		dn.NodePage = nil
	}
}

// DataIO is the data-path surface the relocator drives: page lookups,
// the normal write path, and the logical-remap shortcut.
type DataIO interface {
	// GetLockedDataPage reads the data page at bidx, returning it locked.
	GetLockedDataPage(ctx context.Context, ino Inode, bidx uint64) (Page, error)

	// PeekDataPage probes the page cache for bidx without reading.
	// The returned page is referenced but not locked.
	PeekDataPage(ino Inode, bidx uint64) (Page, bool)

	// GrabCachePage returns the page at bidx locked, creating an empty
	// frame if absent, without reading the payload.
	GrabCachePage(ino Inode, bidx uint64) (Page, error)

	// GetDnode resolves the direct node covering bidx.
	GetDnode(ctx context.Context, ino Inode, bidx uint64) (*Dnode, error)

	// WriteDataPage pushes a dirty data page through the normal write
	// path: a new log address is assigned and the I/O is merged into
	// the pending data batch.
	WriteDataPage(ctx context.Context, ino Inode, p Page) error

	// CanRemap reports whether the device and upper layer honor logical
	// remaps. When false the relocator collapses REMAP into MOVE.
	CanRemap() bool

	// RemapDataBlock assigns a new address to dn's block and updates the
	// dnode pointer and extent cache without re-reading the payload.
	RemapDataBlock(ctx context.Context, dn *Dnode) error

	// SetColdData steers subsequent allocation of the page's block to
	// the cold data log; ClearColdData removes the hint.
	SetColdData(p Page)
	ClearColdData(p Page)

	// SubmitMergedData flushes the pending merged data write batch.
	SubmitMergedData(ctx context.Context) error

	// MetaPage returns the meta-inode page frame for a block address,
	// locked. Used to stage ciphertext during encrypted relocation.
	MetaPage(addr layout.BlockAddr) (Page, error)

	// SubmitPageRead reads the block at addr into p.
	SubmitPageRead(ctx context.Context, p Page, addr layout.BlockAddr) error

	// SubmitPageWrite writes p to addr as part of the merged batch.
	SubmitPageWrite(ctx context.Context, p Page, addr layout.BlockAddr) error

	// SetDataBlockAddr persists dn.DataBlkAddr into the dnode page.
	SetDataBlockAddr(dn *Dnode)

	// UpdateExtentCache refreshes the extent cache for dn's block.
	UpdateExtentCache(dn *Dnode)
}

// Allocator assigns new log positions.
type Allocator interface {
	// AllocateDataBlock reserves the next cold-data log block for a
	// relocated block, retiring old and recording sum at the new
	// position. It returns the new address.
	AllocateDataBlock(old layout.BlockAddr, sum layout.Summary) layout.BlockAddr

	// IsCurSec reports whether secno holds any current append target.
	IsCurSec(secno layout.Secno) bool
}

// SumPage couples a decoded summary block with the page backing it.
type SumPage struct {
	Block *layout.SummaryBlock
	page  Page
}

// NewSumPage wraps a decoded summary block and its backing page. The
// page is expected locked, as returned by Summaries.GetSumPage.
func NewSumPage(b *layout.SummaryBlock, p Page) *SumPage {
	return &SumPage{Block: b, page: p}
}

// Unlock releases the page lock only.
func (sp *SumPage) Unlock() { sp.page.Unlock() }

// Put drops the page reference.
func (sp *SumPage) Put() { sp.page.Put() }

// Summaries reads per-segment summary blocks.
type Summaries interface {
	// GetSumPage returns the summary of segno with its page locked.
	GetSumPage(ctx context.Context, segno layout.Segno) (*SumPage, error)

	// ReadaheadSSA starts asynchronous reads of count summary blocks
	// beginning at segno.
	ReadaheadSSA(segno layout.Segno, count uint32)
}

// Checkpointer drives durable consistency points.
type Checkpointer interface {
	// WriteCheckpoint persists a checkpoint, making prefree segments
	// reusable.
	WriteCheckpoint(ctx context.Context) error

	// CPError reports whether the checkpoint subsystem hit an
	// unrecoverable error.
	CPError() bool
}

// SpaceInfo exposes the free-space and load signals the pacer and
// orchestrator consult.
type SpaceInfo interface {
	// HasNotEnoughFreeSecs reports free-section pressure, crediting
	// extra sections the caller expects to free.
	HasNotEnoughFreeSecs(extra int) bool

	// HasEnoughInvalidBlocks reports whether reclaimable garbage has
	// accumulated past the background threshold.
	HasEnoughInvalidBlocks() bool

	// PrefreeSegments counts segments waiting on a checkpoint for reuse.
	PrefreeSegments() int

	// FreeSegments counts immediately reusable segments.
	FreeSegments() int

	// IsIdle reports whether the I/O subsystem is quiescent (no
	// writeback pages, empty device queue).
	IsIdle() bool

	// Active reports whether the filesystem accepts new writes.
	Active() bool

	// Frozen reports whether the superblock is frozen at or above the
	// write-freeze level.
	Frozen() bool

	// BalanceBG runs background metadata balancing.
	BalanceBG()

	// DeviceID names the backing device for worker identification.
	DeviceID() string
}

// Filesystem is everything the GC consumes from its host.
type Filesystem interface {
	Geometry() layout.Geometry
	SIT() *layout.SITInfo
	Dirty() *layout.DirtyInfo

	NodeReader
	InodeStore
	DataIO
	Allocator
	Summaries
	Checkpointer
	SpaceInfo
}
