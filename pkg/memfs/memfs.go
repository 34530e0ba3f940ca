// Package memfs is an in-memory filesystem backend implementing every
// collaborator contract the GC core consumes: NAT, SIT and dirty-map
// bookkeeping, a page cache, log allocation, and checkpointing.
//
// It backs the CLI's image workflow (images load into a memfs, get
// collected, and persist back out) and gives the GC tests a complete
// filesystem to run against without a block device.
package memfs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/watersir/logfs/pkg/bufpool"
	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/layout"
)

// Log targets. User data appends to the hot data log, GC relocations go
// to the cold data log, and node blocks to the node log.
type cursegType int

const (
	cursegHotData cursegType = iota
	cursegColdData
	cursegNode
	nrCursegs
)

// curseg is one append head: the segment being filled and the next
// block offset within it.
type curseg struct {
	segno   layout.Segno
	nextBlk uint32
}

// segUsage tracks per-segment allocation state beyond what the SIT
// records.
type segUsage int

const (
	segFree segUsage = iota
	segInUse
	segPrefree
)

type dataKey struct {
	ino  layout.Ino
	bidx uint64
}

// Options configures a new filesystem instance.
type Options struct {
	// ReservedSecs is the free-section floor below which foreground
	// reclaim is required.
	ReservedSecs int

	// InvalidBlockThresh is the invalid-block count past which the
	// pacer speeds up background GC.
	InvalidBlockThresh uint32

	// CanRemap reports device support for logical remaps.
	CanRemap bool

	// DeviceID names the instance in logs.
	DeviceID string
}

// FS is one in-memory filesystem instance.
type FS struct {
	geo   layout.Geometry
	sit   *layout.SITInfo
	dirty *layout.DirtyInfo

	// mu guards all maps and allocation state below. It is
	// deliberately distinct from the sentry and seglist locks, which
	// only cover SIT and dirty-map reads, and is never held while
	// calling into the GC.
	mu sync.Mutex

	nat     map[layout.Nid]layout.NodeInfo
	nodes   map[layout.Nid]*nodeBlock
	nextNid layout.Nid

	summaries []*layout.SummaryBlock
	blocks    map[layout.BlockAddr][]byte

	nodePages map[layout.Nid]*page
	dataPages map[dataKey]*page
	metaPages map[layout.BlockAddr]*page

	inodes map[layout.Ino]*inode

	cursegs [nrCursegs]curseg

	// curSegnos mirrors the append-head segments for lock-free reads:
	// victim selection asks IsCurSec while holding the sentry and
	// seglist locks, and must not reach for fs.mu underneath them.
	curSegnos [nrCursegs]atomic.Uint32

	usage   []segUsage
	written []uint32 // blocks ever allocated per segment since last free

	clock uint64 // logical mtime source

	freeSegs      int
	prefreeSegs   int
	invalidBlocks uint32

	reservedSecs       int
	invalidBlockThresh uint32
	canRemap           bool
	deviceID           string

	// I/O load signals for the pacer
	writebackPages atomic.Int64
	queuedIO       atomic.Int64

	active  atomic.Bool
	frozen  atomic.Bool
	cpError atomic.Bool

	pool *bufpool.Pool

	// pins counts outstanding inode references, for leak checks.
	pins atomic.Int64

	balances atomic.Int64
}

func errNoSummary(segno layout.Segno) error {
	return fmt.Errorf("segment %d: no summary block", segno)
}

// New creates an empty filesystem with every segment free and the three
// append heads opened on the first free sections. A main area starting
// at block 0 is moved to start at block 1, since address 0 is NullAddr.
func New(geo layout.Geometry, opts Options) (*FS, error) {
	if geo.BlocksPerSeg == 0 || geo.SegsPerSec == 0 || geo.MainSegs == 0 {
		return nil, fmt.Errorf("invalid geometry %+v", geo)
	}
	if geo.MainBlkAddr == 0 {
		geo.MainBlkAddr = 1
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
		nat:                make(map[layout.Nid]layout.NodeInfo),
		nodes:              make(map[layout.Nid]*nodeBlock),
		nextNid:            1,
		summaries:          make([]*layout.SummaryBlock, geo.MainSegs),
		blocks:             make(map[layout.BlockAddr][]byte),
		nodePages:          make(map[layout.Nid]*page),
		dataPages:          make(map[dataKey]*page),
		metaPages:          make(map[layout.BlockAddr]*page),
		inodes:             make(map[layout.Ino]*inode),
		usage:              make([]segUsage, geo.MainSegs),
		written:            make([]uint32, geo.MainSegs),
		freeSegs:           int(geo.MainSegs),
		reservedSecs:       opts.ReservedSecs,
		invalidBlockThresh: opts.InvalidBlockThresh,
		canRemap:           opts.CanRemap,
		deviceID:           opts.DeviceID,
		pool:               bufpool.New(bufpool.DefaultBlockSize),
	}
	fs.active.Store(true)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for cs := cursegType(0); cs < nrCursegs; cs++ {
		if err := fs.openCursegLocked(cs); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// Geometry returns the main-area shape.
func (fs *FS) Geometry() layout.Geometry { return fs.geo }

// SIT returns the segment information table.
func (fs *FS) SIT() *layout.SITInfo { return fs.sit }

// Dirty returns the dirty-segment tracking state.
func (fs *FS) Dirty() *layout.DirtyInfo { return fs.dirty }

// DeviceID names the instance.
func (fs *FS) DeviceID() string { return fs.deviceID }

// PinnedInodes returns the number of outstanding inode references.
func (fs *FS) PinnedInodes() int { return int(fs.pins.Load()) }

var _ gc.Filesystem = (*FS)(nil)
