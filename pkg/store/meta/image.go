package meta

import "github.com/watersir/logfs/pkg/layout"

// Image is the serializable form of one filesystem instance: geometry,
// tables, node tree, and payloads. Backends export to and import from
// this shape; the store persists it.
type Image struct {
	Geometry layout.Geometry

	NAT map[layout.Nid]layout.NodeInfo

	Nodes  []NodeRec
	Inodes []InodeRec

	Segments []SegRec

	Blocks map[layout.BlockAddr][]byte

	Cursegs [3]CursegRec

	Clock         uint64
	InvalidBlocks uint32
}

// NodeRec is one node block: identity plus data pointers.
type NodeRec struct {
	Nid     layout.Nid
	Ino     layout.Ino
	NodeOfs uint32
	Addrs   []layout.BlockAddr
}

// InodeRec is one inode with its node tree.
type InodeRec struct {
	Ino       layout.Ino
	Encrypted bool
	Regular   bool
	Nids      []layout.Nid
}

// SegRec is one segment's accounting: SIT entry, usage class, and
// summary entries.
type SegRec struct {
	Segno           layout.Segno
	ValidBlocks     uint32
	CkptValidBlocks uint32
	Mtime           uint64
	ValidMap        []byte
	IsNode          bool

	// Usage: 0 free, 1 in use, 2 prefree.
	Usage   int
	Written uint32

	// Summary is nil for free segments.
	Summary *SumRec
}

// SumRec is a summary block.
type SumRec struct {
	Footer  layout.SumType
	Entries []layout.Summary
}

// CursegRec is one append head.
type CursegRec struct {
	Segno   layout.Segno
	NextBlk uint32
}
