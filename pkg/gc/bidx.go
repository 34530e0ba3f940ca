package gc

import "github.com/watersir/logfs/pkg/layout"

// StartBidxOfNode maps a direct-node offset within an inode's node tree
// to the first data block index that node covers.
//
// The caller must pass only offsets of the inode block or direct node
// blocks. Offsets of indirect or double-indirect nodes are a caller bug;
// they hold child nids, not data pointers.
func StartBidxOfNode(nodeOfs uint32) uint64 {
	const indirectBlks = 2*layout.NidsPerBlock + 4

	if nodeOfs == 0 {
		return 0
	}

	var bidx uint64
	switch {
	case nodeOfs <= 2:
		bidx = uint64(nodeOfs - 1)
	case nodeOfs <= indirectBlks:
		dec := (nodeOfs - 4) / (layout.NidsPerBlock + 1)
		bidx = uint64(nodeOfs - 2 - dec)
	default:
		dec := (nodeOfs - indirectBlks - 3) / (layout.NidsPerBlock + 1)
		bidx = uint64(nodeOfs - 5 - dec)
	}
	return bidx*layout.AddrsPerBlock + layout.AddrsPerInode
}
