package gc

import "github.com/watersir/logfs/pkg/layout"

// gcInodeList pins each inode touched during one GC call exactly once.
// The map gives O(1) insert-uniqueness; the slice preserves insertion
// order so release at the end of the call is deterministic.
type gcInodeList struct {
	byIno map[layout.Ino]Inode
	order []layout.Ino
}

func newGCInodeList() *gcInodeList {
	return &gcInodeList{byIno: make(map[layout.Ino]Inode)}
}

// find returns the pinned inode for ino, or nil.
func (l *gcInodeList) find(ino layout.Ino) Inode {
	return l.byIno[ino]
}

// add pins inode in the list. A second add of the same ino releases the
// duplicate reference immediately.
func (l *gcInodeList) add(store InodeStore, inode Inode) {
	if _, ok := l.byIno[inode.Ino()]; ok {
		store.Iput(inode)
		return
	}
	l.byIno[inode.Ino()] = inode
	l.order = append(l.order, inode.Ino())
}

// put releases every pinned inode in insertion order and empties the list.
func (l *gcInodeList) put(store InodeStore) {
	for _, ino := range l.order {
		store.Iput(l.byIno[ino])
		delete(l.byIno, ino)
	}
	l.order = l.order[:0]
}
