package gc

import (
	"testing"

	"github.com/watersir/logfs/pkg/layout"
)

type stubInode struct {
	ino layout.Ino
}

func (s *stubInode) Ino() layout.Ino { return s.ino }
func (s *stubInode) Encrypted() bool { return false }
func (s *stubInode) Regular() bool   { return true }

// stubStore counts pins per inode so the tests can watch references.
type stubStore struct {
	held map[layout.Ino]int
	puts []layout.Ino
}

func newStubStore() *stubStore {
	return &stubStore{held: make(map[layout.Ino]int)}
}

func (s *stubStore) Iget(ino layout.Ino) (Inode, error) {
	s.held[ino]++
	return &stubInode{ino: ino}, nil
}

func (s *stubStore) Iput(in Inode) {
	s.held[in.Ino()]--
	s.puts = append(s.puts, in.Ino())
}

func TestGCInodeList_NoDoublePin(t *testing.T) {
	store := newStubStore()
	list := newGCInodeList()

	first, _ := store.Iget(7)
	second, _ := store.Iget(7)

	list.add(store, first)
	list.add(store, second) // duplicate must be released immediately

	if store.held[7] != 1 {
		t.Errorf("ino 7 held %d references, want 1", store.held[7])
	}
	if got := list.find(7); got != first {
		t.Errorf("find returned %v, want the first pinned inode", got)
	}

	list.put(store)
	if store.held[7] != 0 {
		t.Errorf("ino 7 still holds %d references after put", store.held[7])
	}
}

func TestGCInodeList_ReleaseOrderAndCompleteness(t *testing.T) {
	store := newStubStore()
	list := newGCInodeList()

	order := []layout.Ino{5, 3, 9, 1}
	for _, ino := range order {
		in, _ := store.Iget(ino)
		list.add(store, in)
	}
	store.puts = nil

	list.put(store)

	if len(store.puts) != len(order) {
		t.Fatalf("released %d inodes, want %d", len(store.puts), len(order))
	}
	for i, ino := range order {
		if store.puts[i] != ino {
			t.Errorf("release %d was ino %d, want %d (insertion order)", i, store.puts[i], ino)
		}
	}
	if len(list.byIno) != 0 || len(list.order) != 0 {
		t.Error("list not empty after put")
	}

	// a released list is reusable within the same call
	in, _ := store.Iget(5)
	list.add(store, in)
	if store.held[5] != 1 {
		t.Errorf("re-add after put holds %d references, want 1", store.held[5])
	}
	list.put(store)
}
