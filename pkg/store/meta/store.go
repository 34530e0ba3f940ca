// Package meta persists filesystem images in BadgerDB. Tables, node
// blocks, and payloads are stored under typed key prefixes so an image
// can be loaded, collected, and written back; each save rewrites the
// whole image.
package meta

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/watersir/logfs/pkg/layout"
)

// Store is a Badger-backed image store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the image database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open image db at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func keyState() []byte                      { return []byte("state") }
func keyNAT(nid layout.Nid) []byte          { return fmt.Appendf(nil, "nat/%d", nid) }
func keyNode(nid layout.Nid) []byte         { return fmt.Appendf(nil, "node/%d", nid) }
func keyInode(ino layout.Ino) []byte        { return fmt.Appendf(nil, "inode/%d", ino) }
func keySeg(segno layout.Segno) []byte      { return fmt.Appendf(nil, "seg/%d", segno) }
func keyBlock(addr layout.BlockAddr) []byte { return fmt.Appendf(nil, "blk/%d", addr) }

// imageState is the single-key portion of an image.
type imageState struct {
	Geometry      layout.Geometry
	Cursegs       [3]CursegRec
	Clock         uint64
	InvalidBlocks uint32
	NATNids       []layout.Nid
	NodeNids      []layout.Nid
	InodeNos      []layout.Ino
	BlockAddrs    []layout.BlockAddr
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// SaveImage writes a complete image, replacing whatever the database
// held before.
func (s *Store) SaveImage(img *Image) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear image db: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	set := func(key []byte, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		return wb.Set(key, raw)
	}

	st := imageState{
		Geometry:      img.Geometry,
		Cursegs:       img.Cursegs,
		Clock:         img.Clock,
		InvalidBlocks: img.InvalidBlocks,
	}
	for nid := range img.NAT {
		st.NATNids = append(st.NATNids, nid)
	}
	for _, n := range img.Nodes {
		st.NodeNids = append(st.NodeNids, n.Nid)
	}
	for _, i := range img.Inodes {
		st.InodeNos = append(st.InodeNos, i.Ino)
	}
	for addr := range img.Blocks {
		st.BlockAddrs = append(st.BlockAddrs, addr)
	}
	if err := set(keyState(), st); err != nil {
		return err
	}

	for nid, ni := range img.NAT {
		if err := set(keyNAT(nid), ni); err != nil {
			return err
		}
	}
	for _, n := range img.Nodes {
		if err := set(keyNode(n.Nid), n); err != nil {
			return err
		}
	}
	for _, i := range img.Inodes {
		if err := set(keyInode(i.Ino), i); err != nil {
			return err
		}
	}
	for _, seg := range img.Segments {
		if err := set(keySeg(seg.Segno), seg); err != nil {
			return err
		}
	}
	for addr, payload := range img.Blocks {
		if err := wb.Set(keyBlock(addr), payload); err != nil {
			return err
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush image: %w", err)
	}
	return nil
}

// LoadImage reads the complete image back.
func (s *Store) LoadImage() (*Image, error) {
	img := &Image{
		NAT:    make(map[layout.Nid]layout.NodeInfo),
		Blocks: make(map[layout.BlockAddr][]byte),
	}

	err := s.db.View(func(txn *badger.Txn) error {
		var st imageState
		if err := getJSON(txn, keyState(), &st); err != nil {
			return err
		}
		img.Geometry = st.Geometry
		img.Cursegs = st.Cursegs
		img.Clock = st.Clock
		img.InvalidBlocks = st.InvalidBlocks

		for _, nid := range st.NATNids {
			var ni layout.NodeInfo
			if err := getJSON(txn, keyNAT(nid), &ni); err != nil {
				return err
			}
			img.NAT[nid] = ni
		}
		for _, nid := range st.NodeNids {
			var n NodeRec
			if err := getJSON(txn, keyNode(nid), &n); err != nil {
				return err
			}
			img.Nodes = append(img.Nodes, n)
		}
		for _, ino := range st.InodeNos {
			var i InodeRec
			if err := getJSON(txn, keyInode(ino), &i); err != nil {
				return err
			}
			img.Inodes = append(img.Inodes, i)
		}

		for segno := layout.Segno(0); uint32(segno) < st.Geometry.MainSegs; segno++ {
			var seg SegRec
			if err := getJSON(txn, keySeg(segno), &seg); err != nil {
				return err
			}
			img.Segments = append(img.Segments, seg)
		}

		for _, addr := range st.BlockAddrs {
			item, err := txn.Get(keyBlock(addr))
			if err != nil {
				return fmt.Errorf("failed to get block %d: %w", addr, err)
			}
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			img.Blocks[addr] = payload
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return img, nil
}
