// B+-tree node and meta page codec.
//
// Every node serialises to one 4096-byte page. Leaves hold fixed-width
// (key, payload) pairs plus previous/next page ids forming the leaf
// chain; internal nodes hold keys and child page ids. The payload width
// is the packed record size in the clustered tree and a 4-byte bucket
// reference in the unclustered tree, so one codec serves both.
//
// Page 0 is the meta page: a JSON block recording the root page id,
// the next unallocated page id and the free-page stack, space padded
// to a full page.
package quarto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	json "github.com/goccy/go-json"
)

// nilPage marks an absent page reference.
const nilPage = int32(-1)

// treeNodeHeader is the serialized node header size: flags byte, entry
// count, previous and next leaf page ids.
const treeNodeHeader = 1 + 2 + 4 + 4

// treeNode is one B+-tree node in memory. Leaves carry vals (one
// payload per key); internal nodes carry children (len(keys)+1).
type treeNode struct {
	leaf     bool
	keys     []any
	vals     [][]byte
	children []int32
	prev     int32
	next     int32
}

// nodeCodec fixes the byte layout of a tree's nodes: the key field's
// width and the leaf payload width.
type nodeCodec struct {
	key     Field
	valSize int
}

// encode serialises a node. The caller guarantees the entry count fits
// the page.
func (c nodeCodec) encode(n *treeNode) ([]byte, error) {
	buf := make([]byte, treeNodeHeader, treePageSize)
	if n.leaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[3:], uint32(n.prev))
	binary.LittleEndian.PutUint32(buf[7:], uint32(n.next))

	for _, k := range n.keys {
		buf = append(buf, packKey(c.key, k)...)
	}
	if n.leaf {
		for _, v := range n.vals {
			if len(v) != c.valSize {
				return nil, fmt.Errorf("tree node: payload width %d, want %d", len(v), c.valSize)
			}
			buf = append(buf, v...)
		}
	} else {
		var cb [4]byte
		for _, ch := range n.children {
			binary.LittleEndian.PutUint32(cb[:], uint32(ch))
			buf = append(buf, cb[:]...)
		}
	}
	if len(buf) > treePageSize {
		return nil, fmt.Errorf("tree node: %d bytes exceed page size", len(buf))
	}
	return buf, nil
}

// decode deserialises a node page. A zeroed page decodes to nil.
func (c nodeCodec) decode(buf []byte) (*treeNode, error) {
	count := int(binary.LittleEndian.Uint16(buf[1:]))
	if buf[0] == 0 && count == 0 {
		empty := true
		for _, b := range buf {
			if b != 0 {
				empty = false
				break
			}
		}
		if empty {
			return nil, nil
		}
	}
	n := &treeNode{
		leaf: buf[0] == 1,
		prev: int32(binary.LittleEndian.Uint32(buf[3:])),
		next: int32(binary.LittleEndian.Uint32(buf[7:])),
	}
	kw := c.key.width()
	off := treeNodeHeader
	n.keys = make([]any, count)
	for i := 0; i < count; i++ {
		n.keys[i] = unpackKey(c.key, buf[off:off+kw])
		off += kw
	}
	if n.leaf {
		n.vals = make([][]byte, count)
		for i := 0; i < count; i++ {
			v := make([]byte, c.valSize)
			copy(v, buf[off:off+c.valSize])
			n.vals[i] = v
			off += c.valSize
		}
	} else {
		n.children = make([]int32, count+1)
		for i := 0; i <= count; i++ {
			n.children[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
	}
	return n, nil
}

// treeMeta is the persistent state of one tree file, stored as padded
// JSON in page 0.
type treeMeta struct {
	Root int32   `json:"root"`
	Next int32   `json:"next"`
	Free []int32 `json:"free"`
}

// encodeMeta serialises the meta block, space padded to one page.
func encodeMeta(m treeMeta) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) >= treePageSize {
		return nil, fmt.Errorf("%w: meta block too large", ErrCorruptMeta)
	}
	page := make([]byte, treePageSize)
	copy(page, data)
	for i := len(data); i < treePageSize; i++ {
		page[i] = ' '
	}
	return page, nil
}

// decodeMeta parses a meta page.
func decodeMeta(buf []byte) (treeMeta, error) {
	var m treeMeta
	if err := json.Unmarshal(bytes.TrimSpace(buf), &m); err != nil {
		return treeMeta{}, fmt.Errorf("%w: %v", ErrCorruptMeta, err)
	}
	return m, nil
}
