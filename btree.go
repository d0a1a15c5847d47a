// Disk-paged B+-tree.
//
// Order m: internal nodes hold up to m-1 keys and m children, leaves
// hold up to m-1 (key, payload) pairs and chain through prev/next page
// ids. Descent records the path of (page id, child slot) crumbs, so
// splits and merges walk back up without parent pointers in the page
// format. Routing uses the rightmost insertion point on internal keys;
// leaves use the leftmost.
//
// bTree is the shared mechanics; bTreeIndex is the clustered primary
// built on it, with full records as leaf payloads.
package quarto

import (
	"fmt"
	"os"
	"path/filepath"
)

// bTree is the payload-agnostic tree core. All page I/O is counted on
// the owning index's tracker through the shared pageFile.
type bTree struct {
	codec   nodeCodec
	pf      *pageFile
	maxKeys int
	minKeys int
	meta    treeMeta
}

// treeEntry is one (key, payload) pair produced by scans.
type treeEntry struct {
	key any
	val []byte
}

// crumb records one step of a descent: the page visited and the child
// slot taken out of it.
type crumb struct {
	id   int32
	node *treeNode
	idx  int
}

// openTree opens or creates a tree file. Order 0 picks the largest
// order whose nodes fit a page.
func openTree(path string, key Field, valSize, order int, track *tracker) (*bTree, error) {
	fitLeaf := (treePageSize - treeNodeHeader) / (key.width() + valSize)
	fitInternal := (treePageSize - treeNodeHeader - 4) / (key.width() + 4)
	fit := fitLeaf
	if fitInternal < fit {
		fit = fitInternal
	}
	if order == 0 {
		order = fit + 1
	}
	if order < 3 || order-1 > fit {
		return nil, schemaErrf("btree order %d does not fit a %d-byte page (max %d)", order, treePageSize, fit+1)
	}

	pf, err := openPageFile(path, treePageSize, 0, track)
	if err != nil {
		return nil, err
	}
	t := &bTree{
		codec:   nodeCodec{key: key, valSize: valSize},
		pf:      pf,
		maxKeys: order - 1,
		minKeys: (order+1)/2 - 1,
	}

	pages, err := pf.pages()
	if err != nil {
		pf.Close()
		return nil, err
	}
	if pages == 0 {
		// Fresh file: empty leaf root at page 1, meta at page 0.
		t.meta = treeMeta{Root: 1, Next: 2}
		if err := t.store(1, &treeNode{leaf: true, prev: nilPage, next: nilPage}); err != nil {
			pf.Close()
			return nil, err
		}
		if err := t.flushMeta(); err != nil {
			pf.Close()
			return nil, err
		}
		return t, nil
	}

	buf, err := pf.readPage(0)
	if err != nil {
		pf.Close()
		return nil, err
	}
	if t.meta, err = decodeMeta(buf); err != nil {
		pf.Close()
		return nil, err
	}
	return t, nil
}

// flushMeta persists the meta page.
func (t *bTree) flushMeta() error {
	page, err := encodeMeta(t.meta)
	if err != nil {
		return err
	}
	return t.pf.writePage(0, page)
}

// load reads and decodes a node page.
func (t *bTree) load(id int32) (*treeNode, error) {
	buf, err := t.pf.readPage(int(id))
	if err != nil {
		return nil, err
	}
	n, err := t.codec.decode(buf)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("btree: page %d is empty", id)
	}
	return n, nil
}

// store encodes and writes a node page.
func (t *bTree) store(id int32, n *treeNode) error {
	buf, err := t.codec.encode(n)
	if err != nil {
		return err
	}
	return t.pf.writePage(int(id), buf)
}

// alloc returns a page id, recycling the free stack first.
func (t *bTree) alloc() (int32, error) {
	if n := len(t.meta.Free); n > 0 {
		id := t.meta.Free[n-1]
		t.meta.Free = t.meta.Free[:n-1]
		return id, t.flushMeta()
	}
	id := t.meta.Next
	t.meta.Next++
	return id, t.flushMeta()
}

// freePage zeroes a page and pushes it onto the free stack.
func (t *bTree) freePage(id int32) error {
	if err := t.pf.zeroPage(int(id)); err != nil {
		return err
	}
	t.meta.Free = append(t.meta.Free, id)
	return t.flushMeta()
}

// bisectLeft returns the first index whose key is >= k.
func bisectLeft(keys []any, k any) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(keys[mid], k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// bisectRight returns the first index whose key is > k.
func bisectRight(keys []any, k any) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareKeys(keys[mid], k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// descend walks from the root to the leaf responsible for key,
// returning the path of crumbs; the last crumb is the leaf itself
// (idx unset).
func (t *bTree) descend(key any) ([]crumb, error) {
	id := t.meta.Root
	var path []crumb
	for {
		n, err := t.load(id)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			return append(path, crumb{id: id, node: n}), nil
		}
		idx := bisectRight(n.keys, key)
		path = append(path, crumb{id: id, node: n, idx: idx})
		id = n.children[idx]
	}
}

// insert places (key, val) in the tree. Returns false, unchanged tree,
// when the key already exists.
func (t *bTree) insert(key any, val []byte) (bool, error) {
	path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	leafCrumb := path[len(path)-1]
	leaf, leafID := leafCrumb.node, leafCrumb.id

	pos := bisectLeft(leaf.keys, key)
	if pos < len(leaf.keys) && compareKeys(leaf.keys[pos], key) == 0 {
		return false, nil
	}
	leaf.keys = insertAt(leaf.keys, pos, key)
	leaf.vals = insertAt(leaf.vals, pos, val)

	if len(leaf.keys) <= t.maxKeys {
		return true, t.store(leafID, leaf)
	}

	// Split the leaf at the median and promote the first key of the
	// new right leaf.
	mid := len(leaf.keys) / 2
	right := &treeNode{
		leaf: true,
		keys: append([]any(nil), leaf.keys[mid:]...),
		vals: append([][]byte(nil), leaf.vals[mid:]...),
		prev: leafID,
		next: leaf.next,
	}
	rightID, err := t.alloc()
	if err != nil {
		return false, err
	}
	if leaf.next != nilPage {
		after, err := t.load(leaf.next)
		if err != nil {
			return false, err
		}
		after.prev = rightID
		if err := t.store(leaf.next, after); err != nil {
			return false, err
		}
	}
	leaf.keys = leaf.keys[:mid]
	leaf.vals = leaf.vals[:mid]
	leaf.next = rightID
	if err := t.store(leafID, leaf); err != nil {
		return false, err
	}
	if err := t.store(rightID, right); err != nil {
		return false, err
	}

	return true, t.propagate(path[:len(path)-1], right.keys[0], rightID)
}

// propagate inserts a promoted key and right-child page into the
// parents on the path, splitting internal nodes as needed and growing
// a new root when the split reaches the top.
func (t *bTree) propagate(parents []crumb, key any, rightID int32) error {
	for i := len(parents) - 1; i >= 0; i-- {
		p := parents[i]
		p.node.keys = insertAt(p.node.keys, p.idx, key)
		p.node.children = insertAt(p.node.children, p.idx+1, rightID)
		if len(p.node.keys) <= t.maxKeys {
			return t.store(p.id, p.node)
		}

		mid := len(p.node.keys) / 2
		promote := p.node.keys[mid]
		right := &treeNode{
			keys:     append([]any(nil), p.node.keys[mid+1:]...),
			children: append([]int32(nil), p.node.children[mid+1:]...),
			prev:     nilPage,
			next:     nilPage,
		}
		p.node.keys = p.node.keys[:mid]
		p.node.children = p.node.children[:mid+1]

		newRightID, err := t.alloc()
		if err != nil {
			return err
		}
		if err := t.store(p.id, p.node); err != nil {
			return err
		}
		if err := t.store(newRightID, right); err != nil {
			return err
		}
		key, rightID = promote, newRightID
	}

	// The root itself split: grow a new root above it.
	oldRoot := t.meta.Root
	newRootID, err := t.alloc()
	if err != nil {
		return err
	}
	root := &treeNode{
		keys:     []any{key},
		children: []int32{oldRoot, rightID},
		prev:     nilPage,
		next:     nilPage,
	}
	if err := t.store(newRootID, root); err != nil {
		return err
	}
	t.meta.Root = newRootID
	return t.flushMeta()
}

// get returns the payload stored under key.
func (t *bTree) get(key any) ([]byte, bool, error) {
	path, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	leaf := path[len(path)-1].node
	pos := bisectLeft(leaf.keys, key)
	if pos < len(leaf.keys) && compareKeys(leaf.keys[pos], key) == 0 {
		return leaf.vals[pos], true, nil
	}
	return nil, false, nil
}

// remove deletes key from the tree, borrowing from or merging with
// siblings on underflow and collapsing the root when it empties.
// Returns false when the key is absent.
func (t *bTree) remove(key any) (bool, error) {
	path, err := t.descend(key)
	if err != nil {
		return false, err
	}
	cur := path[len(path)-1]
	pos := bisectLeft(cur.node.keys, key)
	if pos >= len(cur.node.keys) || compareKeys(cur.node.keys[pos], key) != 0 {
		return false, nil
	}
	cur.node.keys = removeAt(cur.node.keys, pos)
	cur.node.vals = removeAt(cur.node.vals, pos)
	if err := t.store(cur.id, cur.node); err != nil {
		return false, err
	}
	parents := path[:len(path)-1]

	for len(parents) > 0 && len(cur.node.keys) < t.minKeys {
		parent := parents[len(parents)-1]
		idx := parent.idx

		// Borrow from the left sibling.
		if idx > 0 {
			leftID := parent.node.children[idx-1]
			left, err := t.load(leftID)
			if err != nil {
				return false, err
			}
			if len(left.keys) > t.minKeys {
				if cur.node.leaf {
					last := len(left.keys) - 1
					cur.node.keys = insertAt(cur.node.keys, 0, left.keys[last])
					cur.node.vals = insertAt(cur.node.vals, 0, left.vals[last])
					left.keys = left.keys[:last]
					left.vals = left.vals[:last]
					parent.node.keys[idx-1] = cur.node.keys[0]
				} else {
					lastChild := len(left.children) - 1
					cur.node.keys = insertAt(cur.node.keys, 0, parent.node.keys[idx-1])
					cur.node.children = insertAt(cur.node.children, 0, left.children[lastChild])
					left.children = left.children[:lastChild]
					parent.node.keys[idx-1] = left.keys[len(left.keys)-1]
					left.keys = left.keys[:len(left.keys)-1]
				}
				if err := t.store(leftID, left); err != nil {
					return false, err
				}
				if err := t.store(cur.id, cur.node); err != nil {
					return false, err
				}
				return true, t.store(parent.id, parent.node)
			}
		}

		// Borrow from the right sibling.
		if idx < len(parent.node.children)-1 {
			rightID := parent.node.children[idx+1]
			right, err := t.load(rightID)
			if err != nil {
				return false, err
			}
			if len(right.keys) > t.minKeys {
				if cur.node.leaf {
					cur.node.keys = append(cur.node.keys, right.keys[0])
					cur.node.vals = append(cur.node.vals, right.vals[0])
					right.keys = removeAt(right.keys, 0)
					right.vals = removeAt(right.vals, 0)
					parent.node.keys[idx] = right.keys[0]
				} else {
					cur.node.keys = append(cur.node.keys, parent.node.keys[idx])
					cur.node.children = append(cur.node.children, right.children[0])
					right.children = removeAt(right.children, 0)
					parent.node.keys[idx] = right.keys[0]
					right.keys = removeAt(right.keys, 0)
				}
				if err := t.store(rightID, right); err != nil {
					return false, err
				}
				if err := t.store(cur.id, cur.node); err != nil {
					return false, err
				}
				return true, t.store(parent.id, parent.node)
			}
		}

		// Merge with a sibling and continue the check one level up.
		if idx > 0 {
			leftID := parent.node.children[idx-1]
			left, err := t.load(leftID)
			if err != nil {
				return false, err
			}
			if cur.node.leaf {
				left.keys = append(left.keys, cur.node.keys...)
				left.vals = append(left.vals, cur.node.vals...)
				left.next = cur.node.next
				if cur.node.next != nilPage {
					after, err := t.load(cur.node.next)
					if err != nil {
						return false, err
					}
					after.prev = leftID
					if err := t.store(cur.node.next, after); err != nil {
						return false, err
					}
				}
			} else {
				left.keys = append(left.keys, parent.node.keys[idx-1])
				left.keys = append(left.keys, cur.node.keys...)
				left.children = append(left.children, cur.node.children...)
			}
			parent.node.children = removeAt(parent.node.children, idx)
			parent.node.keys = removeAt(parent.node.keys, idx-1)
			if err := t.store(leftID, left); err != nil {
				return false, err
			}
			if err := t.freePage(cur.id); err != nil {
				return false, err
			}
		} else {
			rightID := parent.node.children[idx+1]
			right, err := t.load(rightID)
			if err != nil {
				return false, err
			}
			if cur.node.leaf {
				cur.node.keys = append(cur.node.keys, right.keys...)
				cur.node.vals = append(cur.node.vals, right.vals...)
				cur.node.next = right.next
				if right.next != nilPage {
					after, err := t.load(right.next)
					if err != nil {
						return false, err
					}
					after.prev = cur.id
					if err := t.store(right.next, after); err != nil {
						return false, err
					}
				}
			} else {
				cur.node.keys = append(cur.node.keys, parent.node.keys[idx])
				cur.node.keys = append(cur.node.keys, right.keys...)
				cur.node.children = append(cur.node.children, right.children...)
			}
			parent.node.children = removeAt(parent.node.children, idx+1)
			parent.node.keys = removeAt(parent.node.keys, idx)
			if err := t.store(cur.id, cur.node); err != nil {
				return false, err
			}
			if err := t.freePage(rightID); err != nil {
				return false, err
			}
		}
		if err := t.store(parent.id, parent.node); err != nil {
			return false, err
		}
		cur = parent
		parents = parents[:len(parents)-1]
	}

	// Collapse the root when an internal root loses all keys.
	if cur.id == t.meta.Root && !cur.node.leaf && len(cur.node.keys) == 0 {
		old := t.meta.Root
		t.meta.Root = cur.node.children[0]
		if err := t.freePage(old); err != nil {
			return false, err
		}
		return true, t.flushMeta()
	}
	return true, nil
}

// scanRange returns the entries with keys in [lo, hi] in key order.
func (t *bTree) scanRange(lo, hi any) ([]treeEntry, error) {
	out := []treeEntry{}
	if compareKeys(lo, hi) > 0 {
		return out, nil
	}
	path, err := t.descend(lo)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1].node
	pos := bisectLeft(leaf.keys, lo)
	for {
		for ; pos < len(leaf.keys); pos++ {
			if compareKeys(leaf.keys[pos], hi) > 0 {
				return out, nil
			}
			out = append(out, treeEntry{key: leaf.keys[pos], val: leaf.vals[pos]})
		}
		if leaf.next == nilPage {
			return out, nil
		}
		if leaf, err = t.load(leaf.next); err != nil {
			return nil, err
		}
		pos = 0
	}
}

// scanAll returns every entry in key order, walking the leaf chain
// from the leftmost leaf.
func (t *bTree) scanAll() ([]treeEntry, error) {
	id := t.meta.Root
	n, err := t.load(id)
	if err != nil {
		return nil, err
	}
	for !n.leaf {
		id = n.children[0]
		if n, err = t.load(id); err != nil {
			return nil, err
		}
	}
	out := []treeEntry{}
	for {
		for i := range n.keys {
			out = append(out, treeEntry{key: n.keys[i], val: n.vals[i]})
		}
		if n.next == nilPage {
			return out, nil
		}
		if n, err = t.load(n.next); err != nil {
			return nil, err
		}
	}
}

// insertAt inserts v at index i.
func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// removeAt removes the element at index i.
func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}

// bTreeIndex is the clustered B+-tree primary index: leaves store the
// packed records themselves.
type bTreeIndex struct {
	schema *Schema
	tree   *bTree
	track  tracker
}

// newBTreeIndex opens or creates a clustered tree for the table inside
// dir. Order 0 derives the order from the record width.
func newBTreeIndex(dir string, schema *Schema, order int) (*bTreeIndex, error) {
	b := &bTreeIndex{schema: schema}
	tree, err := openTree(filepath.Join(dir, "btree.dat"), schema.keyField(), schema.recordSize(), order, &b.track)
	if err != nil {
		return nil, err
	}
	b.tree = tree
	return b, nil
}

// Insert adds the record under its key. Duplicate keys are a soft
// failure; the tree is unchanged.
func (b *bTreeIndex) Insert(r Record) (OperationResult, error) {
	b.track.begin()
	val, err := packRecord(b.schema, r, true)
	if err != nil {
		return OperationResult{}, err
	}
	ok, err := b.tree.insert(r.Key(b.schema), val)
	if err != nil {
		return OperationResult{}, err
	}
	if !ok {
		res := b.track.done(false)
		res.Message = fmt.Sprintf("duplicate key %v in table %s", r.Key(b.schema), b.schema.Table)
		return res, nil
	}
	return b.track.done(true), nil
}

// Search returns the record stored under key, or an empty slice.
func (b *bTreeIndex) Search(key any) (OperationResult, error) {
	b.track.begin()
	val, ok, err := b.tree.get(key)
	if err != nil {
		return OperationResult{}, err
	}
	if !ok {
		return b.track.done([]Record{}), nil
	}
	rec, _, err := unpackRecord(b.schema, val)
	if err != nil {
		return OperationResult{}, err
	}
	return b.track.done([]Record{rec}), nil
}

// RangeSearch returns the records with keys in [lo, hi] in key order.
func (b *bTreeIndex) RangeSearch(lo, hi any) (OperationResult, error) {
	b.track.begin()
	entries, err := b.tree.scanRange(lo, hi)
	if err != nil {
		return OperationResult{}, err
	}
	records, err := b.unpackEntries(entries)
	if err != nil {
		return OperationResult{}, err
	}
	return b.track.done(records), nil
}

// Delete removes the record stored under key. Data is false when the
// key is absent.
func (b *bTreeIndex) Delete(key any) (OperationResult, error) {
	b.track.begin()
	ok, err := b.tree.remove(key)
	if err != nil {
		return OperationResult{}, err
	}
	return b.track.done(ok), nil
}

// ScanAll returns every record in key order.
func (b *bTreeIndex) ScanAll() (OperationResult, error) {
	b.track.begin()
	entries, err := b.tree.scanAll()
	if err != nil {
		return OperationResult{}, err
	}
	records, err := b.unpackEntries(entries)
	if err != nil {
		return OperationResult{}, err
	}
	return b.track.done(records), nil
}

func (b *bTreeIndex) unpackEntries(entries []treeEntry) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		rec, _, err := unpackRecord(b.schema, e.val)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the tree file.
func (b *bTreeIndex) Close() error { return b.tree.pf.Close() }

// Remove closes the index and deletes its backing file.
func (b *bTreeIndex) Remove() error {
	if err := b.tree.pf.Remove(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
