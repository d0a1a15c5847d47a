// R-tree secondary index over 2-D points.
//
// The index file is bulk-loaded with Sort-Tile-Recursive packing: the
// entries are sorted into x slabs, each slab sorted by y and cut into
// leaves, and upper levels group consecutive nodes until one root
// remains. A compressed sidecar maps entry ids to (point, primary
// key); inserts and deletes mutate the sidecar and mark the paged file
// stale, and the next query repacks it before descending. Radius
// search prunes by bounding-box intersection then filters by Euclidean
// distance; k-NN runs best-first on minimum box distance.
package quarto

import (
	"container/heap"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
)

// rtreePageSize is the node page size of the R-tree file.
const rtreePageSize = 512

// rtreeNodeHeader precedes a node's entries: leaf flag, entry count.
const rtreeNodeHeader = 8

// rtreeEntrySize is one serialized node slot: a 16-byte rectangle plus
// a 4-byte reference (entry id in leaves, child page in internals).
const rtreeEntrySize = 20

// rtreeFanout is the maximum entries per node.
const rtreeFanout = (rtreePageSize - rtreeNodeHeader) / rtreeEntrySize

// rtreeEntry is one indexed point.
type rtreeEntry struct {
	ID int32   `json:"id"`
	X  float32 `json:"x"`
	Y  float32 `json:"y"`
	PK string  `json:"pk"`
}

// rtreeSidecar is the persisted id-to-point mapping.
type rtreeSidecar struct {
	NextID  int32        `json:"next_id"`
	Entries []rtreeEntry `json:"entries"`
}

// rect is an axis-aligned bounding box.
type rect struct {
	minX, minY, maxX, maxY float32
}

func (r rect) intersects(o rect) bool {
	return r.minX <= o.maxX && o.minX <= r.maxX && r.minY <= o.maxY && o.minY <= r.maxY
}

// minDist is the squared distance from a point to the rectangle.
func (r rect) minDist(x, y float32) float64 {
	dx, dy := 0.0, 0.0
	if x < r.minX {
		dx = float64(r.minX - x)
	} else if x > r.maxX {
		dx = float64(x - r.maxX)
	}
	if y < r.minY {
		dy = float64(r.minY - y)
	} else if y > r.maxY {
		dy = float64(y - r.maxY)
	}
	return dx*dx + dy*dy
}

// rTreeIndex is a spatial secondary index on an ARRAY[FLOAT, 2] column.
type rTreeIndex struct {
	field    Field
	pkField  Field
	pf       *pageFile
	path     string // page file path
	sidePath string
	sidecar  rtreeSidecar
	byID     map[int32]rtreeEntry
	root     int32
	dirty    bool
	track    tracker
}

// rtreeMeta is the page-0 block of the R-tree file.
type rtreeMeta struct {
	Root int32 `json:"root"`
}

// newRTreeIndex opens or creates the index. Files are named
// <table>_<column>_rtree.* inside dir.
func newRTreeIndex(dir, table string, field, pkField Field) (*rTreeIndex, error) {
	base := filepath.Join(dir, table+"_"+field.Name+"_rtree")
	r := &rTreeIndex{
		field:    field,
		pkField:  pkField,
		path:     base + ".dat",
		sidePath: base + ".side",
		sidecar:  rtreeSidecar{NextID: 1},
		byID:     map[int32]rtreeEntry{},
		root:     nilPage,
		dirty:    true,
	}
	pf, err := openPageFile(r.path, rtreePageSize, 0, &r.track)
	if err != nil {
		return nil, err
	}
	r.pf = pf
	if err := loadSidecar(r.sidePath, &r.sidecar); err != nil {
		pf.Close()
		return nil, err
	}
	for _, e := range r.sidecar.Entries {
		r.byID[e.ID] = e
	}
	return r, nil
}

// save persists the sidecar, counted as one write.
func (r *rTreeIndex) save() error {
	r.track.writes++
	return saveSidecar(r.sidePath, &r.sidecar)
}

// Insert indexes a point under its primary key. The value must be a
// 2-element float array.
func (r *rTreeIndex) Insert(value, pk any) (OperationResult, error) {
	r.track.begin()
	v, err := normalize(r.field, value)
	if err != nil {
		return OperationResult{}, err
	}
	pt := v.([]float32)
	e := rtreeEntry{ID: r.sidecar.NextID, X: pt[0], Y: pt[1], PK: keyString(pk)}
	r.sidecar.NextID++
	r.sidecar.Entries = append(r.sidecar.Entries, e)
	r.byID[e.ID] = e
	r.dirty = true
	if err := r.save(); err != nil {
		return OperationResult{}, err
	}
	return r.track.done(true), nil
}

// Delete removes the entry matching the point and primary key.
func (r *rTreeIndex) Delete(value, pk any) (OperationResult, error) {
	r.track.begin()
	v, err := normalize(r.field, value)
	if err != nil {
		return OperationResult{}, err
	}
	pt := v.([]float32)
	ps := keyString(pk)
	for i, e := range r.sidecar.Entries {
		if e.PK == ps && e.X == pt[0] && e.Y == pt[1] {
			r.sidecar.Entries = removeAt(r.sidecar.Entries, i)
			delete(r.byID, e.ID)
			r.dirty = true
			if err := r.save(); err != nil {
				return OperationResult{}, err
			}
			return r.track.done(true), nil
		}
	}
	return r.track.done(false), nil
}

// rebuild repacks the page file from the sidecar with STR and writes
// it through a temporary file renamed over the original.
func (r *rTreeIndex) rebuild() error {
	tmpPath := r.path + ".tmp"
	os.Remove(tmpPath)
	tmp, err := openPageFile(tmpPath, rtreePageSize, 0, &r.track)
	if err != nil {
		return err
	}

	next := int32(1)
	root := nilPage

	if len(r.sidecar.Entries) > 0 {
		entries := append([]rtreeEntry{}, r.sidecar.Entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].X < entries[j].X })

		leafCount := (len(entries) + rtreeFanout - 1) / rtreeFanout
		slabs := int(math.Ceil(math.Sqrt(float64(leafCount))))
		perSlab := slabs * rtreeFanout

		var level []rtreePacked
		for s := 0; s < len(entries); s += perSlab {
			slab := entries[s:min(s+perSlab, len(entries))]
			sort.Slice(slab, func(i, j int) bool { return slab[i].Y < slab[j].Y })
			for l := 0; l < len(slab); l += rtreeFanout {
				leaf := slab[l:min(l+rtreeFanout, len(slab))]
				box, err := r.writeLeaf(tmp, next, leaf)
				if err != nil {
					tmp.Close()
					os.Remove(tmpPath)
					return err
				}
				level = append(level, rtreePacked{box: box, page: next})
				next++
			}
		}

		for len(level) > 1 {
			var parents []rtreePacked
			for g := 0; g < len(level); g += rtreeFanout {
				group := level[g:min(g+rtreeFanout, len(level))]
				box, err := r.writeInternal(tmp, next, group)
				if err != nil {
					tmp.Close()
					os.Remove(tmpPath)
					return err
				}
				parents = append(parents, rtreePacked{box: box, page: next})
				next++
			}
			level = parents
		}
		root = level[0].page
	}

	metaData, err := json.Marshal(rtreeMeta{Root: root})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.writePage(0, metaData); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	r.pf.f.Close()
	if err := os.Rename(tmpPath, r.path); err != nil {
		return err
	}
	pf, err := openPageFile(r.path, rtreePageSize, 0, &r.track)
	if err != nil {
		return err
	}
	r.pf = pf
	r.root = root
	r.dirty = false
	return nil
}

// writeLeaf serialises one leaf of entries and returns its box.
func (r *rTreeIndex) writeLeaf(pf *pageFile, page int32, entries []rtreeEntry) (rect, error) {
	buf := make([]byte, rtreeNodeHeader, rtreePageSize)
	buf[0] = 1
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(entries)))
	box := rect{minX: entries[0].X, minY: entries[0].Y, maxX: entries[0].X, maxY: entries[0].Y}
	for _, e := range entries {
		buf = appendRect(buf, rect{e.X, e.Y, e.X, e.Y})
		var ref [4]byte
		binary.LittleEndian.PutUint32(ref[:], uint32(e.ID))
		buf = append(buf, ref[:]...)
		box = expand(box, rect{e.X, e.Y, e.X, e.Y})
	}
	return box, pf.writePage(int(page), buf)
}

// rtreePacked is one built node awaiting a parent: its box and page.
type rtreePacked struct {
	box  rect
	page int32
}

// writeInternal serialises one internal node over child boxes.
func (r *rTreeIndex) writeInternal(pf *pageFile, page int32, children []rtreePacked) (rect, error) {
	buf := make([]byte, rtreeNodeHeader, rtreePageSize)
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(children)))
	box := children[0].box
	for _, c := range children {
		buf = appendRect(buf, c.box)
		var ref [4]byte
		binary.LittleEndian.PutUint32(ref[:], uint32(c.page))
		buf = append(buf, ref[:]...)
		box = expand(box, c.box)
	}
	return box, pf.writePage(int(page), buf)
}

func appendRect(buf []byte, b rect) []byte {
	for _, f := range []float32{b.minX, b.minY, b.maxX, b.maxY} {
		var fb [4]byte
		binary.LittleEndian.PutUint32(fb[:], math.Float32bits(f))
		buf = append(buf, fb[:]...)
	}
	return buf
}

func expand(a, b rect) rect {
	if b.minX < a.minX {
		a.minX = b.minX
	}
	if b.minY < a.minY {
		a.minY = b.minY
	}
	if b.maxX > a.maxX {
		a.maxX = b.maxX
	}
	if b.maxY > a.maxY {
		a.maxY = b.maxY
	}
	return a
}

// rtreeNode is one decoded node.
type rtreeNode struct {
	leaf  bool
	boxes []rect
	refs  []int32
}

func (r *rTreeIndex) readNode(page int32) (*rtreeNode, error) {
	buf, err := r.pf.readPage(int(page))
	if err != nil {
		return nil, err
	}
	n := &rtreeNode{leaf: buf[0] == 1}
	count := int(binary.LittleEndian.Uint16(buf[1:]))
	off := rtreeNodeHeader
	for i := 0; i < count; i++ {
		n.boxes = append(n.boxes, rect{
			math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[off+8:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[off+12:])),
		})
		n.refs = append(n.refs, int32(binary.LittleEndian.Uint32(buf[off+16:])))
		off += rtreeEntrySize
	}
	return n, nil
}

// Radius returns the primary keys of points within radius of (x, y),
// nearest first.
func (r *rTreeIndex) Radius(x, y, radius float64) (OperationResult, error) {
	r.track.begin()
	if r.dirty {
		if err := r.rebuild(); err != nil {
			return OperationResult{}, err
		}
	}
	type hit struct {
		pk   string
		dist float64
	}
	hits := []hit{}
	if r.root != nilPage {
		query := rect{
			minX: float32(x - radius), minY: float32(y - radius),
			maxX: float32(x + radius), maxY: float32(y + radius),
		}
		stack := []int32{r.root}
		for len(stack) > 0 {
			page := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			node, err := r.readNode(page)
			if err != nil {
				return OperationResult{}, err
			}
			for i, box := range node.boxes {
				if !box.intersects(query) {
					continue
				}
				if !node.leaf {
					stack = append(stack, node.refs[i])
					continue
				}
				e := r.byID[node.refs[i]]
				d := math.Hypot(float64(e.X)-x, float64(e.Y)-y)
				if d <= radius {
					hits = append(hits, hit{pk: e.PK, dist: d})
				}
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	pks, err := r.parsePKs(len(hits), func(i int) string { return hits[i].pk })
	if err != nil {
		return OperationResult{}, err
	}
	return r.track.done(pks), nil
}

// rtreeQueueItem is one best-first candidate: a node page or, when
// entry is set, a resolved entry.
type rtreeQueueItem struct {
	dist  float64
	page  int32
	entry *rtreeEntry
}

type rtreeQueue []rtreeQueueItem

func (q rtreeQueue) Len() int            { return len(q) }
func (q rtreeQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q rtreeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *rtreeQueue) Push(x any)         { *q = append(*q, x.(rtreeQueueItem)) }
func (q *rtreeQueue) Pop() any           { old := *q; n := len(old); it := old[n-1]; *q = old[:n-1]; return it }

// Nearest returns the primary keys of the k points closest to (x, y).
// k larger than the entry count returns every point.
func (r *rTreeIndex) Nearest(x, y float64, k int) (OperationResult, error) {
	r.track.begin()
	if k <= 0 {
		return OperationResult{}, unsupportedErrf("k-NN requires k > 0, got %d", k)
	}
	if r.dirty {
		if err := r.rebuild(); err != nil {
			return OperationResult{}, err
		}
	}
	out := []string{}
	if r.root != nilPage {
		q := &rtreeQueue{{dist: 0, page: r.root}}
		heap.Init(q)
		for q.Len() > 0 && len(out) < k {
			item := heap.Pop(q).(rtreeQueueItem)
			if item.entry != nil {
				out = append(out, item.entry.PK)
				continue
			}
			node, err := r.readNode(item.page)
			if err != nil {
				return OperationResult{}, err
			}
			for i, box := range node.boxes {
				if node.leaf {
					e := r.byID[node.refs[i]]
					d := math.Hypot(float64(e.X)-x, float64(e.Y)-y)
					heap.Push(q, rtreeQueueItem{dist: d, entry: &e})
				} else {
					heap.Push(q, rtreeQueueItem{dist: math.Sqrt(box.minDist(float32(x), float32(y))), page: node.refs[i]})
				}
			}
		}
	}
	pks, err := r.parsePKs(len(out), func(i int) string { return out[i] })
	if err != nil {
		return OperationResult{}, err
	}
	return r.track.done(pks), nil
}

// parsePKs converts stored primary-key strings back to typed values.
func (r *rTreeIndex) parsePKs(n int, get func(int) string) ([]any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		pk, err := parseKeyString(r.pkField, get(i))
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// Close releases the page file.
func (r *rTreeIndex) Close() error { return r.pf.Close() }

// Remove closes the index and deletes its files.
func (r *rTreeIndex) Remove() error {
	if err := r.pf.Remove(); err != nil {
		return err
	}
	if err := os.Remove(r.sidePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
