// ISAM: a two-level static index over sorted data pages.
//
// The index file holds fixed-capacity index pages: page 0 is the root,
// mapping key ranges to leaf index pages; every other page is a leaf,
// mapping key ranges to data pages. The data file holds sorted data
// pages chained through a next pointer for overflow, behind a small
// header with a capped free-page stack.
//
// While the static index still has room, a full data page splits and
// registers the new page in its leaf (and a full leaf splits into the
// root). Once the index is at capacity the structure stops
// reorganising: inserts walk the target page's overflow chain and
// extend it, recycling freed pages first. Deletes that empty an
// overflow page unlink it and push it onto the free stack.
package quarto

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
)

// isamMaxFree caps the data file's free-page stack.
const isamMaxFree = 5

// isamHeaderSize is the data file header: free count plus the stack.
const isamHeaderSize = 4 + isamMaxFree*4

// isamFile is one ISAM structure over records of a schema. Primary
// indexes enforce key uniqueness; the secondary wrapper turns it off.
type isamFile struct {
	schema      *Schema
	kf          Field
	unique      bool
	blockFactor int // records per data page
	indexFactor int // entries per index page
	data        *pageFile
	idx         *pageFile
	track       tracker
}

// isamEntry is one index entry: keys at or above Key route to Page.
type isamEntry struct {
	key  any
	page int32
}

// isamIndexPage is a root or leaf index page.
type isamIndexPage struct {
	entries []isamEntry
}

// isamDataPage is a sorted run of records plus its overflow link.
type isamDataPage struct {
	records []Record
	next    int32
}

// newISAMFile opens or creates the index and data files inside dir
// under the given base name.
func newISAMFile(dir, base string, schema *Schema, blockFactor, indexFactor int, unique bool) (*isamFile, error) {
	if blockFactor <= 0 {
		blockFactor = defaultIsamBlockFactor
	}
	if indexFactor <= 0 {
		indexFactor = defaultIsamIndexFactor
	}
	s := &isamFile{
		schema:      schema,
		kf:          schema.keyField(),
		unique:      unique,
		blockFactor: blockFactor,
		indexFactor: indexFactor,
	}
	var err error
	dataPage := 8 + blockFactor*schema.recordSize()
	idxPage := 4 + indexFactor*(s.kf.width()+4)
	if s.data, err = openPageFile(filepath.Join(dir, base+".dat"), dataPage, isamHeaderSize, &s.track); err != nil {
		return nil, err
	}
	if s.idx, err = openPageFile(filepath.Join(dir, base+".idx"), idxPage, 0, &s.track); err != nil {
		s.data.Close()
		return nil, err
	}

	pages, err := s.idx.pages()
	if err != nil {
		s.Close()
		return nil, err
	}
	if pages == 0 {
		// Fresh structure: empty root, one empty leaf, one empty data
		// page. Keys route to leaf 1 and data page 0 by default.
		if err := s.writeIndexPage(0, &isamIndexPage{}); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.writeIndexPage(1, &isamIndexPage{}); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.writeDataPage(0, &isamDataPage{next: nilPage}); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.data.writeHeader(make([]byte, isamHeaderSize)); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Index page codec.

func (s *isamFile) writeIndexPage(id int, p *isamIndexPage) error {
	kw := s.kf.width()
	buf := make([]byte, 4, 4+len(p.entries)*(kw+4))
	binary.LittleEndian.PutUint32(buf, uint32(len(p.entries)))
	for _, e := range p.entries {
		buf = append(buf, packKey(s.kf, e.key)...)
		var pb [4]byte
		binary.LittleEndian.PutUint32(pb[:], uint32(e.page))
		buf = append(buf, pb[:]...)
	}
	return s.idx.writePage(id, buf)
}

func (s *isamFile) readIndexPage(id int) (*isamIndexPage, error) {
	buf, err := s.idx.readPage(id)
	if err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(buf))
	kw := s.kf.width()
	p := &isamIndexPage{entries: make([]isamEntry, count)}
	off := 4
	for i := 0; i < count; i++ {
		p.entries[i].key = unpackKey(s.kf, buf[off:off+kw])
		p.entries[i].page = int32(binary.LittleEndian.Uint32(buf[off+kw:]))
		off += kw + 4
	}
	return p, nil
}

// Data page codec.

func (s *isamFile) writeDataPage(id int, p *isamDataPage) error {
	size := s.schema.recordSize()
	buf := make([]byte, 8, 8+len(p.records)*size)
	binary.LittleEndian.PutUint32(buf, uint32(len(p.records)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.next))
	for _, r := range p.records {
		rb, err := packRecord(s.schema, r, true)
		if err != nil {
			return err
		}
		buf = append(buf, rb...)
	}
	return s.data.writePage(id, buf)
}

func (s *isamFile) readDataPage(id int) (*isamDataPage, error) {
	buf, err := s.data.readPage(id)
	if err != nil {
		return nil, err
	}
	count := int(binary.LittleEndian.Uint32(buf))
	p := &isamDataPage{next: int32(binary.LittleEndian.Uint32(buf[4:]))}
	if count == 0 && p.next == 0 {
		// A zeroed (freed or never written) page: no chain.
		p.next = nilPage
	}
	size := s.schema.recordSize()
	off := 8
	for i := 0; i < count; i++ {
		r, _, err := unpackRecord(s.schema, buf[off:off+size])
		if err != nil {
			return nil, err
		}
		p.records = append(p.records, r)
		off += size
	}
	return p, nil
}

// Free-page stack in the data file header.

func (s *isamFile) pushFree(page int32) error {
	hdr, err := s.data.readHeader()
	if err != nil {
		return err
	}
	count := int(binary.LittleEndian.Uint32(hdr))
	if count >= isamMaxFree {
		// Stack full: the page stays zeroed and unreferenced.
		return nil
	}
	binary.LittleEndian.PutUint32(hdr[4+count*4:], uint32(page))
	binary.LittleEndian.PutUint32(hdr, uint32(count+1))
	return s.data.writeHeader(hdr)
}

func (s *isamFile) popFree() (int32, error) {
	hdr, err := s.data.readHeader()
	if err != nil {
		return nilPage, err
	}
	count := int(binary.LittleEndian.Uint32(hdr))
	if count == 0 {
		return nilPage, nil
	}
	page := int32(binary.LittleEndian.Uint32(hdr[4+(count-1)*4:]))
	binary.LittleEndian.PutUint32(hdr[4+(count-1)*4:], 0)
	binary.LittleEndian.PutUint32(hdr, uint32(count-1))
	if err := s.data.writeHeader(hdr); err != nil {
		return nilPage, err
	}
	return page, nil
}

// allocDataPage recycles a freed page or appends to the file.
func (s *isamFile) allocDataPage() (int32, error) {
	if page, err := s.popFree(); err != nil {
		return nilPage, err
	} else if page != nilPage {
		return page, nil
	}
	n, err := s.data.pages()
	if err != nil {
		return nilPage, err
	}
	return int32(n), nil
}

// routeIn picks the page for key among the entries: the last entry
// whose key is <= the search key, or def when all entries exceed it.
func routeIn(entries []isamEntry, key any, def int32) int32 {
	page := def
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if compareKeys(key, entries[mid].key) < 0 {
			hi = mid - 1
		} else {
			page = entries[mid].page
			lo = mid + 1
		}
	}
	return page
}

// route descends root -> leaf -> data page for key. Returns the leaf
// index page id and the data page id.
func (s *isamFile) route(key any) (int32, int32, error) {
	root, err := s.readIndexPage(0)
	if err != nil {
		return 0, 0, err
	}
	leafID := routeIn(root.entries, key, 1)
	leaf, err := s.readIndexPage(int(leafID))
	if err != nil {
		return 0, 0, err
	}
	return leafID, routeIn(leaf.entries, key, 0), nil
}

// insertSorted places the record in key order within the page.
func (s *isamFile) insertSorted(p *isamDataPage, r Record) {
	key := r.Key(s.schema)
	pos := sort.Search(len(p.records), func(i int) bool {
		return compareKeys(p.records[i].Key(s.schema), key) >= 0
	})
	p.records = insertAt(p.records, pos, r)
}

// Insert places the record in its target page, splitting pages into
// the static index while it has room and chaining overflow afterwards.
// Duplicate keys are a soft failure on unique (primary) structures.
func (s *isamFile) Insert(r Record) (OperationResult, error) {
	s.track.begin()
	key := r.Key(s.schema)

	if s.unique {
		if _, found, err := s.lookup(key); err != nil {
			return OperationResult{}, err
		} else if found {
			res := s.track.done(false)
			res.Message = fmt.Sprintf("duplicate key %v in table %s", key, s.schema.Table)
			return res, nil
		}
	}

	leafID, dataID, err := s.route(key)
	if err != nil {
		return OperationResult{}, err
	}
	page, err := s.readDataPage(int(dataID))
	if err != nil {
		return OperationResult{}, err
	}

	if len(page.records) < s.blockFactor {
		s.insertSorted(page, r)
		if err := s.writeDataPage(int(dataID), page); err != nil {
			return OperationResult{}, err
		}
		return s.track.done(true), nil
	}

	// Full target page with no chain yet: split while the static index
	// has room for the new separator.
	if page.next == nilPage {
		leaf, err := s.readIndexPage(int(leafID))
		if err != nil {
			return OperationResult{}, err
		}
		if len(leaf.entries) >= s.indexFactor {
			if grown, err := s.growIndex(leafID, key); err != nil {
				return OperationResult{}, err
			} else if grown {
				// Re-route: the split may have moved the key's range.
				if leafID, dataID, err = s.route(key); err != nil {
					return OperationResult{}, err
				}
				if page, err = s.readDataPage(int(dataID)); err != nil {
					return OperationResult{}, err
				}
				if leaf, err = s.readIndexPage(int(leafID)); err != nil {
					return OperationResult{}, err
				}
			}
		}
		if len(leaf.entries) < s.indexFactor {
			if len(page.records) < s.blockFactor {
				s.insertSorted(page, r)
				if err := s.writeDataPage(int(dataID), page); err != nil {
					return OperationResult{}, err
				}
				return s.track.done(true), nil
			}
			if err := s.splitDataPage(leafID, leaf, dataID, page, r); err != nil {
				return OperationResult{}, err
			}
			return s.track.done(true), nil
		}
	}

	// Static capacity exhausted (or the page already chains): walk the
	// overflow chain to the first page with room, else link a new one.
	if err := s.chainInsert(dataID, page, r); err != nil {
		return OperationResult{}, err
	}
	return s.track.done(true), nil
}

// splitDataPage divides a full data page around its median, registers
// the upper half in the leaf index and re-places the incoming record.
func (s *isamFile) splitDataPage(leafID int32, leaf *isamIndexPage, dataID int32, page *isamDataPage, r Record) error {
	all := append(append([]Record{}, page.records...), r)
	sort.Slice(all, func(i, j int) bool {
		return compareKeys(all[i].Key(s.schema), all[j].Key(s.schema)) < 0
	})
	mid := len(all) / 2

	newID, err := s.allocDataPage()
	if err != nil {
		return err
	}
	if err := s.writeDataPage(int(dataID), &isamDataPage{records: all[:mid], next: page.next}); err != nil {
		return err
	}
	if err := s.writeDataPage(int(newID), &isamDataPage{records: all[mid:], next: nilPage}); err != nil {
		return err
	}

	sep := all[mid].Key(s.schema)
	pos := sort.Search(len(leaf.entries), func(i int) bool {
		return compareKeys(leaf.entries[i].key, sep) >= 0
	})
	leaf.entries = insertAt(leaf.entries, pos, isamEntry{key: sep, page: newID})
	return s.writeIndexPage(int(leafID), leaf)
}

// growIndex splits a full leaf index page into a new leaf registered
// in the root. Returns false when the root is also full.
func (s *isamFile) growIndex(leafID int32, key any) (bool, error) {
	root, err := s.readIndexPage(0)
	if err != nil {
		return false, err
	}
	if len(root.entries) >= s.indexFactor {
		return false, nil
	}
	leaf, err := s.readIndexPage(int(leafID))
	if err != nil {
		return false, err
	}

	mid := len(leaf.entries) / 2
	upper := append([]isamEntry{}, leaf.entries[mid:]...)
	leaf.entries = leaf.entries[:mid]

	pages, err := s.idx.pages()
	if err != nil {
		return false, err
	}
	newLeafID := int32(pages)
	if err := s.writeIndexPage(int(newLeafID), &isamIndexPage{entries: upper}); err != nil {
		return false, err
	}
	if err := s.writeIndexPage(int(leafID), leaf); err != nil {
		return false, err
	}

	sep := upper[0].key
	pos := sort.Search(len(root.entries), func(i int) bool {
		return compareKeys(root.entries[i].key, sep) >= 0
	})
	root.entries = insertAt(root.entries, pos, isamEntry{key: sep, page: newLeafID})
	return true, s.writeIndexPage(0, root)
}

// chainInsert walks the overflow chain from the target page, placing
// the record in the first page with room or linking a fresh page at
// the end.
func (s *isamFile) chainInsert(dataID int32, page *isamDataPage, r Record) error {
	curID, cur := dataID, page
	for {
		if len(cur.records) < s.blockFactor {
			s.insertSorted(cur, r)
			return s.writeDataPage(int(curID), cur)
		}
		if cur.next == nilPage {
			break
		}
		curID = cur.next
		var err error
		if cur, err = s.readDataPage(int(curID)); err != nil {
			return err
		}
	}

	newID, err := s.allocDataPage()
	if err != nil {
		return err
	}
	if err := s.writeDataPage(int(newID), &isamDataPage{records: []Record{r}, next: nilPage}); err != nil {
		return err
	}
	cur.next = newID
	return s.writeDataPage(int(curID), cur)
}

// lookup returns every record matching key in the target page's chain.
// The whole chain is walked: overflow pages fill in first-room-found
// order, so later pages can hold smaller keys than earlier ones.
func (s *isamFile) lookup(key any) ([]Record, bool, error) {
	_, dataID, err := s.route(key)
	if err != nil {
		return nil, false, err
	}
	var out []Record
	curID := dataID
	for curID != nilPage {
		page, err := s.readDataPage(int(curID))
		if err != nil {
			return nil, false, err
		}
		for _, r := range page.records {
			if compareKeys(r.Key(s.schema), key) == 0 {
				out = append(out, r)
				if s.unique {
					return out, true, nil
				}
			}
		}
		curID = page.next
	}
	return out, len(out) > 0, nil
}

// Search returns the records matching key.
func (s *isamFile) Search(key any) (OperationResult, error) {
	s.track.begin()
	records, _, err := s.lookup(key)
	if err != nil {
		return OperationResult{}, err
	}
	if records == nil {
		records = []Record{}
	}
	return s.track.done(records), nil
}

// orderedDataPages lists the main data page ids in key order: the
// initial page followed by every leaf entry's page, leaves in root
// order.
func (s *isamFile) orderedDataPages() ([]int32, error) {
	root, err := s.readIndexPage(0)
	if err != nil {
		return nil, err
	}
	leafIDs := []int32{1}
	for _, e := range root.entries {
		leafIDs = append(leafIDs, e.page)
	}
	pages := []int32{0}
	for _, lid := range leafIDs {
		leaf, err := s.readIndexPage(int(lid))
		if err != nil {
			return nil, err
		}
		for _, e := range leaf.entries {
			pages = append(pages, e.page)
		}
	}
	return pages, nil
}

// RangeSearch returns the records with keys in [lo, hi] in ascending
// key order, walking sorted data pages and their chains until the
// upper bound is passed.
func (s *isamFile) RangeSearch(lo, hi any) (OperationResult, error) {
	s.track.begin()
	out := []Record{}
	if compareKeys(lo, hi) > 0 {
		return s.track.done(out), nil
	}
	pages, err := s.orderedDataPages()
	if err != nil {
		return OperationResult{}, err
	}
	for _, id := range pages {
		stop := false
		curID := id
		for curID != nilPage {
			page, err := s.readDataPage(int(curID))
			if err != nil {
				return OperationResult{}, err
			}
			if curID == id && len(page.records) > 0 && compareKeys(page.records[0].Key(s.schema), hi) > 0 {
				stop = true
			}
			for _, r := range page.records {
				k := r.Key(s.schema)
				if compareKeys(k, lo) >= 0 && compareKeys(k, hi) <= 0 {
					out = append(out, r)
				}
			}
			curID = page.next
		}
		if stop {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareKeys(out[i].Key(s.schema), out[j].Key(s.schema)) < 0
	})
	return s.track.done(out), nil
}

// removeWhere deletes the first chain record matching key and the
// predicate. Overflow pages emptied by the removal are unlinked and
// pushed onto the free stack.
func (s *isamFile) removeWhere(key any, match func(Record) bool) (bool, error) {
	_, dataID, err := s.route(key)
	if err != nil {
		return false, err
	}
	prevID := nilPage
	curID := dataID
	for curID != nilPage {
		page, err := s.readDataPage(int(curID))
		if err != nil {
			return false, err
		}
		for i, r := range page.records {
			if compareKeys(r.Key(s.schema), key) != 0 || !match(r) {
				continue
			}
			page.records = removeAt(page.records, i)
			if len(page.records) == 0 && curID != dataID {
				// Unlink the emptied overflow page and recycle it.
				prev, err := s.readDataPage(int(prevID))
				if err != nil {
					return false, err
				}
				prev.next = page.next
				if err := s.writeDataPage(int(prevID), prev); err != nil {
					return false, err
				}
				if err := s.data.zeroPage(int(curID)); err != nil {
					return false, err
				}
				if err := s.pushFree(curID); err != nil {
					return false, err
				}
				return true, nil
			}
			return true, s.writeDataPage(int(curID), page)
		}
		prevID = curID
		curID = page.next
	}
	return false, nil
}

// Delete removes the record with the given key. Data is false when no
// record matches.
func (s *isamFile) Delete(key any) (OperationResult, error) {
	s.track.begin()
	ok, err := s.removeWhere(key, func(Record) bool { return true })
	if err != nil {
		return OperationResult{}, err
	}
	if !ok {
		res := s.track.done(false)
		res.Message = fmt.Sprintf("key %v not found in table %s", key, s.schema.Table)
		return res, nil
	}
	return s.track.done(true), nil
}

// ScanAll returns every record in ascending key order.
func (s *isamFile) ScanAll() (OperationResult, error) {
	s.track.begin()
	out := []Record{}
	pages, err := s.orderedDataPages()
	if err != nil {
		return OperationResult{}, err
	}
	for _, id := range pages {
		curID := id
		for curID != nilPage {
			page, err := s.readDataPage(int(curID))
			if err != nil {
				return OperationResult{}, err
			}
			out = append(out, page.records...)
			curID = page.next
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareKeys(out[i].Key(s.schema), out[j].Key(s.schema)) < 0
	})
	return s.track.done(out), nil
}

// Close releases both files.
func (s *isamFile) Close() error {
	err1 := s.data.Close()
	err2 := s.idx.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Remove closes the structure and deletes its backing files.
func (s *isamFile) Remove() error {
	if err := s.data.Remove(); err != nil {
		return err
	}
	return s.idx.Remove()
}

// isamSecondary adapts an ISAM structure to the secondary-index shape:
// entries are (value, primary key) records keyed by value, duplicates
// allowed.
type isamSecondary struct {
	inner   *isamFile
	pkField Field
}

// newISAMSecondary creates the entry schema and underlying structure.
// Files are named <table>_<column>_isam.* inside dir.
func newISAMSecondary(dir, table string, field, pkField Field, blockFactor, indexFactor int) (*isamSecondary, error) {
	entrySchema := &Schema{
		Table: table,
		Fields: []Field{
			{Name: "value", Type: field.Type, Size: field.Size},
			{Name: "pk", Type: pkField.Type, Size: pkField.Size},
		},
		Key: "value",
	}
	inner, err := newISAMFile(dir, table+"_"+field.Name+"_isam", entrySchema, blockFactor, indexFactor, false)
	if err != nil {
		return nil, err
	}
	return &isamSecondary{inner: inner, pkField: pkField}, nil
}

// Insert adds the (value, primary key) entry.
func (s *isamSecondary) Insert(value, pk any) (OperationResult, error) {
	return s.inner.Insert(Record{"value": value, "pk": pk})
}

// Search returns the primary keys indexed under value.
func (s *isamSecondary) Search(value any) (OperationResult, error) {
	res, err := s.inner.Search(value)
	if err != nil {
		return OperationResult{}, err
	}
	pks := []any{}
	for _, r := range res.Data.([]Record) {
		pks = append(pks, r["pk"])
	}
	res.Data = pks
	return res, nil
}

// Delete removes the entry matching both value and primary key.
func (s *isamSecondary) Delete(value, pk any) (OperationResult, error) {
	s.inner.track.begin()
	ok, err := s.inner.removeWhere(value, func(r Record) bool {
		return compareKeys(r["pk"], pk) == 0
	})
	if err != nil {
		return OperationResult{}, err
	}
	return s.inner.track.done(ok), nil
}

// Close releases the underlying files.
func (s *isamSecondary) Close() error { return s.inner.Close() }

// Remove deletes the underlying files.
func (s *isamSecondary) Remove() error { return s.inner.Remove() }
