// Extendible hash secondary index.
//
// Two files: a directory of 2^globalDepth bucket ids behind a small
// header, and a bucket file of fixed-size buckets each tagged with a
// local depth. A bucket holds up to blockFactor (value, primary key)
// entries and a next pointer forming an overflow chain of at most
// maxOverflow buckets. A key's slot is hash(key) mod 2^globalDepth
// over the key's canonical UTF-8 string.
//
// When a chain at its overflow limit receives another entry the head
// bucket splits: the directory doubles first if the bucket's local
// depth has reached the global depth, a sibling is allocated one depth
// deeper, directory slots with the new depth bit set are rewired to
// the sibling, the old chain is freed and every entry reinserted.
// Deleted entries become zero-byte tombstones reused by later inserts.
// Freed buckets thread through a free stack rooted in the directory
// header. Equality lookups only; range is rejected at the catalog.
package quarto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// hashInitialDepth is the directory depth of a fresh index.
const hashInitialDepth = 3

// hashMaxDepth caps local depth growth. A chain whose entries cannot
// be separated by more hash bits (duplicate-heavy values) stops
// splitting and extends past maxOverflow instead.
const hashMaxDepth = 20

// hashDirHeader is the directory file header: global depth and the
// head of the bucket free stack.
const hashDirHeader = 8

// hashBucketHeader precedes each bucket's entries: local depth,
// allocated slots, live count, next bucket.
const hashBucketHeader = 16

// hashIndex is an extendible hash over one column.
type hashIndex struct {
	field       Field
	pkField     Field
	alg         int
	blockFactor int
	maxOverflow int
	dirPath     string
	bktPath     string
	dir         *os.File
	bkt         *os.File
	globalDepth int32
	freeHead    int32
	track       tracker
}

// hashBucket is one bucket in memory. entries holds the allocated
// slots verbatim, tombstones included.
type hashBucket struct {
	localDepth int32
	allocated  int32
	live       int32
	next       int32
	entries    [][]byte
}

// newHashIndex opens or creates the directory and bucket files. Files
// are named <table>_<column>_hash.* inside dir.
func newHashIndex(dir, table string, field, pkField Field, alg, blockFactor, maxOverflow int) (*hashIndex, error) {
	if alg == 0 {
		alg = AlgXXHash3
	}
	if blockFactor <= 0 {
		blockFactor = defaultHashBlockFactor
	}
	if maxOverflow <= 0 {
		maxOverflow = defaultHashMaxOverflow
	}
	base := filepath.Join(dir, table+"_"+field.Name+"_hash")
	h := &hashIndex{
		field:       field,
		pkField:     pkField,
		alg:         alg,
		blockFactor: blockFactor,
		maxOverflow: maxOverflow,
		dirPath:     base + ".dir",
		bktPath:     base + ".bkt",
	}
	var err error
	if h.dir, err = os.OpenFile(h.dirPath, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	if h.bkt, err = os.OpenFile(h.bktPath, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		h.dir.Close()
		return nil, fmt.Errorf("hash: %w", err)
	}

	info, err := h.dir.Stat()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("hash: %w", err)
	}
	if info.Size() == 0 {
		if err := h.initialize(); err != nil {
			h.Close()
			return nil, err
		}
		return h, nil
	}
	if err := h.readHeader(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// entrySize is the packed width of one (value, primary key) entry.
func (h *hashIndex) entrySize() int { return h.field.width() + h.pkField.width() }

// bucketSize is the on-disk width of one bucket.
func (h *hashIndex) bucketSize() int { return hashBucketHeader + h.blockFactor*h.entrySize() }

// initialize writes a fresh directory of depth hashInitialDepth over
// two depth-1 buckets split on the lowest hash bit.
func (h *hashIndex) initialize() error {
	h.globalDepth = hashInitialDepth
	h.freeHead = nilPage
	if err := h.writeHeader(); err != nil {
		return err
	}
	b0, err := h.allocBucket(1)
	if err != nil {
		return err
	}
	b1, err := h.allocBucket(1)
	if err != nil {
		return err
	}
	for i := 0; i < 1<<h.globalDepth; i++ {
		id := b0
		if i%2 == 1 {
			id = b1
		}
		if err := h.writeSlot(i, id); err != nil {
			return err
		}
	}
	return nil
}

// Directory header and slot access. Each header or slot access counts
// as one directory I/O.

func (h *hashIndex) readHeader() error {
	h.track.reads++
	buf := make([]byte, hashDirHeader)
	if _, err := h.dir.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("hash: read header: %w", err)
	}
	h.globalDepth = int32(binary.LittleEndian.Uint32(buf))
	h.freeHead = int32(binary.LittleEndian.Uint32(buf[4:]))
	return nil
}

func (h *hashIndex) writeHeader() error {
	h.track.writes++
	buf := make([]byte, hashDirHeader)
	binary.LittleEndian.PutUint32(buf, uint32(h.globalDepth))
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.freeHead))
	if _, err := h.dir.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("hash: write header: %w", err)
	}
	return nil
}

func (h *hashIndex) readSlot(i int) (int32, error) {
	h.track.reads++
	var buf [4]byte
	if _, err := h.dir.ReadAt(buf[:], int64(hashDirHeader+4*i)); err != nil {
		return nilPage, fmt.Errorf("hash: read slot %d: %w", i, err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func (h *hashIndex) writeSlot(i int, id int32) error {
	h.track.writes++
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	if _, err := h.dir.WriteAt(buf[:], int64(hashDirHeader+4*i)); err != nil {
		return fmt.Errorf("hash: write slot %d: %w", i, err)
	}
	return nil
}

// slotOf maps a value to its directory slot.
func (h *hashIndex) slotOf(value any) int {
	return int(hashKey(keyString(value), h.alg) % uint64(1<<h.globalDepth))
}

// Bucket access.

func (h *hashIndex) readBucket(id int32) (*hashBucket, error) {
	h.track.reads++
	buf := make([]byte, h.bucketSize())
	_, err := h.bkt.ReadAt(buf, int64(id)*int64(h.bucketSize()))
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("hash: read bucket %d: %w", id, err)
	}
	b := &hashBucket{
		localDepth: int32(binary.LittleEndian.Uint32(buf)),
		allocated:  int32(binary.LittleEndian.Uint32(buf[4:])),
		live:       int32(binary.LittleEndian.Uint32(buf[8:])),
		next:       int32(binary.LittleEndian.Uint32(buf[12:])),
	}
	es := h.entrySize()
	for i := 0; i < int(b.allocated); i++ {
		e := make([]byte, es)
		copy(e, buf[hashBucketHeader+i*es:])
		b.entries = append(b.entries, e)
	}
	return b, nil
}

func (h *hashIndex) writeBucket(id int32, b *hashBucket) error {
	h.track.writes++
	buf := make([]byte, h.bucketSize())
	binary.LittleEndian.PutUint32(buf, uint32(b.localDepth))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(b.entries)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(b.live))
	binary.LittleEndian.PutUint32(buf[12:], uint32(b.next))
	es := h.entrySize()
	for i, e := range b.entries {
		copy(buf[hashBucketHeader+i*es:], e)
	}
	if _, err := h.bkt.WriteAt(buf, int64(id)*int64(h.bucketSize())); err != nil {
		return fmt.Errorf("hash: write bucket %d: %w", id, err)
	}
	return nil
}

// allocBucket pops the free stack or appends to the bucket file, then
// writes a fresh bucket at the chosen id.
func (h *hashIndex) allocBucket(localDepth int32) (int32, error) {
	var id int32
	if h.freeHead != nilPage {
		id = h.freeHead
		freed, err := h.readBucket(id)
		if err != nil {
			return nilPage, err
		}
		h.freeHead = freed.next
		if err := h.writeHeader(); err != nil {
			return nilPage, err
		}
	} else {
		info, err := h.bkt.Stat()
		if err != nil {
			return nilPage, fmt.Errorf("hash: %w", err)
		}
		id = int32(info.Size() / int64(h.bucketSize()))
	}
	return id, h.writeBucket(id, &hashBucket{localDepth: localDepth, next: nilPage})
}

// freeBucket zeroes a bucket and pushes it onto the free stack.
func (h *hashIndex) freeBucket(id int32) error {
	if err := h.writeBucket(id, &hashBucket{next: h.freeHead}); err != nil {
		return err
	}
	h.freeHead = id
	return h.writeHeader()
}

// packEntry builds the fixed-width (value, primary key) entry.
func (h *hashIndex) packEntry(value, pk any) ([]byte, error) {
	v, err := normalize(h.field, value)
	if err != nil {
		return nil, err
	}
	p, err := normalize(h.pkField, pk)
	if err != nil {
		return nil, err
	}
	return append(packKey(h.field, v), packKey(h.pkField, p)...), nil
}

// isTombstone reports an all-zero entry slot.
func isTombstone(e []byte) bool {
	for _, b := range e {
		if b != 0 {
			return false
		}
	}
	return true
}

// Insert adds the (value, primary key) entry.
func (h *hashIndex) Insert(value, pk any) (OperationResult, error) {
	h.track.begin()
	entry, err := h.packEntry(value, pk)
	if err != nil {
		return OperationResult{}, err
	}
	if err := h.place(value, entry); err != nil {
		return OperationResult{}, err
	}
	return h.track.done(true), nil
}

// place walks the value's chain trying tombstone slots, free slots, a
// new overflow bucket, and finally a bucket split.
func (h *hashIndex) place(value any, entry []byte) error {
	slot := h.slotOf(value)
	headID, err := h.readSlot(slot)
	if err != nil {
		return err
	}
	head, err := h.readBucket(headID)
	if err != nil {
		return err
	}

	curID, cur := headID, head
	overflow := 0
	for {
		if placed := h.placeInBucket(cur, entry); placed {
			return h.writeBucket(curID, cur)
		}
		if cur.next == nilPage {
			break
		}
		overflow++
		curID = cur.next
		if cur, err = h.readBucket(curID); err != nil {
			return err
		}
	}

	if overflow < h.maxOverflow || head.localDepth >= hashMaxDepth {
		// Chain below the overflow limit — or at the depth cap, where
		// splitting can no longer separate the entries.
		newID, err := h.allocBucket(head.localDepth)
		if err != nil {
			return err
		}
		cur.next = newID
		if err := h.writeBucket(curID, cur); err != nil {
			return err
		}
		fresh := &hashBucket{localDepth: head.localDepth, next: nilPage}
		h.placeInBucket(fresh, entry)
		return h.writeBucket(newID, fresh)
	}
	return h.split(headID, entry)
}

// placeInBucket reuses the first tombstone slot or appends when the
// bucket has room. Returns false when the bucket is full.
func (h *hashIndex) placeInBucket(b *hashBucket, entry []byte) bool {
	for i, e := range b.entries {
		if isTombstone(e) {
			b.entries[i] = entry
			b.live++
			return true
		}
	}
	if len(b.entries) < h.blockFactor {
		b.entries = append(b.entries, entry)
		b.live++
		return true
	}
	return false
}

// split raises the head bucket's local depth, doubling the directory
// first when the bucket was already at global depth, allocates a
// sibling, rewires the directory slots whose new depth bit is set,
// frees the old overflow chain and reinserts every entry.
func (h *hashIndex) split(headID int32, pending []byte) error {
	head, err := h.readBucket(headID)
	if err != nil {
		return err
	}
	if head.localDepth == h.globalDepth {
		if err := h.doubleDirectory(); err != nil {
			return err
		}
	}

	// Gather every live entry in the chain plus the pending one.
	var all [][]byte
	curID, cur := headID, head
	var chain []int32
	for {
		for _, e := range cur.entries {
			if !isTombstone(e) {
				all = append(all, e)
			}
		}
		if cur.next == nilPage {
			break
		}
		curID = cur.next
		chain = append(chain, curID)
		if cur, err = h.readBucket(curID); err != nil {
			return err
		}
	}
	all = append(all, pending)

	for _, id := range chain {
		if err := h.freeBucket(id); err != nil {
			return err
		}
	}

	newDepth := head.localDepth + 1
	if err := h.writeBucket(headID, &hashBucket{localDepth: newDepth, next: nilPage}); err != nil {
		return err
	}
	siblingID, err := h.allocBucket(newDepth)
	if err != nil {
		return err
	}

	bit := uint(newDepth - 1)
	for i := 0; i < 1<<h.globalDepth; i++ {
		id, err := h.readSlot(i)
		if err != nil {
			return err
		}
		if id == headID && (i>>bit)&1 == 1 {
			if err := h.writeSlot(i, siblingID); err != nil {
				return err
			}
		}
	}

	for _, e := range all {
		value := unpackKey(h.field, e)
		if err := h.place(value, e); err != nil {
			return err
		}
	}
	return nil
}

// doubleDirectory duplicates every slot and increments the global
// depth, so slot i and slot i+2^old point at the same bucket.
func (h *hashIndex) doubleDirectory() error {
	size := 1 << h.globalDepth
	for i := 0; i < size; i++ {
		id, err := h.readSlot(i)
		if err != nil {
			return err
		}
		if err := h.writeSlot(i+size, id); err != nil {
			return err
		}
	}
	h.globalDepth++
	return h.writeHeader()
}

// Search returns every primary key stored under value.
func (h *hashIndex) Search(value any) (OperationResult, error) {
	h.track.begin()
	v, err := normalize(h.field, value)
	if err != nil {
		return OperationResult{}, err
	}
	vb := packKey(h.field, v)
	id, err := h.readSlot(h.slotOf(v))
	if err != nil {
		return OperationResult{}, err
	}
	pks := []any{}
	for id != nilPage {
		b, err := h.readBucket(id)
		if err != nil {
			return OperationResult{}, err
		}
		for _, e := range b.entries {
			if !isTombstone(e) && bytes.Equal(e[:len(vb)], vb) {
				pks = append(pks, unpackKey(h.pkField, e[len(vb):]))
			}
		}
		id = b.next
	}
	return h.track.done(pks), nil
}

// Delete tombstones the entry matching both value and primary key.
func (h *hashIndex) Delete(value, pk any) (OperationResult, error) {
	h.track.begin()
	entry, err := h.packEntry(value, pk)
	if err != nil {
		return OperationResult{}, err
	}
	v, _ := normalize(h.field, value)
	id, err := h.readSlot(h.slotOf(v))
	if err != nil {
		return OperationResult{}, err
	}
	for id != nilPage {
		b, err := h.readBucket(id)
		if err != nil {
			return OperationResult{}, err
		}
		for i, e := range b.entries {
			if bytes.Equal(e, entry) {
				b.entries[i] = make([]byte, h.entrySize())
				b.live--
				if err := h.writeBucket(id, b); err != nil {
					return OperationResult{}, err
				}
				return h.track.done(true), nil
			}
		}
		id = b.next
	}
	return h.track.done(false), nil
}

// depth returns the current global depth.
func (h *hashIndex) depth() int { return int(h.globalDepth) }

// Close releases both files.
func (h *hashIndex) Close() error {
	err1 := h.dir.Close()
	err2 := h.bkt.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Remove closes the index and deletes its backing files.
func (h *hashIndex) Remove() error {
	h.Close()
	for _, p := range []string{h.dirPath, h.bktPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
