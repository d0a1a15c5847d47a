// Unclustered B+-tree secondary index.
//
// The tree has the same node shape, split and merge rules as the
// clustered variant, but leaves hold (index value, bucket reference)
// pairs. Because a secondary value may repeat, the tree stores one
// entry per distinct value; the value-to-primary-key buckets live in a
// compressed sidecar persisted next to the tree file. The tree is
// modified only when a bucket is created or emptied.
package quarto

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
)

// uBTreeIndex is a secondary index mapping one column's values to
// primary keys through an ordered tree.
type uBTreeIndex struct {
	field   Field
	pkField Field
	tree    *bTree
	sidecar uTreeSidecar
	path    string // sidecar path
	track   tracker
}

// uTreeSidecar is the persisted bucket map. Keys and primary keys are
// stored in canonical string form so the JSON round-trip preserves
// their types exactly.
type uTreeSidecar struct {
	NextRef int32               `json:"next_ref"`
	Buckets map[string][]string `json:"buckets"`
}

// newUBTreeIndex opens or creates the tree and its bucket sidecar.
// Files are named <table>_<column>_btree.* inside dir.
func newUBTreeIndex(dir, table string, field, pkField Field, order int) (*uBTreeIndex, error) {
	base := filepath.Join(dir, table+"_"+field.Name+"_btree")
	u := &uBTreeIndex{
		field:   field,
		pkField: pkField,
		path:    base + ".buckets",
		sidecar: uTreeSidecar{NextRef: 1, Buckets: map[string][]string{}},
	}
	tree, err := openTree(base+".dat", field, 4, order, &u.track)
	if err != nil {
		return nil, err
	}
	u.tree = tree
	if err := loadSidecar(u.path, &u.sidecar); err != nil {
		tree.pf.Close()
		return nil, err
	}
	if u.sidecar.Buckets == nil {
		u.sidecar.Buckets = map[string][]string{}
	}
	return u, nil
}

// save persists the sidecar, counted as one write.
func (u *uBTreeIndex) save() error {
	u.track.writes++
	return saveSidecar(u.path, &u.sidecar)
}

// Insert adds the primary key to the bucket for value. The tree is
// touched only when the bucket is newly created.
func (u *uBTreeIndex) Insert(value, pk any) (OperationResult, error) {
	u.track.begin()
	vs, ps := keyString(value), keyString(pk)
	bucket, exists := u.sidecar.Buckets[vs]
	if !exists {
		ref := make([]byte, 4)
		binary.LittleEndian.PutUint32(ref, uint32(u.sidecar.NextRef))
		u.sidecar.NextRef++
		if _, err := u.tree.insert(value, ref); err != nil {
			return OperationResult{}, err
		}
	}
	if !slices.Contains(bucket, ps) {
		u.sidecar.Buckets[vs] = append(bucket, ps)
	}
	if err := u.save(); err != nil {
		return OperationResult{}, err
	}
	return u.track.done(true), nil
}

// Search returns the primary keys indexed under value.
func (u *uBTreeIndex) Search(value any) (OperationResult, error) {
	u.track.begin()
	if _, ok, err := u.tree.get(value); err != nil {
		return OperationResult{}, err
	} else if !ok {
		return u.track.done([]any{}), nil
	}
	pks, err := u.parseBucket(u.sidecar.Buckets[keyString(value)])
	if err != nil {
		return OperationResult{}, err
	}
	return u.track.done(pks), nil
}

// RangeSearch concatenates the buckets for values in [lo, hi] in
// ascending value order.
func (u *uBTreeIndex) RangeSearch(lo, hi any) (OperationResult, error) {
	u.track.begin()
	entries, err := u.tree.scanRange(lo, hi)
	if err != nil {
		return OperationResult{}, err
	}
	out := []any{}
	for _, e := range entries {
		pks, err := u.parseBucket(u.sidecar.Buckets[keyString(e.key)])
		if err != nil {
			return OperationResult{}, err
		}
		out = append(out, pks...)
	}
	return u.track.done(out), nil
}

// Delete removes the primary key from the bucket for value. The tree
// entry is removed only when the bucket empties.
func (u *uBTreeIndex) Delete(value, pk any) (OperationResult, error) {
	u.track.begin()
	vs, ps := keyString(value), keyString(pk)
	bucket, exists := u.sidecar.Buckets[vs]
	if !exists {
		return u.track.done(false), nil
	}
	i := slices.Index(bucket, ps)
	if i < 0 {
		return u.track.done(false), nil
	}
	bucket = slices.Delete(bucket, i, i+1)
	if len(bucket) == 0 {
		delete(u.sidecar.Buckets, vs)
		if _, err := u.tree.remove(value); err != nil {
			return OperationResult{}, err
		}
	} else {
		u.sidecar.Buckets[vs] = bucket
	}
	if err := u.save(); err != nil {
		return OperationResult{}, err
	}
	return u.track.done(true), nil
}

// parseBucket converts stored primary-key strings back to their typed
// form.
func (u *uBTreeIndex) parseBucket(bucket []string) ([]any, error) {
	out := make([]any, 0, len(bucket))
	for _, s := range bucket {
		pk, err := parseKeyString(u.pkField, s)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, nil
}

// Close releases the tree file.
func (u *uBTreeIndex) Close() error { return u.tree.pf.Close() }

// Remove closes the index and deletes the tree file and sidecar.
func (u *uBTreeIndex) Remove() error {
	if err := u.tree.pf.Remove(); err != nil {
		return err
	}
	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
