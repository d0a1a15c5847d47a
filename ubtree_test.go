// Unclustered B+-tree tests.
//
// A secondary value may repeat: the tree keeps one entry per distinct
// value and the bucket sidecar accumulates primary keys. Deleting one
// key leaves the others; emptying a bucket removes the tree entry.
package quarto

import "testing"

func openTestUBTree(t *testing.T) *uBTreeIndex {
	t.Helper()
	u, err := newUBTreeIndex(t.TempDir(), "people", Field{Name: "city", Type: TypeChar, Size: 16}, Field{Name: "id", Type: TypeInt}, 0)
	if err != nil {
		t.Fatalf("newUBTreeIndex: %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

// TestUBTreeDuplicateValues is the unclustered scenario: duplicated
// city values, a search returning both keys, and a delete of one key
// leaving the other.
func TestUBTreeDuplicateValues(t *testing.T) {
	u := openTestUBTree(t)
	cities := []string{"Tokyo", "Tokyo", "London", "Paris", "Lima", "Osaka", "Quito", "Cairo", "Oslo", "Miami"}
	for i, c := range cities {
		if _, err := u.Insert(c, int32(i+1)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	res, err := u.Search("Tokyo")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	pks := res.Data.([]any)
	if len(pks) != 2 {
		t.Fatalf("search(Tokyo) = %v, want 2 keys", pks)
	}
	if pks[0].(int32) != 1 || pks[1].(int32) != 2 {
		t.Errorf("search(Tokyo) keys = %v", pks)
	}

	if res, _ = u.Delete("Tokyo", int32(1)); res.Data != true {
		t.Fatal("delete(Tokyo, 1) failed")
	}
	res, _ = u.Search("Tokyo")
	pks = res.Data.([]any)
	if len(pks) != 1 || pks[0].(int32) != 2 {
		t.Errorf("search(Tokyo) after delete = %v, want [2]", pks)
	}

	// Emptying the bucket drops the tree entry.
	u.Delete("Tokyo", int32(2))
	res, _ = u.Search("Tokyo")
	if got := len(res.Data.([]any)); got != 0 {
		t.Errorf("search(Tokyo) after emptying = %d keys", got)
	}
}

func TestUBTreeRangeConcatenatesBuckets(t *testing.T) {
	u := openTestUBTree(t)
	u.Insert("Austin", int32(1))
	u.Insert("Boston", int32(2))
	u.Insert("Boston", int32(3))
	u.Insert("Chicago", int32(4))
	u.Insert("Denver", int32(5))

	res, err := u.RangeSearch("B", "C")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	pks := res.Data.([]any)
	if len(pks) != 2 {
		t.Fatalf("range [B,C] = %v, want Boston's 2 keys", pks)
	}
	if pks[0].(int32) != 2 || pks[1].(int32) != 3 {
		t.Errorf("range [B,C] = %v", pks)
	}
}

func TestUBTreeSidecarPersists(t *testing.T) {
	dir := t.TempDir()
	field := Field{Name: "city", Type: TypeChar, Size: 16}
	pk := Field{Name: "id", Type: TypeInt}
	u, err := newUBTreeIndex(dir, "people", field, pk, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u.Insert("Tokyo", int32(1))
	u.Insert("Tokyo", int32(2))
	u.Close()

	u2, err := newUBTreeIndex(dir, "people", field, pk, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer u2.Close()
	res, _ := u2.Search("Tokyo")
	if got := len(res.Data.([]any)); got != 2 {
		t.Errorf("bucket lost across reopen: %d keys", got)
	}
}

func TestUBTreeMissingValue(t *testing.T) {
	u := openTestUBTree(t)
	u.Insert("Lima", int32(1))
	res, _ := u.Search("Nowhere")
	if got := len(res.Data.([]any)); got != 0 {
		t.Errorf("search(Nowhere) = %d keys", got)
	}
	res, _ = u.Delete("Nowhere", int32(1))
	if res.Data != false {
		t.Errorf("delete on missing value = %v, want false", res.Data)
	}
}
