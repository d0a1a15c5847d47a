// Extendible hash tests.
//
// The clustering test selects its keys at runtime by hashing
// candidates and keeping ones that share a directory slot well past
// the initial depth, so the directory provably cannot separate them
// until the split cascade raises the local depth.
package quarto

import (
	"fmt"
	"testing"
)

func openTestHash(t *testing.T, blockFactor, maxOverflow int) *hashIndex {
	t.Helper()
	h, err := newHashIndex(t.TempDir(), "sales", Field{Name: "cantidad", Type: TypeInt}, Field{Name: "id", Type: TypeInt}, 0, blockFactor, maxOverflow)
	if err != nil {
		t.Fatalf("newHashIndex: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHashInsertSearchDelete(t *testing.T) {
	h := openTestHash(t, 8, 2)
	for i := 1; i <= 30; i++ {
		if _, err := h.Insert(int32(i%5), int32(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	res, err := h.Search(int32(3))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	pks := res.Data.([]any)
	if len(pks) != 6 { // 3, 8, 13, 18, 23, 28
		t.Fatalf("search(3) = %d keys, want 6", len(pks))
	}

	if res, _ = h.Delete(int32(3), int32(13)); res.Data != true {
		t.Fatal("delete failed")
	}
	res, _ = h.Search(int32(3))
	pks = res.Data.([]any)
	if len(pks) != 5 {
		t.Errorf("search(3) after delete = %d keys, want 5", len(pks))
	}
	for _, pk := range pks {
		if pk.(int32) == 13 {
			t.Error("deleted key still present")
		}
	}

	res, _ = h.Delete(int32(3), int32(999))
	if res.Data != false {
		t.Error("delete of absent pair should report false")
	}
}

func TestHashTombstoneReuse(t *testing.T) {
	h := openTestHash(t, 8, 2)
	for i := 1; i <= 6; i++ {
		h.Insert(int32(1), int32(i))
	}
	info, _ := h.bkt.Stat()
	before := info.Size()

	h.Delete(int32(1), int32(2))
	h.Delete(int32(1), int32(4))
	h.Insert(int32(1), int32(7))
	h.Insert(int32(1), int32(8))

	info, _ = h.bkt.Stat()
	if info.Size() != before {
		t.Errorf("bucket file grew from %d to %d; tombstones not reused", before, info.Size())
	}
	res, _ := h.Search(int32(1))
	if got := len(res.Data.([]any)); got != 6 {
		t.Errorf("search(1) = %d keys, want 6", got)
	}
}

// clusteredStrings returns n keys whose hashes agree modulo 2^bits, so
// they share one bucket at every directory depth up to bits.
func clusteredStrings(t *testing.T, alg, n int, bits uint) []string {
	t.Helper()
	var keys []string
	var target uint64
	for i := 0; len(keys) < n && i < 2_000_000; i++ {
		k := fmt.Sprintf("key-%d", i)
		hv := hashKey(keyString(normalizeMust(t, Field{Name: "c", Type: TypeChar, Size: 24}, k)), alg) % (1 << bits)
		if len(keys) == 0 {
			target = hv
		}
		if hv == target {
			keys = append(keys, k)
		}
	}
	if len(keys) < n {
		t.Fatalf("could not find %d clustered keys", n)
	}
	return keys
}

func normalizeMust(t *testing.T, f Field, v any) any {
	t.Helper()
	nv, err := normalize(f, v)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return nv
}

// TestHashDirectoryDoubling is the clustering scenario: block factor
// 8, max overflow 2, 64 entries forced into one bucket. The chain
// absorbs 24 entries; the 25th overflows past the limit and the split
// cascade performs the first directory doubling the moment the bucket
// reaches the global depth. Every key stays reachable throughout.
func TestHashDirectoryDoubling(t *testing.T) {
	dir := t.TempDir()
	field := Field{Name: "name", Type: TypeChar, Size: 24}
	pk := Field{Name: "id", Type: TypeInt}
	h, err := newHashIndex(dir, "t", field, pk, 0, 8, 2)
	if err != nil {
		t.Fatalf("newHashIndex: %v", err)
	}
	defer h.Close()

	keys := clusteredStrings(t, h.alg, 64, 6)

	capacity := 8 * 3 // head plus two overflow buckets
	for i, k := range keys {
		if _, err := h.Insert(k, int32(i+1)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if i < capacity && h.depth() != hashInitialDepth {
			t.Fatalf("directory doubled at insert %d, before the chain filled", i+1)
		}
		if i == capacity && h.depth() <= hashInitialDepth {
			t.Fatalf("insert %d overflowed past the limit without doubling", i+1)
		}
	}
	if h.depth() <= hashInitialDepth {
		t.Fatal("directory never doubled")
	}

	for i, k := range keys {
		res, err := h.Search(k)
		if err != nil {
			t.Fatalf("search %q: %v", k, err)
		}
		found := false
		for _, pk := range res.Data.([]any) {
			if pk.(int32) == int32(i+1) {
				found = true
			}
		}
		if !found {
			t.Errorf("key %q lost after splits", k)
		}
	}
}

func TestHashSmallFactorsKeepKeysAcrossSplits(t *testing.T) {
	h := openTestHash(t, 2, 1)
	// Small factors force early splits, which free old chain buckets.
	for i := 1; i <= 40; i++ {
		if _, err := h.Insert(int32(i), int32(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 1; i <= 40; i++ {
		res, _ := h.Search(int32(i))
		found := false
		for _, pk := range res.Data.([]any) {
			if pk.(int32) == int32(i) {
				found = true
			}
		}
		if !found {
			t.Errorf("key %d lost", i)
		}
	}
}

func TestHashPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	field := Field{Name: "cantidad", Type: TypeInt}
	pk := Field{Name: "id", Type: TypeInt}
	h, err := newHashIndex(dir, "sales", field, pk, 0, 8, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Insert(int32(9), int32(1))
	h.Insert(int32(9), int32(2))
	h.Close()

	h2, err := newHashIndex(dir, "sales", field, pk, 0, 8, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()
	res, _ := h2.Search(int32(9))
	if got := len(res.Data.([]any)); got != 2 {
		t.Errorf("search after reopen = %d keys, want 2", got)
	}
}
