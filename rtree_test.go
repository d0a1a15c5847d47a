// R-tree tests.
//
// Radius search filters box hits by true Euclidean distance; k-NN is
// best-first and returns every point when k exceeds the population.
package quarto

import "testing"

func openTestRTree(t *testing.T) *rTreeIndex {
	t.Helper()
	r, err := newRTreeIndex(t.TempDir(), "places", Field{Name: "pos", Type: TypeFloatArray, Size: 2}, Field{Name: "id", Type: TypeInt})
	if err != nil {
		t.Fatalf("newRTreeIndex: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// seedPoints inserts the five scenario points keyed 1..5.
func seedPoints(t *testing.T, r *rTreeIndex) {
	t.Helper()
	points := [][]float32{{0, 0}, {1, 1}, {10, 10}, {10.5, 9.8}, {50, 50}}
	for i, p := range points {
		if _, err := r.Insert(p, int32(i+1)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func pkSet(res OperationResult) map[int32]bool {
	out := map[int32]bool{}
	for _, pk := range res.Data.([]any) {
		out[pk.(int32)] = true
	}
	return out
}

// TestRTreeScenario runs the spatial scenario: nearest((10,10), 2)
// returns the two clustered points, radius((0,0), 2) the two near the
// origin.
func TestRTreeScenario(t *testing.T) {
	r := openTestRTree(t)
	seedPoints(t, r)

	res, err := r.Nearest(10, 10, 2)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	got := pkSet(res)
	if len(got) != 2 || !got[3] || !got[4] {
		t.Errorf("nearest((10,10),2) = %v, want {3,4}", res.Data)
	}
	// Best-first order: the exact hit comes before its neighbour.
	if res.Data.([]any)[0].(int32) != 3 {
		t.Errorf("nearest order = %v, want 3 first", res.Data)
	}

	res, err = r.Radius(0, 0, 2)
	if err != nil {
		t.Fatalf("radius: %v", err)
	}
	got = pkSet(res)
	if len(got) != 2 || !got[1] || !got[2] {
		t.Errorf("radius((0,0),2) = %v, want {1,2}", res.Data)
	}
	if res.Reads == 0 {
		t.Error("radius search reported no reads")
	}
}

func TestRTreeKLargerThanTable(t *testing.T) {
	r := openTestRTree(t)
	seedPoints(t, r)
	res, err := r.Nearest(0, 0, 100)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if got := len(res.Data.([]any)); got != 5 {
		t.Errorf("nearest k=100 = %d points, want all 5", got)
	}
}

func TestRTreeRadiusZero(t *testing.T) {
	r := openTestRTree(t)
	seedPoints(t, r)
	res, err := r.Radius(10, 10, 0)
	if err != nil {
		t.Fatalf("radius: %v", err)
	}
	pks := res.Data.([]any)
	if len(pks) != 1 || pks[0].(int32) != 3 {
		t.Errorf("radius 0 at (10,10) = %v, want exactly point 3", res.Data)
	}
}

func TestRTreeDelete(t *testing.T) {
	r := openTestRTree(t)
	seedPoints(t, r)
	if res, _ := r.Delete([]float32{10, 10}, int32(3)); res.Data != true {
		t.Fatal("delete failed")
	}
	res, _ := r.Nearest(10, 10, 1)
	pks := res.Data.([]any)
	if len(pks) != 1 || pks[0].(int32) != 4 {
		t.Errorf("nearest after delete = %v, want [4]", res.Data)
	}
}

func TestRTreeEmpty(t *testing.T) {
	r := openTestRTree(t)
	res, err := r.Radius(0, 0, 10)
	if err != nil {
		t.Fatalf("radius on empty: %v", err)
	}
	if got := len(res.Data.([]any)); got != 0 {
		t.Errorf("radius on empty = %d points", got)
	}
	res, err = r.Nearest(0, 0, 3)
	if err != nil {
		t.Fatalf("nearest on empty: %v", err)
	}
	if got := len(res.Data.([]any)); got != 0 {
		t.Errorf("nearest on empty = %d points", got)
	}
}

func TestRTreeManyPointsPaged(t *testing.T) {
	r := openTestRTree(t)
	// Enough points to force a multi-level packed tree.
	id := int32(1)
	for x := 0; x < 30; x++ {
		for y := 0; y < 30; y++ {
			if _, err := r.Insert([]float32{float32(x), float32(y)}, id); err != nil {
				t.Fatalf("insert: %v", err)
			}
			id++
		}
	}
	res, err := r.Radius(15, 15, 1.2)
	if err != nil {
		t.Fatalf("radius: %v", err)
	}
	// Points within 1.2 of (15,15): the centre and its 4 axis
	// neighbours; the diagonals sit at sqrt(2).
	if got := len(res.Data.([]any)); got != 5 {
		t.Errorf("radius 1.2 at (15,15) = %d points, want 5", got)
	}
	res, _ = r.Nearest(15.2, 15.1, 1)
	if res.Data.([]any)[0].(int32) == 0 {
		t.Error("nearest returned a zero key")
	}
}

func TestRTreeSidecarPersists(t *testing.T) {
	dir := t.TempDir()
	field := Field{Name: "pos", Type: TypeFloatArray, Size: 2}
	pk := Field{Name: "id", Type: TypeInt}
	r, err := newRTreeIndex(dir, "places", field, pk)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r.Insert([]float32{3, 4}, int32(1))
	r.Close()

	r2, err := newRTreeIndex(dir, "places", field, pk)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	res, _ := r2.Radius(3, 4, 0.5)
	if got := len(res.Data.([]any)); got != 1 {
		t.Errorf("point lost across reopen: %d hits", got)
	}
}
