// Plan execution tests.
//
// The typed plan vocabulary is the only surface clients see; these
// tests drive the coordinator exclusively through Execute: table
// creation with key election and column-level indexes, inserts,
// selects with projection, deletes by predicate, and the DDL error
// paths.
package quarto

import (
	"errors"
	"testing"
)

func TestCreateTablePlanKeyElection(t *testing.T) {
	db := openTestDB(t)

	// Explicit key flag wins.
	_, err := db.Execute(CreateTablePlan{
		Table: "a",
		Columns: []ColumnDef{
			{Name: "x", Type: TypeInt},
			{Name: "y", Type: TypeChar, Length: 8, IsKey: true, Index: BTree},
		},
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if info, _ := db.Info("a"); info.Key != "y" || info.PrimaryKind != BTree {
		t.Errorf("table a key = %s primary = %s", info.Key, info.PrimaryKind)
	}

	// No flag: the first INT column.
	_, err = db.Execute(CreateTablePlan{
		Table: "b",
		Columns: []ColumnDef{
			{Name: "name", Type: TypeChar, Length: 8},
			{Name: "n", Type: TypeInt},
		},
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if info, _ := db.Info("b"); info.Key != "n" || info.PrimaryKind != ISAM {
		t.Errorf("table b key = %s primary = %s, want n/ISAM", info.Key, info.PrimaryKind)
	}

	// Neither: the first column.
	_, err = db.Execute(CreateTablePlan{
		Table: "c",
		Columns: []ColumnDef{
			{Name: "label", Type: TypeChar, Length: 8},
			{Name: "score", Type: TypeFloat},
		},
	})
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if info, _ := db.Info("c"); info.Key != "label" {
		t.Errorf("table c key = %s, want label", info.Key)
	}
}

func TestCreateTablePlanColumnIndexes(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Execute(CreateTablePlan{
		Table: "sales",
		Columns: []ColumnDef{
			{Name: "id", Type: TypeInt, IsKey: true, Index: BTree},
			{Name: "nombre", Type: TypeChar, Length: 20, Index: BTree},
			{Name: "cantidad", Type: TypeInt, Index: Hash},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, _ := db.Info("sales")
	if info.Secondaries["nombre"] != BTree || info.Secondaries["cantidad"] != Hash {
		t.Errorf("column indexes = %v", info.Secondaries)
	}
}

func TestInsertSelectDeletePlans(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)

	for i := 1; i <= 10; i++ {
		res, err := db.Execute(InsertPlan{
			Table:  "sales",
			Values: []any{i, "prod", i * 2, float64(i) * 1.5, "2024-06-01"},
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if res.Data != true {
			t.Fatalf("insert %d rejected", i)
		}
	}

	// Select * with equality.
	res, err := db.Execute(SelectPlan{Table: "sales", Where: WhereEq{Column: "id", Value: 4}})
	if err != nil {
		t.Fatalf("select eq: %v", err)
	}
	records := res.Data.([]Record)
	if len(records) != 1 || records[0]["cantidad"].(int32) != 8 {
		t.Fatalf("select id=4 = %v", records)
	}

	// Projection keeps only the named columns.
	res, err = db.Execute(SelectPlan{
		Table:   "sales",
		Columns: []string{"id", "precio"},
		Where:   WhereBetween{Column: "id", Lo: 2, Hi: 4},
	})
	if err != nil {
		t.Fatalf("select between: %v", err)
	}
	records = res.Data.([]Record)
	if len(records) != 3 {
		t.Fatalf("select between = %d rows, want 3", len(records))
	}
	if _, leaked := records[0]["nombre"]; leaked {
		t.Error("projection leaked a column")
	}
	if records[0]["precio"].(float32) != 3.0 {
		t.Errorf("projected precio = %v, want 3.0", records[0]["precio"])
	}

	// Unknown projected column is a schema error.
	var se *SchemaError
	if _, err := db.Execute(SelectPlan{Table: "sales", Columns: []string{"ghost"}}); !errors.As(err, &se) {
		t.Errorf("projection of unknown column = %v, want SchemaError", err)
	}

	// Delete by range, then verify with a full select.
	res, err = db.Execute(DeletePlan{Table: "sales", Where: WhereBetween{Column: "id", Lo: 1, Hi: 5}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Data.(int) != 5 {
		t.Errorf("delete removed %v rows, want 5", res.Data)
	}
	res, _ = db.Execute(SelectPlan{Table: "sales"})
	if got := len(res.Data.([]Record)); got != 5 {
		t.Errorf("select * after delete = %d rows, want 5", got)
	}
}

func TestInsertPlanColumnMismatch(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	var se *SchemaError
	_, err := db.Execute(InsertPlan{Table: "sales", Columns: []string{"id"}, Values: []any{1, 2}})
	if !errors.As(err, &se) {
		t.Errorf("column/value mismatch = %v, want SchemaError", err)
	}
}

func TestDeletePlanNeedsPredicate(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	var se *SchemaError
	if _, err := db.Execute(DeletePlan{Table: "sales"}); !errors.As(err, &se) {
		t.Errorf("delete without predicate = %v, want SchemaError", err)
	}
}

func TestSpatialPlans(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Execute(CreateTablePlan{
		Table: "places",
		Columns: []ColumnDef{
			{Name: "id", Type: TypeInt, IsKey: true, Index: BTree},
			{Name: "pos", Type: TypeFloatArray, Length: 2, Index: RTree},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	points := [][]float32{{0, 0}, {1, 1}, {10, 10}, {10.5, 9.8}, {50, 50}}
	for i, p := range points {
		if _, err := db.Execute(InsertPlan{Table: "places", Values: []any{i + 1, p}}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	res, err := db.Execute(SelectPlan{Table: "places", Where: WhereNearest{Column: "pos", X: 10, Y: 10, K: 2}})
	if err != nil {
		t.Fatalf("knn: %v", err)
	}
	records := res.Data.([]Record)
	if len(records) != 2 || records[0]["id"].(int32) != 3 || records[1]["id"].(int32) != 4 {
		t.Errorf("knn = %v", records)
	}

	res, err = db.Execute(SelectPlan{Table: "places", Where: WhereRadius{Column: "pos", X: 0, Y: 0, Radius: 2}})
	if err != nil {
		t.Fatalf("radius: %v", err)
	}
	got := map[int32]bool{}
	for _, r := range res.Data.([]Record) {
		got[r["id"].(int32)] = true
	}
	if len(got) != 2 || !got[1] || !got[2] {
		t.Errorf("radius = %v", res.Data)
	}

	// Spatial delete predicates are rejected.
	var uo *UnsupportedOperation
	if _, err := db.Execute(DeletePlan{Table: "places", Where: WhereRadius{Column: "pos", X: 0, Y: 0, Radius: 1}}); !errors.As(err, &uo) {
		t.Errorf("spatial delete = %v, want UnsupportedOperation", err)
	}
}

func TestDropPlans(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	db.Execute(InsertPlan{Table: "sales", Values: []any{1, "a", 1, 1.0, "2024-01-01"}})
	if _, err := db.Execute(CreateIndexPlan{Table: "sales", Column: "cantidad", Kind: Hash}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if _, err := db.Execute(DropIndexPlan{Table: "sales", Column: "cantidad"}); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := db.Execute(DropTablePlan{Table: "sales"}); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if got := db.ListTables(); len(got) != 0 {
		t.Errorf("tables after drop = %v", got)
	}
}
