// CSV ingestion tests.
//
// The loader is best effort: delimiter guessed from the header,
// Spanish headers aliased to physical columns, DD/MM/YYYY dates
// normalised, bad rows counted and skipped, duplicate keys counted as
// soft failures.
package quarto

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestGuessDelimiter(t *testing.T) {
	if guessDelimiter("a;b;c") != ';' {
		t.Error("semicolon header guessed wrong")
	}
	if guessDelimiter("a,b,c") != ',' {
		t.Error("comma header guessed wrong")
	}
	// Ties go to semicolon.
	if guessDelimiter("a;b,c") != ';' {
		t.Error("tie should pick semicolon")
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := map[string]string{
		"24/10/2024": "2024-10-24",
		"5/3/2024":   "2024-03-05",
		"2024-10-24": "2024-10-24",
		"":           "",
	}
	for in, want := range cases {
		if got := normalizeDate(in); got != want {
			t.Errorf("normalizeDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadCSVSpanishHeaders(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	path := writeCSV(t, "ID Venta;Nombre Producto;Cantidad Vendida;Precio Unitario;Fecha Venta\n"+
		"1;Teclado;3;99.9;24/10/2024\n"+
		"2;Mouse;5;49.5;1/2/2024\n")

	res, err := db.LoadCSV("sales", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stats := res.Data.(LoadStats)
	if stats.Inserted != 2 || stats.Duplicates != 0 || stats.CastErr != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	got, _ := db.Search("sales", "", int32(1))
	rec := got.Data.([]Record)[0]
	if rec["nombre"] != "Teclado" {
		t.Errorf("nombre = %v", rec["nombre"])
	}
	if rec["fecha"] != "2024-10-24" {
		t.Errorf("fecha = %v, want ISO form", rec["fecha"])
	}
	got, _ = db.Search("sales", "", int32(2))
	if rec := got.Data.([]Record)[0]; rec["fecha"] != "2024-02-01" {
		t.Errorf("fecha = %v, want 2024-02-01", rec["fecha"])
	}
}

func TestLoadCSVCountsDuplicatesAndCastErrors(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	path := writeCSV(t, "id,nombre,cantidad,precio,fecha\n"+
		"1,Teclado,3,99.9,2024-01-01\n"+
		"1,Clon,4,10.0,2024-01-02\n"+ // duplicate key
		"zzz,Roto,x,1.0,2024-01-03\n"+ // cast error
		"2,Mouse,5,49.5,2024-01-04\n")

	res, err := db.LoadCSV("sales", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stats := res.Data.(LoadStats)
	if stats.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", stats.Inserted)
	}
	if stats.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", stats.Duplicates)
	}
	if stats.CastErr != 1 {
		t.Errorf("cast_err = %d, want 1", stats.CastErr)
	}
	// The duplicate row did not replace the original.
	got, _ := db.Search("sales", "", int32(1))
	if rec := got.Data.([]Record)[0]; rec["nombre"] != "Teclado" {
		t.Errorf("duplicate overwrote record: %v", rec["nombre"])
	}
}

func TestLoadCSVEmptyCellsUseDefaults(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, BTree)
	path := writeCSV(t, "id,nombre,cantidad,precio,fecha\n"+
		"1,,,,\n")
	res, err := db.LoadCSV("sales", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats := res.Data.(LoadStats); stats.Inserted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got, _ := db.Search("sales", "", int32(1))
	rec := got.Data.([]Record)[0]
	if rec["nombre"] != "" || rec["cantidad"].(int32) != 0 || rec["precio"].(float32) != 0 {
		t.Errorf("defaults not applied: %v", rec)
	}
}

func TestLoadCSVIntoSecondaryIndexes(t *testing.T) {
	db := openTestDB(t)
	createSales(t, db, ISAM)
	db.CreateIndex("sales", "cantidad", Hash, false)
	path := writeCSV(t, "id,nombre,cantidad,precio,fecha\n"+
		"1,A,7,1.0,2024-01-01\n"+
		"2,B,7,2.0,2024-01-02\n"+
		"3,C,9,3.0,2024-01-03\n")
	if _, err := db.LoadCSV("sales", path); err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := db.Search("sales", "cantidad", int32(7))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := len(res.Data.([]Record)); got != 2 {
		t.Errorf("secondary search after load = %d records, want 2", got)
	}
}
