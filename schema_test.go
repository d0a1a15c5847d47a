// Record codec and key handling tests.
//
// These pin the fixed-width layout guarantees the page formats are
// built on: pack then unpack is the identity on valid values (CHAR
// values lose trailing NULs and surrounding whitespace), widths are
// stable, and values that cannot be represented fail with an
// EncodingError instead of silently corrupting a page.
package quarto

import (
	"errors"
	"testing"
)

// salesSchema is the schema most tests share: an INT key, a CHAR name,
// a quantity, a price and a date.
func salesSchema() *Schema {
	return &Schema{
		Table: "sales",
		Fields: []Field{
			{Name: "id", Type: TypeInt},
			{Name: "nombre", Type: TypeChar, Size: 20},
			{Name: "cantidad", Type: TypeInt},
			{Name: "precio", Type: TypeFloat},
			{Name: "fecha", Type: TypeDate},
		},
		Key: "id",
	}
}

func salesRecord(id int, nombre string, cantidad int, precio float64, fecha string) Record {
	return Record{"id": int32(id), "nombre": nombre, "cantidad": int32(cantidad), "precio": float32(precio), "fecha": fecha}
}

func TestRecordSize(t *testing.T) {
	s := salesSchema()
	want := 4 + 20 + 4 + 4 + 10
	if got := s.recordSize(); got != want {
		t.Errorf("recordSize = %d, want %d", got, want)
	}
	s.Active = true
	if got := s.recordSize(); got != want+1 {
		t.Errorf("recordSize with active = %d, want %d", got, want+1)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	s := salesSchema()
	rec := salesRecord(42, "Teclado", 3, 99.9, "2024-10-24")

	buf, err := packRecord(s, rec, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(buf) != s.recordSize() {
		t.Fatalf("packed %d bytes, want %d", len(buf), s.recordSize())
	}

	got, active, err := unpackRecord(s, buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !active {
		t.Error("active lost in round trip")
	}
	for _, field := range []string{"id", "nombre", "cantidad", "precio", "fecha"} {
		if compareKeys(got[field], rec[field]) != 0 {
			t.Errorf("%s = %v, want %v", field, got[field], rec[field])
		}
	}
}

// TestPackCharTrimming verifies the documented CHAR asymmetry: values
// come back with trailing NULs and surrounding whitespace stripped.
func TestPackCharTrimming(t *testing.T) {
	s := salesSchema()
	rec := salesRecord(1, "  Mouse  ", 1, 5, "2024-01-01")

	buf, err := packRecord(s, rec, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, _, err := unpackRecord(s, buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got["nombre"] != "Mouse" {
		t.Errorf("nombre = %q, want %q", got["nombre"], "Mouse")
	}
}

func TestPackCharTruncates(t *testing.T) {
	s := &Schema{Table: "t", Fields: []Field{{Name: "c", Type: TypeChar, Size: 4}}, Key: "c"}
	buf, err := packRecord(s, Record{"c": "abcdefgh"}, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, _, _ := unpackRecord(s, buf)
	if got["c"] != "abcd" {
		t.Errorf("c = %q, want %q", got["c"], "abcd")
	}
}

func TestPackArray(t *testing.T) {
	s := &Schema{
		Table: "points",
		Fields: []Field{
			{Name: "id", Type: TypeInt},
			{Name: "pos", Type: TypeFloatArray, Size: 2},
		},
		Key: "id",
	}
	buf, err := packRecord(s, Record{"id": int32(7), "pos": []float32{1.5, -2.5}}, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, _, err := unpackRecord(s, buf)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	pos := got["pos"].([]float32)
	if pos[0] != 1.5 || pos[1] != -2.5 {
		t.Errorf("pos = %v, want [1.5 -2.5]", pos)
	}
}

func TestNormalizeErrors(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		value any
	}{
		{"int overflow", Field{Name: "n", Type: TypeInt}, int64(1) << 40},
		{"int from garbage", Field{Name: "n", Type: TypeInt}, "not a number"},
		{"float from garbage", Field{Name: "f", Type: TypeFloat}, "x"},
		{"short array", Field{Name: "a", Type: TypeFloatArray, Size: 2}, []float32{1}},
		{"bad date", Field{Name: "d", Type: TypeDate}, "24/10/2024x"},
		{"nil value", Field{Name: "n", Type: TypeInt}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalize(tc.field, tc.value)
			var enc *EncodingError
			if !errors.As(err, &enc) {
				t.Errorf("normalize(%v) error = %v, want EncodingError", tc.value, err)
			}
		})
	}
}

func TestNormalizeConversions(t *testing.T) {
	f := Field{Name: "n", Type: TypeInt}
	v, err := normalize(f, "123")
	if err != nil || v.(int32) != 123 {
		t.Errorf("normalize string int = %v, %v", v, err)
	}
	v, err = normalize(f, float64(7))
	if err != nil || v.(int32) != 7 {
		t.Errorf("normalize float64 int = %v, %v", v, err)
	}
	ff := Field{Name: "f", Type: TypeFloat}
	v, err = normalize(ff, 2)
	if err != nil || v.(float32) != 2 {
		t.Errorf("normalize int float = %v, %v", v, err)
	}
}

func TestCompareKeys(t *testing.T) {
	if compareKeys(int32(1), int32(2)) >= 0 {
		t.Error("1 < 2 failed")
	}
	if compareKeys("b", "a") <= 0 {
		t.Error("byte order on strings failed")
	}
	if compareKeys(float32(1.5), float32(1.5)) != 0 {
		t.Error("equal floats failed")
	}
	if compareKeys(false, true) >= 0 {
		t.Error("false < true failed")
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	cases := []struct {
		field Field
		value any
	}{
		{Field{Name: "i", Type: TypeInt}, int32(-42)},
		{Field{Name: "f", Type: TypeFloat}, float32(3.25)},
		{Field{Name: "c", Type: TypeChar, Size: 8}, "abc"},
		{Field{Name: "b", Type: TypeBool}, true},
	}
	for _, tc := range cases {
		got, err := parseKeyString(tc.field, keyString(tc.value))
		if err != nil {
			t.Fatalf("parseKeyString: %v", err)
		}
		if compareKeys(got, tc.value) != 0 {
			t.Errorf("round trip %v -> %v", tc.value, got)
		}
	}
}
