// Table schemas and key handling.
//
// A schema is an ordered list of typed fields plus the name of the key
// field. The packed width of every field is fixed by its type, so a
// record's byte layout — and therefore every page layout built on it —
// is fully determined by the schema. Keys travel through the engine as
// one of four concrete Go types (int32, float32, string, bool); every
// value entering an index is normalised first so comparisons never mix
// representations.
package quarto

import (
	"strconv"
	"strings"
)

// FieldType enumerates the primitive column types the codec supports.
type FieldType uint8

// Field type constants.
const (
	TypeInt        FieldType = iota + 1 // 32-bit signed integer
	TypeFloat                           // 32-bit IEEE float
	TypeChar                            // fixed-width string, NUL padded
	TypeBool                            // 1 byte
	TypeDate                            // CHAR[10], YYYY-MM-DD
	TypeFloatArray                      // k consecutive 32-bit floats
)

func (t FieldType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeChar:
		return "CHAR"
	case TypeBool:
		return "BOOL"
	case TypeDate:
		return "DATE"
	case TypeFloatArray:
		return "ARRAY[FLOAT]"
	}
	return "UNKNOWN"
}

// dateWidth is the packed width of a DATE field (YYYY-MM-DD).
const dateWidth = 10

// Field describes one column: its name, type, and size parameter
// (CHAR width or ARRAY length; ignored for the fixed-width types).
type Field struct {
	Name string `json:"name"`
	Type FieldType `json:"type"`
	Size int `json:"size,omitempty"`
}

// width returns the packed byte width of the field.
func (f Field) width() int {
	switch f.Type {
	case TypeInt, TypeFloat:
		return 4
	case TypeChar:
		return f.Size
	case TypeBool:
		return 1
	case TypeDate:
		return dateWidth
	case TypeFloatArray:
		return 4 * f.Size
	}
	return 0
}

// comparable reports whether the field type has a total order usable as
// an index key.
func (f Field) comparable() bool {
	switch f.Type {
	case TypeInt, TypeFloat, TypeChar, TypeBool, TypeDate:
		return true
	}
	return false
}

// Schema is the metadata of one table: its ordered fields and key field.
// When Active is set (sequential-file primaries) every packed record
// carries one trailing tombstone byte after the declared fields.
type Schema struct {
	Table  string  `json:"table"`
	Fields []Field `json:"fields"`
	Key    string  `json:"key"`
	Active bool    `json:"active,omitempty"`
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// keyField returns the field holding the primary key.
func (s *Schema) keyField() Field {
	f, _ := s.Field(s.Key)
	return f
}

// recordSize returns the packed byte width of one record, including the
// trailing active byte when present.
func (s *Schema) recordSize() int {
	n := 0
	for _, f := range s.Fields {
		n += f.width()
	}
	if s.Active {
		n++
	}
	return n
}

// normalize converts an incoming value to the field's canonical Go type:
// int32 for INT, float32 for FLOAT, string for CHAR and DATE, bool for
// BOOL, []float32 for ARRAY. Returns an EncodingError when the value
// cannot be represented.
func normalize(f Field, v any) (any, error) {
	switch f.Type {
	case TypeInt:
		switch x := v.(type) {
		case int32:
			return x, nil
		case int:
			if x > 1<<31-1 || x < -(1<<31) {
				return nil, encodingErrf(f.Name, "INT out of range: %d", x)
			}
			return int32(x), nil
		case int64:
			if x > 1<<31-1 || x < -(1<<31) {
				return nil, encodingErrf(f.Name, "INT out of range: %d", x)
			}
			return int32(x), nil
		case float64:
			if x != float64(int64(x)) {
				return nil, encodingErrf(f.Name, "not an integer: %v", x)
			}
			return normalize(f, int64(x))
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 32)
			if err != nil {
				return nil, encodingErrf(f.Name, "not an integer: %q", x)
			}
			return int32(n), nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float32:
			return x, nil
		case float64:
			return float32(x), nil
		case int:
			return float32(x), nil
		case int32:
			return float32(x), nil
		case int64:
			return float32(x), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(x), 32)
			if err != nil {
				return nil, encodingErrf(f.Name, "not a float: %q", x)
			}
			return float32(n), nil
		}
	case TypeChar:
		if x, ok := v.(string); ok {
			return x, nil
		}
	case TypeDate:
		if x, ok := v.(string); ok {
			x = strings.TrimSpace(x)
			if x != "" && len(x) != dateWidth {
				return nil, encodingErrf(f.Name, "not an ISO-8601 date: %q", x)
			}
			return x, nil
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case TypeFloatArray:
		switch x := v.(type) {
		case []float32:
			if len(x) != f.Size {
				return nil, encodingErrf(f.Name, "array must have %d elements, got %d", f.Size, len(x))
			}
			return x, nil
		case []float64:
			if len(x) != f.Size {
				return nil, encodingErrf(f.Name, "array must have %d elements, got %d", f.Size, len(x))
			}
			out := make([]float32, len(x))
			for i, e := range x {
				out[i] = float32(e)
			}
			return out, nil
		case []any:
			out := make([]float32, 0, len(x))
			for _, e := range x {
				ev, err := normalize(Field{Name: f.Name, Type: TypeFloat}, e)
				if err != nil {
					return nil, err
				}
				out = append(out, ev.(float32))
			}
			if len(out) != f.Size {
				return nil, encodingErrf(f.Name, "array must have %d elements, got %d", f.Size, len(out))
			}
			return out, nil
		}
	}
	return nil, encodingErrf(f.Name, "cannot represent %T as %s", v, f.Type)
}

// compareKeys orders two normalised key values of the same type.
// Strings compare in byte order.
func compareKeys(a, b any) int {
	switch x := a.(type) {
	case int32:
		y := b.(int32)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case float32:
		y := b.(float32)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case !x && y:
			return -1
		case x && !y:
			return 1
		}
		return 0
	}
	return 0
}

// keyString returns the canonical string form of a key, used for
// hashing and for sidecar map keys.
func keyString(v any) string {
	switch x := v.(type) {
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// parseKeyString is the inverse of keyString for a known field type.
func parseKeyString(f Field, s string) (any, error) {
	switch f.Type {
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, encodingErrf(f.Name, "bad key %q", s)
		}
		return int32(n), nil
	case TypeFloat:
		n, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, encodingErrf(f.Name, "bad key %q", s)
		}
		return float32(n), nil
	case TypeChar, TypeDate:
		return s, nil
	case TypeBool:
		return s == "true", nil
	}
	return nil, encodingErrf(f.Name, "type %s cannot be a key", f.Type)
}
